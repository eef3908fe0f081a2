package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/stick-pm/stick/internal/core/layout"
	"github.com/stick-pm/stick/internal/core/projection"
	"github.com/stick-pm/stick/internal/core/storage"
)

// DocumentDiff reports one published document that no longer matches its
// recomputed projection.
type DocumentDiff struct {
	Key     string
	Missing bool
	// Diff is a human-readable difference between expected and stored
	// content; empty when Missing.
	Diff string
}

// ProjectReport is the Check outcome for one project.
type ProjectReport struct {
	Project string
	// MissingArtifacts lists manifest records whose artifact blob is gone
	// from storage (drift).
	MissingArtifacts []string
	// StaleDocuments lists projection documents that differ from what is
	// published.
	StaleDocuments []DocumentDiff
	Err            error
}

// Clean reports whether the project showed no drift, no staleness and no
// error.
func (r *ProjectReport) Clean() bool {
	return r.Err == nil && len(r.MissingArtifacts) == 0 && len(r.StaleDocuments) == 0
}

// Check verifies the targeted projects (default: all discoverable ones)
// against storage: manifest records must have artifact blobs, and the
// published documents must equal the recomputed projection. It never writes.
func (e *Engine) Check(ctx context.Context, projects []string) ([]ProjectReport, error) {
	if len(projects) == 0 {
		var err error
		projects, err = e.manifests.Projects(ctx)
		if err != nil {
			return nil, err
		}
	}

	reports := make([]ProjectReport, len(projects))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, project := range projects {
		i, project := i, project
		g.Go(func() error {
			report := e.checkProject(gctx, project)
			mu.Lock()
			reports[i] = report
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

func (e *Engine) checkProject(ctx context.Context, project string) ProjectReport {
	report := ProjectReport{Project: project}

	m, _, err := e.manifests.Load(ctx, project)
	if err != nil {
		report.Err = err
		return report
	}

	// One listing covers all artifact-existence probes for the project.
	objects, err := e.store.List(ctx, layout.ProjectDir(e.prefix, project))
	if err != nil {
		report.Err = err
		return report
	}
	present := make(map[string]bool, len(objects))
	for _, obj := range objects {
		present[obj.Key] = true
	}

	for _, rec := range m.Sorted() {
		if !present[layout.ArtifactKey(e.prefix, project, rec.Filename)] {
			report.MissingArtifacts = append(report.MissingArtifacts, rec.Filename)
		}
	}
	sort.Strings(report.MissingArtifacts)

	docs, err := projection.Project(m, e.prefix, e.baseURL)
	if err != nil {
		report.Err = err
		return report
	}
	for _, doc := range docs {
		stored, _, err := e.store.Get(ctx, doc.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				report.StaleDocuments = append(report.StaleDocuments, DocumentDiff{Key: doc.Key, Missing: true})
				continue
			}
			report.Err = err
			return report
		}
		if diff := cmp.Diff(string(doc.Body), string(stored)); diff != "" {
			report.StaleDocuments = append(report.StaleDocuments, DocumentDiff{Key: doc.Key, Diff: diff})
		}
	}
	return report
}
