package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stick-pm/stick/internal/core/artifact"
	"github.com/stick-pm/stick/internal/core/layout"
	"github.com/stick-pm/stick/internal/core/manifest"
	"github.com/stick-pm/stick/internal/core/storage"
)

// ReindexResult is the per-project outcome of a Reindex.
type ReindexResult struct {
	Project   string
	Artifacts int // records in the rebuilt manifest
	Err       error
}

// ReindexSummary lists per-project outcomes.
type ReindexSummary struct {
	Projects []ReindexResult
}

// Failed reports whether any project failed.
func (s *ReindexSummary) Failed() bool {
	for _, p := range s.Projects {
		if p.Err != nil {
			return true
		}
	}
	return false
}

// Reindex rebuilds manifests for the targeted projects from the artifact
// blobs actually in storage, ignoring cached manifests entirely, then
// overwrites the stored manifest and rewrites every projection document.
// This is the authoritative repair path after out-of-band changes; it reads
// every artifact's full content, so cost is proportional to stored bytes.
func (e *Engine) Reindex(ctx context.Context, projects []string) (*ReindexSummary, error) {
	if len(projects) == 0 {
		var err error
		projects, err = e.discoverProjectsByArtifacts(ctx)
		if err != nil {
			return nil, err
		}
	}

	summary := &ReindexSummary{Projects: make([]ReindexResult, len(projects))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, project := range projects {
		i, project := i, project
		g.Go(func() error {
			result := e.reindexProject(gctx, project)
			mu.Lock()
			summary.Projects[i] = result
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	if err := e.writeRootIndex(ctx); err != nil {
		return summary, err
	}
	return summary, nil
}

// discoverProjectsByArtifacts lists the whole prefix and keeps first-level
// directories that contain at least one parsable artifact key. Unlike
// manifest-based discovery this also finds projects whose manifest was lost.
func (e *Engine) discoverProjectsByArtifacts(ctx context.Context) ([]string, error) {
	objects, err := e.store.List(ctx, e.prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var projects []string
	for _, obj := range objects {
		project := layout.ProjectFromKey(e.prefix, obj.Key)
		if project == "" || seen[project] {
			continue
		}
		if isArtifactKey(layout.ProjectDir(e.prefix, project), obj.Key) {
			seen[project] = true
			projects = append(projects, project)
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// isArtifactKey reports whether key names an artifact blob directly under
// dir, as opposed to a manifest, signature, projection document or nested
// key.
func isArtifactKey(dir, key string) bool {
	base, ok := strings.CutPrefix(key, dir)
	if !ok || base == "" || strings.Contains(base, "/") {
		return false
	}
	if base == layout.ManifestFilename || base == "json" || strings.HasSuffix(base, ".asc") {
		return false
	}
	_, err := artifact.ParseFilename(base)
	return err == nil
}

func (e *Engine) reindexProject(ctx context.Context, project string) ReindexResult {
	result := ReindexResult{Project: project}

	lock := e.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	dir := layout.ProjectDir(e.prefix, project)
	var objects []storage.ObjectInfo
	err := e.withStorageRetry(ctx, func() error {
		var listErr error
		objects, listErr = e.store.List(ctx, dir)
		return listErr
	})
	if err != nil {
		result.Err = err
		return result
	}

	signatures := make(map[string]bool)
	for _, obj := range objects {
		if base, ok := strings.CutPrefix(obj.Key, dir); ok && strings.HasSuffix(base, ".asc") {
			signatures[strings.TrimSuffix(base, ".asc")] = true
		}
	}

	m := manifest.New(project)
	for _, obj := range objects {
		if !isArtifactKey(dir, obj.Key) {
			continue
		}
		var data []byte
		err := e.withStorageRetry(ctx, func() error {
			var getErr error
			data, _, getErr = e.store.Get(ctx, obj.Key)
			return getErr
		})
		if err != nil {
			result.Err = err
			return result
		}
		filename := strings.TrimPrefix(obj.Key, dir)
		info, err := artifact.ExtractBytes(filename, data)
		if err != nil {
			result.Err = err
			return result
		}
		m.Add(manifest.NewRecord(info, obj.Modified, signatures[filename]))
	}
	result.Artifacts = len(m.Records)

	err = e.withStorageRetry(ctx, func() error {
		return e.manifests.Overwrite(ctx, m)
	})
	if err != nil {
		result.Err = err
		return result
	}

	if err := e.writeProjection(ctx, m); err != nil {
		result.Err = err
	}
	return result
}
