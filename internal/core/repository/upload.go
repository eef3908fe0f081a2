package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenk/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/stick-pm/stick/internal/core/artifact"
	"github.com/stick-pm/stick/internal/core/layout"
	"github.com/stick-pm/stick/internal/core/manifest"
	"github.com/stick-pm/stick/internal/core/storage"
)

// FileStatus classifies the outcome for one uploaded file.
type FileStatus string

const (
	StatusUploaded FileStatus = "uploaded"
	StatusSkipped  FileStatus = "skipped"
	StatusFailed   FileStatus = "failed"
)

// FileResult is the per-file outcome of an Upload.
type FileResult struct {
	Path     string
	Filename string
	Project  string
	Status   FileStatus
	Err      error
}

// UploadSummary lists the per-file outcomes in input order.
type UploadSummary struct {
	Files []FileResult
}

// Failed reports whether any file failed.
func (s *UploadSummary) Failed() bool {
	for _, f := range s.Files {
		if f.Status == StatusFailed {
			return true
		}
	}
	return false
}

// UploadOptions control one Upload invocation.
type UploadOptions struct {
	// SkipExisting silently skips files whose filename is already recorded;
	// when false such files fail with DuplicateArtifactError.
	SkipExisting bool
	// Sign requests a detached signature for each uploaded artifact that
	// does not already have one supplied on the command line.
	Sign bool
}

// uploadItem is one distribution file staged for upload.
type uploadItem struct {
	index   int // position in the input path list
	path    string
	data    []byte
	info    *artifact.Info
	sigPath string // pre-signed .asc companion, when given
}

// Upload publishes the given distribution files. Paths ending in .asc are
// treated as pre-signed detached signatures for the matching distribution
// rather than artifacts of their own. Files of one project are batched into
// a single manifest read-modify-write; distinct projects proceed
// concurrently. Failures are scoped to one file or one project; the summary
// carries them all.
func (e *Engine) Upload(ctx context.Context, paths []string, opts UploadOptions) (*UploadSummary, error) {
	signatures := make(map[string]string)
	var distPaths []string
	for _, p := range paths {
		if strings.HasSuffix(p, ".asc") {
			signatures[filepath.Base(p)] = p
		} else {
			distPaths = append(distPaths, p)
		}
	}

	summary := &UploadSummary{Files: make([]FileResult, len(distPaths))}
	groups := make(map[string][]*uploadItem)
	var projects []string

	for i, p := range distPaths {
		summary.Files[i] = FileResult{Path: p, Filename: filepath.Base(p)}
		data, err := os.ReadFile(p)
		if err != nil {
			summary.Files[i].Status = StatusFailed
			summary.Files[i].Err = err
			continue
		}
		info, err := artifact.ExtractBytes(filepath.Base(p), data)
		if err != nil {
			summary.Files[i].Status = StatusFailed
			summary.Files[i].Err = err
			continue
		}
		summary.Files[i].Project = info.Name
		item := &uploadItem{
			index:   i,
			path:    p,
			data:    data,
			info:    info,
			sigPath: signatures[info.Filename+".asc"],
		}
		if _, ok := groups[info.Name]; !ok {
			projects = append(projects, info.Name)
		}
		groups[info.Name] = append(groups[info.Name], item)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, project := range projects {
		project := project
		items := groups[project]
		g.Go(func() error {
			e.uploadProject(gctx, project, items, opts, summary)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	if uploadedAny(summary) {
		if err := e.writeRootIndex(ctx); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func uploadedAny(s *UploadSummary) bool {
	for _, f := range s.Files {
		if f.Status == StatusUploaded {
			return true
		}
	}
	return false
}

// uploadProject runs the whole per-project unit of work: blob uploads, a
// single manifest read-modify-write with optimistic-concurrency retry, and
// projection rewrite. It records outcomes directly in summary (each item
// writes only its own slot, so no locking is needed).
func (e *Engine) uploadProject(ctx context.Context, project string, items []*uploadItem, opts UploadOptions, summary *UploadSummary) {
	lock := e.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	failAll := func(pending []*uploadItem, err error) {
		for _, item := range pending {
			summary.Files[item.index].Status = StatusFailed
			summary.Files[item.index].Err = err
		}
	}

	var m *manifest.ProjectManifest
	var etag string
	err := e.withStorageRetry(ctx, func() error {
		var loadErr error
		m, etag, loadErr = e.manifests.Load(ctx, project)
		return loadErr
	})
	if err != nil {
		failAll(items, err)
		return
	}

	// Split duplicates out before any blob is written.
	var pending []*uploadItem
	for _, item := range items {
		if m.Find(item.info.Filename) != nil {
			if opts.SkipExisting {
				summary.Files[item.index].Status = StatusSkipped
			} else {
				summary.Files[item.index].Status = StatusFailed
				summary.Files[item.index].Err = &DuplicateArtifactError{Project: project, Filename: item.info.Filename}
			}
			continue
		}
		pending = append(pending, item)
	}
	if len(pending) == 0 {
		return
	}

	records := make(map[int]manifest.ArtifactRecord, len(pending))
	var stored []*uploadItem
	for _, item := range pending {
		rec, err := e.putArtifact(ctx, project, item, opts)
		if err != nil {
			summary.Files[item.index].Status = StatusFailed
			summary.Files[item.index].Err = err
			continue
		}
		records[item.index] = rec
		stored = append(stored, item)
	}
	if len(stored) == 0 {
		return
	}

	m, err = e.saveWithRetry(ctx, project, m, etag, func(m *manifest.ProjectManifest) {
		for _, item := range stored {
			// A concurrent writer may have published the same filename
			// between attempts; the existing record wins and the item is
			// reported accordingly.
			if m.Find(item.info.Filename) != nil {
				if opts.SkipExisting {
					summary.Files[item.index].Status = StatusSkipped
				} else {
					summary.Files[item.index].Status = StatusFailed
					summary.Files[item.index].Err = &DuplicateArtifactError{Project: project, Filename: item.info.Filename}
				}
				continue
			}
			m.Add(records[item.index])
		}
	})
	if err != nil {
		failAll(stored, err)
		return
	}

	if err := e.writeProjection(ctx, m); err != nil {
		failAll(stored, err)
		return
	}
	for _, item := range stored {
		if summary.Files[item.index].Status == "" {
			summary.Files[item.index].Status = StatusUploaded
		}
	}
}

// putArtifact writes the artifact blob (and its signature, when requested)
// and returns the manifest record for it. The record's upload time is the
// store-reported modification time, so a later Reindex reconstructs the
// identical record.
func (e *Engine) putArtifact(ctx context.Context, project string, item *uploadItem, opts UploadOptions) (manifest.ArtifactRecord, error) {
	var sig []byte
	var err error
	switch {
	case item.sigPath != "":
		sig, err = os.ReadFile(item.sigPath)
		if err != nil {
			return manifest.ArtifactRecord{}, fmt.Errorf("reading signature %s: %w", item.sigPath, err)
		}
	case opts.Sign && e.signer != nil:
		sig, err = e.signer.Sign(ctx, item.path)
		if err != nil {
			return manifest.ArtifactRecord{}, fmt.Errorf("signing %s: %w", item.info.Filename, err)
		}
	}

	key := layout.ArtifactKey(e.prefix, project, item.info.Filename)
	var putInfo storage.ObjectInfo
	err = e.withStorageRetry(ctx, func() error {
		var putErr error
		putInfo, putErr = e.store.Put(ctx, key, item.data, storage.PutOptions{ContentType: "application/octet-stream"})
		return putErr
	})
	if err != nil {
		return manifest.ArtifactRecord{}, err
	}

	if sig != nil {
		sigKey := layout.SignatureKey(e.prefix, project, item.info.Filename)
		err = e.withStorageRetry(ctx, func() error {
			_, putErr := e.store.Put(ctx, sigKey, sig, storage.PutOptions{ContentType: "application/pgp-signature"})
			return putErr
		})
		if err != nil {
			return manifest.ArtifactRecord{}, err
		}
	}

	uploadedAt := putInfo.Modified
	if uploadedAt.IsZero() {
		uploadedAt = time.Now().UTC()
	}
	return manifest.NewRecord(item.info, uploadedAt, sig != nil), nil
}

// saveWithRetry runs the optimistic-concurrency loop: apply the delta to the
// loaded manifest, attempt a conditional save, and on conflict reload and
// reapply (the delta replays appends only; nothing is re-extracted or
// re-uploaded). The retry budget is bounded; exhaustion surfaces as
// ManifestConflictError.
func (e *Engine) saveWithRetry(ctx context.Context, project string, m *manifest.ProjectManifest, etag string, apply func(*manifest.ProjectManifest)) (*manifest.ProjectManifest, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval

	for attempt := 1; ; attempt++ {
		apply(m)
		_, err := e.manifests.Save(ctx, m, etag)
		if err == nil {
			return m, nil
		}
		var conflict *manifest.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		if attempt >= e.saveAttempts {
			return nil, &ManifestConflictError{Project: project, Attempts: attempt}
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		err = e.withStorageRetry(ctx, func() error {
			var loadErr error
			m, etag, loadErr = e.manifests.Load(ctx, project)
			return loadErr
		})
		if err != nil {
			return nil, err
		}
	}
}
