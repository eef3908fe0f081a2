// Package repository orchestrates the index-consistency engine: Upload,
// Check and Reindex over a blob store, a manifest store and the projector.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenk/backoff"

	"github.com/stick-pm/stick/internal/core/layout"
	"github.com/stick-pm/stick/internal/core/manifest"
	"github.com/stick-pm/stick/internal/core/projection"
	"github.com/stick-pm/stick/internal/core/signer"
	"github.com/stick-pm/stick/internal/core/storage"
)

const (
	defaultWorkers      = 4
	defaultSaveAttempts = 5
)

// DuplicateArtifactError reports an upload whose filename is already
// recorded in the project manifest.
type DuplicateArtifactError struct {
	Project  string
	Filename string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("%s already exists in project %s", e.Filename, e.Project)
}

// ManifestConflictError reports that the optimistic-concurrency retry budget
// for one project was exhausted.
type ManifestConflictError struct {
	Project  string
	Attempts int
}

func (e *ManifestConflictError) Error() string {
	return fmt.Sprintf("gave up saving manifest for %s after %d conflicting attempts", e.Project, e.Attempts)
}

// Options configure an Engine.
type Options struct {
	Store  storage.Store
	Prefix string
	// BaseURL is the public URL of the repository prefix, trailing slash
	// included.
	BaseURL string
	// Signer signs uploads when non-nil and signing is requested.
	Signer signer.Signer
	// Workers bounds concurrent per-project work. Default 4.
	Workers int
	// SaveAttempts bounds the optimistic-concurrency retry loop. Default 5.
	SaveAttempts int
	// RetryInterval is the initial backoff interval for conflict and
	// transient-storage retries. Default 250ms; tests shrink it.
	RetryInterval time.Duration
}

// Engine is the repository engine. Work on distinct projects may run
// concurrently; work on one project is serialized through a per-project
// lock, so the manifest read-modify-write-then-project sequence is atomic
// with respect to this engine's own invocations. External writers to the
// same prefix are what Check and Reindex exist for.
type Engine struct {
	store         storage.Store
	manifests     *manifest.Store
	prefix        string
	baseURL       string
	signer        signer.Signer
	workers       int
	saveAttempts  int
	retryInterval time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	attempts := opts.SaveAttempts
	if attempts <= 0 {
		attempts = defaultSaveAttempts
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	prefix := layout.NormalizePrefix(opts.Prefix)
	return &Engine{
		store:         opts.Store,
		manifests:     manifest.NewStore(opts.Store, prefix),
		prefix:        prefix,
		baseURL:       opts.BaseURL,
		signer:        opts.Signer,
		workers:       workers,
		saveAttempts:  attempts,
		retryInterval: interval,
		locks:         make(map[string]*sync.Mutex),
	}
}

// projectLock returns the serialization lock for one project.
func (e *Engine) projectLock(project string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[project]
	if !ok {
		l = &sync.Mutex{}
		e.locks[project] = l
	}
	return l
}

// withStorageRetry runs fn, retrying with bounded exponential backoff while
// it fails with a transient storage error. Other errors surface immediately.
func (e *Engine) withStorageRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var unavailable *storage.UnavailableError
		if errors.As(err, &unavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

// writeProjection regenerates and writes every derived document of m.
func (e *Engine) writeProjection(ctx context.Context, m *manifest.ProjectManifest) error {
	docs, err := projection.Project(m, e.prefix, e.baseURL)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		doc := doc
		err := e.withStorageRetry(ctx, func() error {
			_, putErr := e.store.Put(ctx, doc.Key, doc.Body, storage.PutOptions{ContentType: doc.ContentType})
			return putErr
		})
		if err != nil {
			return fmt.Errorf("writing %s: %w", doc.Key, err)
		}
	}
	return nil
}

// writeRootIndex regenerates the repository project list page from the
// discovered project set.
func (e *Engine) writeRootIndex(ctx context.Context) error {
	projects, err := e.manifests.Projects(ctx)
	if err != nil {
		return err
	}
	doc := projection.RootIndex(e.prefix, projects)
	return e.withStorageRetry(ctx, func() error {
		_, putErr := e.store.Put(ctx, doc.Key, doc.Body, storage.PutOptions{ContentType: doc.ContentType})
		return putErr
	})
}
