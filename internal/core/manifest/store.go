package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/stick-pm/stick/internal/core/layout"
	"github.com/stick-pm/stick/internal/core/storage"
)

// ConflictError reports a conditional manifest save that lost against a
// concurrent writer.
type ConflictError struct {
	Project string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("manifest for %s was modified concurrently", e.Project)
}

// Store reads and writes project manifests as blobs under a repository
// prefix.
type Store struct {
	blobs  storage.Store
	prefix string
}

// NewStore returns a manifest store over blobs.
func NewStore(blobs storage.Store, prefix string) *Store {
	return &Store{blobs: blobs, prefix: layout.NormalizePrefix(prefix)}
}

// Load returns the project's manifest and the ETag to pass back to Save. A
// missing manifest blob yields an empty manifest and an empty ETag, not an
// error.
func (s *Store) Load(ctx context.Context, project string) (*ProjectManifest, string, error) {
	data, info, err := s.blobs.Get(ctx, layout.ManifestKey(s.prefix, project))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return New(project), "", nil
		}
		return nil, "", err
	}
	m, err := Decode(project, data)
	if err != nil {
		return nil, "", err
	}
	return m, info.ETag, nil
}

// Save writes the manifest conditionally against priorETag: an empty
// priorETag demands creation, a non-empty one demands the blob still carry
// it. A lost race returns *ConflictError. On stores without conditional
// write support the write is last-writer-wins.
func (s *Store) Save(ctx context.Context, m *ProjectManifest, priorETag string) (string, error) {
	opts := storage.PutOptions{ContentType: "application/json"}
	if s.blobs.SupportsConditional() {
		if priorETag == "" {
			opts.IfNoneMatch = true
		} else {
			opts.IfMatch = priorETag
		}
	}
	return s.put(ctx, m, opts)
}

// Overwrite writes the manifest unconditionally. This is the Reindex repair
// path.
func (s *Store) Overwrite(ctx context.Context, m *ProjectManifest) error {
	_, err := s.put(ctx, m, storage.PutOptions{ContentType: "application/json"})
	return err
}

func (s *Store) put(ctx context.Context, m *ProjectManifest, opts storage.PutOptions) (string, error) {
	data, err := Encode(m)
	if err != nil {
		return "", err
	}
	info, err := s.blobs.Put(ctx, layout.ManifestKey(s.prefix, m.Project), data, opts)
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return "", &ConflictError{Project: m.Project}
		}
		return "", err
	}
	return info.ETag, nil
}

// Projects discovers the repository's projects by listing under the prefix
// and keeping first-level directories that hold a manifest blob. There is no
// separately maintained project registry.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	objects, err := s.blobs.List(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	var projects []string
	seen := make(map[string]bool)
	for _, obj := range objects {
		project := layout.ProjectFromKey(s.prefix, obj.Key)
		if project == "" || seen[project] {
			continue
		}
		if obj.Key == layout.ManifestKey(s.prefix, project) {
			seen[project] = true
			projects = append(projects, project)
		}
	}
	sort.Strings(projects)
	return projects, nil
}
