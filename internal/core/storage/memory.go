package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore is an in-memory Store with ETag-gated conditional writes.
// It backs tests and lets conflict handling be exercised without a real
// backend; SetConditional(false) simulates a backend that lacks
// conditional-write support.
type MemoryStore struct {
	mu          sync.Mutex
	objects     map[string]memObject
	conditional bool
	etagSeq     int

	// Hooks for race simulation in tests. When non-nil they run inside the
	// store lock boundary, before the corresponding operation applies.
	OnPut func(key string)
	OnGet func(key string)
}

// NewMemoryStore returns an empty MemoryStore that supports conditional
// writes.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:     make(map[string]memObject),
		conditional: true,
	}
}

// SetConditional toggles whether conditional Put options are honored.
func (s *MemoryStore) SetConditional(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditional = v
}

func (s *MemoryStore) SupportsConditional() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conditional
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	if s.OnGet != nil {
		s.OnGet(key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.info, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	if s.OnPut != nil {
		s.OnPut(key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.objects[key]
	if s.conditional {
		if opts.IfNoneMatch && exists {
			return ObjectInfo{}, fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
		}
		if opts.IfMatch != "" && (!exists || cur.info.ETag != opts.IfMatch) {
			return ObjectInfo{}, fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
		}
	}

	s.etagSeq++
	stored := make([]byte, len(data))
	copy(stored, data)
	info := ObjectInfo{
		Key:      key,
		Size:     int64(len(data)),
		Modified: time.Now().UTC().Truncate(time.Second),
		ETag:     fmt.Sprintf("etag-%d", s.etagSeq),
	}
	s.objects[key] = memObject{data: stored, info: info}
	return info, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, obj.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

var _ Store = (*MemoryStore)(nil)
