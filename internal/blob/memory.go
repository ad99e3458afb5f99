package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemStore is an in-memory Store used by tests and by single-process
// development setups.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailDelete, when set, makes Delete of existing keys fail. Lets
	// tests exercise the lingering-teardown path.
	FailDelete bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: map[string][]byte{}}
}

func (s *MemStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *MemStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", key, ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("delete %s: %w", key, ErrNotExist)
	}
	if s.FailDelete {
		return fmt.Errorf("delete %s: simulated storage failure", key)
	}
	delete(s.objects, key)
	return nil
}

// Get returns a stored object's bytes for test assertions.
func (s *MemStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

// Len reports the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
