// Package memstore is a thread-safe in-memory storage backend for tests and
// local development.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/your-org/healthflow/pkg/storage"
)

// Store keeps objects in a map keyed by cleaned path.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// Write buffers the full stream before publishing it, so a failing reader
// leaves nothing behind.
func (s *Store) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("write object %s: wrote %d of %d bytes", key, len(data), size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.objects[cleaned] = data
	s.mu.Unlock()
	return nil
}

func (s *Store) Read(_ context.Context, key string) (io.ReadCloser, error) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[cleaned]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.objects[cleaned]
	s.mu.RUnlock()
	return ok, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, cleaned)
	s.mu.Unlock()
	return nil
}

func (s *Store) URI(key string) string {
	cleaned, err := storage.CleanKey(key)
	if err != nil {
		cleaned = key
	}
	return "mem://" + cleaned
}

func (s *Store) Close() error {
	return nil
}

// Keys lists stored paths in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len reports how many objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
