package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps artifacts in process memory. Store buffers the whole
// payload before publishing it, so memory use grows with artifact size; it is
// meant for tests and local development only.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStorage) Store(ctx context.Context, key string, r io.Reader, size int64) error {
	if exists, _ := s.Exists(ctx, key); exists {
		return ErrAlreadyExists
	}

	data, err := io.ReadAll(contextReader{ctx: ctx, r: r})
	if err != nil {
		return operationFailed("read", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return operationFailed("read", fmt.Errorf("short upload: got %d of %d bytes", len(data), size))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; ok {
		return ErrAlreadyExists
	}
	s.objects[key] = data
	return nil
}

func (s *MemoryStorage) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return sizedReadCloser{ReadCloser: io.NopCloser(bytes.NewReader(data)), size: int64(len(data))}, nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
