package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process BlobStore used by tests. It reproduces
// the fallback path's semantics faithfully: each Put replaces the whole
// blob, so overlapping read-modify-write cycles lose the first writer's
// concurrent change.
type MemoryStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	updated  map[string]time.Time
	notifier ChangeNotifier
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:   make(map[string][]byte),
		updated: make(map[string]time.Time),
	}
}

func (s *MemoryStore) SetNotifier(n ChangeNotifier) {
	s.notifier = n
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.blobs[key]
	if !ok {
		return nil, time.Time{}, ErrBlobNotFound
	}
	return append([]byte(nil), payload...), s.updated[key], nil
}

func (s *MemoryStore) Put(_ context.Context, key string, payload []byte) error {
	s.mu.Lock()
	s.blobs[key] = append([]byte(nil), payload...)
	s.updated[key] = time.Now()
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.BlobChanged(key, payload)
	}
	return nil
}
