package hub

import (
	"context"
	"sync"
)

// BlobStore archives gzip-compressed canonical event JSON keyed by event id.
// Cold storage is optional per organisation.
type BlobStore interface {
	Put(ctx context.Context, eventID string, data []byte) error
	Get(ctx context.Context, eventID string) ([]byte, error)
}

// MemoryBlobStore keeps blobs in process. Used in tests and when cold storage
// points at no external bucket.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, eventID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[eventID] = cp
	return nil
}

func (s *MemoryBlobStore) Get(ctx context.Context, eventID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports the number of stored blobs.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
