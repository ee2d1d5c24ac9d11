package beacon

import (
	"context"
	"sync"
)

// Storage keys used by the core.
const (
	QueueKey    = "queue"
	IdentityKey = "identity"
)

// Storage persists opaque blobs by key.
type Storage interface {
	// Load returns the value saved under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save durably replaces the value under key before returning.
	Save(ctx context.Context, key string, value []byte) error
}

// MemoryStorage keeps blobs in process memory. Useful for tests and hosts
// that do not need restart durability.
type MemoryStorage struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{blobs: make(map[string][]byte)}
}

// Load implements Storage.
func (s *MemoryStorage) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}

	return append([]byte(nil), value...), nil
}

// Save implements Storage.
func (s *MemoryStorage) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blobs == nil {
		s.blobs = make(map[string][]byte)
	}
	s.blobs[key] = append([]byte(nil), value...)

	return nil
}
