package deltasync

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStoreUnavailable = errors.New("deltasync: last sync store unavailable")

// LastSyncStore persists the last successful sync time per operation hash.
type LastSyncStore interface {
	// Load reports ok=false when nothing was saved for hash.
	Load(ctx context.Context, hash string) (t time.Time, ok bool, err error)
	Save(ctx context.Context, hash string, t time.Time) error
}

// MemoryStore keeps sync times for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	times map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{times: make(map[string]time.Time)}
}

func (s *MemoryStore) Load(_ context.Context, hash string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.times[hash]
	return t, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, hash string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[hash] = t
	return nil
}
