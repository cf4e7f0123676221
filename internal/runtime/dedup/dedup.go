// Package dedup remembers which events a consumer already handled so
// at-least-once delivery does not turn into repeated side effects.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Store claims keys for a limited time.
type Store interface {
	// Claim returns true when key was not claimed yet.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a redelivery is handled again.
	Release(ctx context.Context, key string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{expires: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.expires[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.expires[key] = exp
	s.sweepLocked(now)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, key)
	return nil
}

// Len returns the number of live claims.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	return len(s.expires)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, exp := range s.expires {
		if !exp.IsZero() && !now.Before(exp) {
			delete(s.expires, key)
		}
	}
}
