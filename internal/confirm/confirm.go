// Package confirm holds at most one pending action per owner until it is
// popped or its deadline passes.
package confirm

import (
	"context"
	"sync"
	"time"
)

// Store keeps one pending encoded action per owner key. Save overwrites any
// earlier entry. Pop removes the entry and returns it only when it has not
// expired. PopIf removes it only when it still holds the given action; live
// reports whether an unexpired entry exists, matching or not.
type Store interface {
	Save(ctx context.Context, ownerKey, action string, ttl time.Duration) error
	Pop(ctx context.Context, ownerKey string) (string, bool, error)
	PopIf(ctx context.Context, ownerKey, action string) (popped, live bool, err error)
}

// OwnerKey scopes a pending action to one user on one platform.
func OwnerKey(platform, userID string) string {
	return platform + ":" + userID
}

type entry struct {
	action    string
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: map[string]entry{}, now: time.Now}
}

// NewMemoryStoreWithClock is used by tests to control expiry.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.now = now
	return s
}

func (s *MemoryStore) Save(_ context.Context, ownerKey, action string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[ownerKey] = entry{action: action, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Pop(_ context.Context, ownerKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[ownerKey]
	if !ok {
		return "", false, nil
	}
	delete(s.pending, ownerKey)
	if !s.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.action, true, nil
}

func (s *MemoryStore) PopIf(_ context.Context, ownerKey, action string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[ownerKey]
	if !ok {
		return false, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.pending, ownerKey)
		return false, false, nil
	}
	if e.action != action {
		return false, true, nil
	}
	delete(s.pending, ownerKey)
	return true, true, nil
}

// Len reports how many entries are held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
