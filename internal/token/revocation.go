package token

import (
	"context"
	"sync"
	"time"
)

// RevocationSet records token ids rejected before natural expiry. An
// entry carries the token's own expiry so the set stays bounded: once a
// token would have expired anyway, its entry can go.
type RevocationSet interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevocationSet is the in-process implementation. Dead entries are
// pruned opportunistically on write.
type MemoryRevocationSet struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ RevocationSet = (*MemoryRevocationSet)(nil)

func NewMemoryRevocationSet() *MemoryRevocationSet {
	return &MemoryRevocationSet{entries: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides the time source. Test use only.
func (s *MemoryRevocationSet) WithClock(fn func() time.Time) *MemoryRevocationSet {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *MemoryRevocationSet) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, id)
		}
	}
	if expiresAt.After(now) {
		s.entries[tokenID] = expiresAt
	}
	return nil
}

func (s *MemoryRevocationSet) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.entries[tokenID]
	if !ok {
		return false, nil
	}
	return s.now().Before(exp), nil
}
