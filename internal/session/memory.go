package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process session table. A single mutex is enough:
// operations are map lookups and never touch I/O while holding it.
type MemoryStore struct {
	mu     sync.Mutex
	byKey  map[string]Record
	byUser map[string]map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:  make(map[string]Record),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[rec.KeyHash]; exists {
		return false, nil
	}
	s.byKey[rec.KeyHash] = rec
	set, ok := s.byUser[rec.UserID]
	if !ok {
		set = make(map[string]struct{})
		s.byUser[rec.UserID] = set
	}
	set[rec.KeyHash] = struct{}{}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, keyHash string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[keyHash]
	return rec, ok, nil
}

func (s *MemoryStore) Extend(ctx context.Context, keyHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[keyHash]
	if !ok {
		return nil
	}
	rec.ExpiresAt = expiresAt
	s.byKey[keyHash] = rec
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, keyHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[keyHash]
	if !ok {
		return false, nil
	}
	s.remove(rec)
	return true, nil
}

func (s *MemoryStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byUser[userID]
	if !ok {
		return 0, nil
	}
	n := 0
	for keyHash := range set {
		if rec, exists := s.byKey[keyHash]; exists {
			s.remove(rec)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.byKey {
		if !now.Before(rec.ExpiresAt) {
			s.remove(rec)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey), nil
}

func (s *MemoryStore) remove(rec Record) {
	delete(s.byKey, rec.KeyHash)
	if set, ok := s.byUser[rec.UserID]; ok {
		delete(set, rec.KeyHash)
		if len(set) == 0 {
			delete(s.byUser, rec.UserID)
		}
	}
}
