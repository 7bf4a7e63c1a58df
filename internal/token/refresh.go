package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"sentra.org/internal/ids"
)

// RefreshRecord is the persisted half of an opaque refresh token. The
// raw token is "id.secret"; only the sha256 of the secret is stored.
// ChainID links every rotation descendant of one login.
type RefreshRecord struct {
	ID              string
	UserID          string
	TokenHash       string
	ChainID         string
	AccessID        string
	AccessExpiresAt time.Time
	ExpiresAt       time.Time
	CreatedAt       time.Time
	Consumed        bool
	Revoked         bool
}

// ErrRefreshNotFound marks an unknown refresh-token id. Stores return it
// from Find so a lookup miss stays distinguishable from a store outage.
var ErrRefreshNotFound = errors.New("token: refresh token not found")

// RefreshStore manages refresh-token lifecycle. Consume must be atomic:
// exactly one caller wins when the same token is presented twice.
type RefreshStore interface {
	Create(ctx context.Context, rec *RefreshRecord) error
	Find(ctx context.Context, id string) (*RefreshRecord, error)
	Consume(ctx context.Context, id string) (bool, error)
	Revoke(ctx context.Context, id string) error
	RevokeChain(ctx context.Context, chainID string) ([]*RefreshRecord, error)
	RevokeByUser(ctx context.Context, userID string) ([]*RefreshRecord, error)
}

// Pair is an access token plus the refresh token that can renew it.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// IssuePair mints a fresh access/refresh pair, starting a new rotation chain.
func (s *Service) IssuePair(ctx context.Context, subject string, profile Profile) (Pair, error) {
	return s.mintPair(ctx, subject, profile, ids.New())
}

func (s *Service) mintPair(ctx context.Context, subject string, profile Profile, chainID string) (Pair, error) {
	access, claims, err := s.IssueAccess(subject, profile)
	if err != nil {
		return Pair{}, err
	}
	secret, err := ids.NewOpaque(32)
	if err != nil {
		return Pair{}, err
	}
	now := s.now().UTC()
	rec := &RefreshRecord{
		ID:              ids.New(),
		UserID:          subject,
		TokenHash:       hashRefreshSecret(secret),
		ChainID:         chainID,
		AccessID:        claims.ID,
		AccessExpiresAt: claims.ExpiresAt.Time,
		ExpiresAt:       now.Add(s.refreshTTL),
		CreatedAt:       now,
	}
	if err := s.refresh.Create(ctx, rec); err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     rec.ID + "." + secret,
		AccessExpiresAt:  claims.ExpiresAt.Time,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Refresh rotates a refresh token: the presented token is consumed and a
// new pair is issued on the same chain. Replaying an already-consumed
// token revokes the entire chain, including any still-live access tokens
// issued from it, and reports ErrRefreshReuse.
//
// resolve supplies the current authorization snapshot for the subject so
// rotated access tokens pick up role changes; nil leaves claims empty.
func (s *Service) Refresh(ctx context.Context, raw string, resolve func(ctx context.Context, userID string) (Profile, error)) (Pair, error) {
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		return Pair{}, ErrInvalid
	}
	rec, err := s.refresh.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return Pair{}, ErrInvalid
		}
		return Pair{}, err
	}
	now := s.now().UTC()
	if rec.Revoked || now.After(rec.ExpiresAt) {
		return Pair{}, ErrInvalid
	}
	if !compareRefreshSecret(rec.TokenHash, secret) {
		// Wrong secret against a known id: burn the record.
		_ = s.refresh.Revoke(ctx, rec.ID)
		return Pair{}, ErrInvalid
	}
	if rec.Consumed {
		if err := s.revokeChain(ctx, rec.ChainID); err != nil {
			return Pair{}, err
		}
		return Pair{}, ErrRefreshReuse
	}
	won, err := s.refresh.Consume(ctx, rec.ID)
	if err != nil {
		return Pair{}, err
	}
	if !won {
		// Lost the race to a concurrent replay.
		if err := s.revokeChain(ctx, rec.ChainID); err != nil {
			return Pair{}, err
		}
		return Pair{}, ErrRefreshReuse
	}

	profile := Profile{}
	if resolve != nil {
		profile, err = resolve(ctx, rec.UserID)
		if err != nil {
			return Pair{}, err
		}
	}
	return s.mintPair(ctx, rec.UserID, profile, rec.ChainID)
}

// RevokeAllForUser kills every refresh chain and still-live access token
// of a user. Hook for role changes and breach response.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) error {
	records, err := s.refresh.RevokeByUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.revokeAccessOf(ctx, records)
}

func (s *Service) revokeChain(ctx context.Context, chainID string) error {
	records, err := s.refresh.RevokeChain(ctx, chainID)
	if err != nil {
		return err
	}
	return s.revokeAccessOf(ctx, records)
}

func (s *Service) revokeAccessOf(ctx context.Context, records []*RefreshRecord) error {
	now := s.now()
	for _, rec := range records {
		if rec.AccessID != "" && rec.AccessExpiresAt.After(now) {
			if err := s.revoked.Revoke(ctx, rec.AccessID, rec.AccessExpiresAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func compareRefreshSecret(expectedHash, secret string) bool {
	actual := hashRefreshSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

// MemoryRefreshStore is the in-process RefreshStore.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	records map[string]*RefreshRecord
}

var _ RefreshStore = (*MemoryRefreshStore)(nil)

func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{records: make(map[string]*RefreshRecord)}
}

func (s *MemoryRefreshStore) Create(ctx context.Context, rec *RefreshRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("refresh record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return errors.New("refresh record already exists")
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryRefreshStore) Find(ctx context.Context, id string) (*RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRefreshNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryRefreshStore) Consume(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Revoked || rec.Consumed {
		return false, nil
	}
	rec.Consumed = true
	return true, nil
}

func (s *MemoryRefreshStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Revoked = true
	}
	return nil
}

func (s *MemoryRefreshStore) RevokeChain(ctx context.Context, chainID string) ([]*RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RefreshRecord
	for _, rec := range s.records {
		if rec.ChainID == chainID {
			rec.Revoked = true
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryRefreshStore) RevokeByUser(ctx context.Context, userID string) ([]*RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RefreshRecord
	for _, rec := range s.records {
		if rec.UserID == userID {
			rec.Revoked = true
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
