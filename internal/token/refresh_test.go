package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func staticProfile(profile Profile) func(context.Context, string) (Profile, error) {
	return func(context.Context, string) (Profile, error) {
		return profile, nil
	}
}

func TestIssuePairAndRefreshRotation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "user-1", Profile{Roles: []string{"user"}})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if !strings.Contains(pair.RefreshToken, ".") {
		t.Fatalf("refresh token not in id.secret form: %s", pair.RefreshToken)
	}
	if _, err := svc.Validate(ctx, pair.AccessToken, TypeAccess); err != nil {
		t.Fatalf("access token invalid: %v", err)
	}

	rotated, err := svc.Refresh(ctx, pair.RefreshToken, staticProfile(Profile{Roles: []string{"user"}}))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if _, err := svc.Validate(ctx, rotated.AccessToken, TypeAccess); err != nil {
		t.Fatalf("rotated access token invalid: %v", err)
	}
}

func TestRefreshReuseRevokesWholeChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "user-1", Profile{})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	rotated, err := svc.Refresh(ctx, pair.RefreshToken, nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Replay the consumed token: theft signal.
	if _, err := svc.Refresh(ctx, pair.RefreshToken, nil); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}

	// Every descendant is dead: the rotated refresh token no longer works...
	if _, err := svc.Refresh(ctx, rotated.RefreshToken, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected descendant refresh revoked, got %v", err)
	}
	// ...and the still-live access tokens from the chain are revoked too.
	if _, err := svc.Validate(ctx, rotated.AccessToken, TypeAccess); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected descendant access token revoked, got %v", err)
	}
	if _, err := svc.Validate(ctx, pair.AccessToken, TypeAccess); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected original access token revoked, got %v", err)
	}
}

func TestRefreshWithWrongSecretBurnsRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "user-1", Profile{})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	id := strings.SplitN(pair.RefreshToken, ".", 2)[0]
	if _, err := svc.Refresh(ctx, id+".forged-secret", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for forged secret, got %v", err)
	}
	// The legitimate token is burned along with the record.
	if _, err := svc.Refresh(ctx, pair.RefreshToken, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected record burned, got %v", err)
	}
}

// failingRefreshStore simulates a refresh store whose backing database
// is down: every Find errors.
type failingRefreshStore struct {
	*MemoryRefreshStore
	findErr error
}

func (s *failingRefreshStore) Find(ctx context.Context, id string) (*RefreshRecord, error) {
	return nil, s.findErr
}

func TestRefreshDistinguishesOutageFromUnknownToken(t *testing.T) {
	ctx := context.Background()

	// An unknown id is a credential failure.
	svc, _ := newTestService(t)
	if _, err := svc.Refresh(ctx, "no-such-id.secret", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown token, got %v", err)
	}

	// A store failure must surface as itself, not as an invalid credential.
	down := errors.New("connection refused")
	broken, err := NewService(&failingRefreshStore{MemoryRefreshStore: NewMemoryRefreshStore(), findErr: down},
		NewMemoryRevocationSet(), WithSecret("test-secret-0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	pair, err := broken.IssuePair(ctx, "user-1", Profile{})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := broken.Refresh(ctx, pair.RefreshToken, nil); !errors.Is(err, down) {
		t.Fatalf("expected store error to pass through, got %v", err)
	}
}

func TestRefreshExpiry(t *testing.T) {
	svc, now := newTestService(t, WithRefreshTTL(time.Hour))
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "user-1", Profile{})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	*now = now.Add(2 * time.Hour)
	if _, err := svc.Refresh(ctx, pair.RefreshToken, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected expired refresh token rejected, got %v", err)
	}
}

func TestRefreshPicksUpNewProfile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "user-1", Profile{Roles: []string{"user"}})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	rotated, err := svc.Refresh(ctx, pair.RefreshToken, staticProfile(Profile{Roles: []string{"user", "admin"}}))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, err := svc.Validate(ctx, rotated.AccessToken, TypeAccess)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected refreshed roles, got %v", claims.Roles)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.IssuePair(ctx, "user-1", Profile{})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	b, err := svc.IssuePair(ctx, "user-1", Profile{})
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	if err := svc.RevokeAllForUser(ctx, "user-1"); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	for _, pair := range []Pair{a, b} {
		if _, err := svc.Refresh(ctx, pair.RefreshToken, nil); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected refresh revoked, got %v", err)
		}
		if _, err := svc.Validate(ctx, pair.AccessToken, TypeAccess); !errors.Is(err, ErrRevoked) {
			t.Fatalf("expected access revoked, got %v", err)
		}
	}
}

func TestMemoryRevocationSetBoundsGrowth(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	set := NewMemoryRevocationSet().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := set.Revoke(ctx, "t1", now.Add(time.Minute)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	revoked, err := set.IsRevoked(ctx, "t1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v %v", revoked, err)
	}

	// Past the token's natural expiry the entry no longer matters.
	now = now.Add(2 * time.Minute)
	revoked, err = set.IsRevoked(ctx, "t1")
	if err != nil || revoked {
		t.Fatalf("expected entry expired with the token, got %v %v", revoked, err)
	}
}
