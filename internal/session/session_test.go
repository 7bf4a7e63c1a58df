package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"sentra.org/internal/obs"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	mgr, err := NewManager(NewMemoryStore(), cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.WithClock(func() time.Time { return now })
	return mgr, &now
}

func TestCreateAndValidate(t *testing.T) {
	mgr, _ := newTestManager(t, Config{TTL: time.Hour})
	ctx := context.Background()

	handle, err := mgr.Create(ctx, "u1", Metadata{IP: "10.0.0.1", UserAgent: "go-test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(handle) < 43 { // 32 bytes base64url
		t.Fatalf("handle too short: %d chars", len(handle))
	}

	rec, err := mgr.Validate(ctx, handle)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if rec.UserID != "u1" || rec.Meta.IP != "10.0.0.1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestHandlesAreUniqueAndUnguessable(t *testing.T) {
	mgr, _ := newTestManager(t, Config{TTL: time.Hour})
	ctx := context.Background()
	seen := make(map[string]struct{}, 2000)
	for i := 0; i < 2000; i++ {
		handle, err := mgr.Create(ctx, "u1", Metadata{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, dup := seen[handle]; dup {
			t.Fatalf("duplicate handle after %d sessions", i)
		}
		seen[handle] = struct{}{}
	}
}

func TestValidateAfterRevokeIsInvalid(t *testing.T) {
	mgr, _ := newTestManager(t, Config{TTL: time.Hour})
	ctx := context.Background()

	handle, err := mgr.Create(ctx, "u1", Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Revoke(ctx, handle); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := mgr.Validate(ctx, handle); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid after revoke, got %v", err)
	}
	// Idempotent.
	if err := mgr.Revoke(ctx, handle); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
}

func TestAbsoluteExpiryAndLazyEviction(t *testing.T) {
	mgr, now := newTestManager(t, Config{TTL: time.Hour})
	ctx := context.Background()

	handle, err := mgr.Create(ctx, "u1", Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	*now = now.Add(59 * time.Minute)
	if _, err := mgr.Validate(ctx, handle); err != nil {
		t.Fatalf("expected valid before expiry, got %v", err)
	}

	*now = now.Add(2 * time.Minute)
	if _, err := mgr.Validate(ctx, handle); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// The expired record was evicted; a second lookup no longer finds it.
	if _, err := mgr.Validate(ctx, handle); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid after eviction, got %v", err)
	}
}

func TestSlidingExpiryExtends(t *testing.T) {
	mgr, now := newTestManager(t, Config{TTL: time.Hour, Sliding: true})
	ctx := context.Background()

	handle, err := mgr.Create(ctx, "u1", Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Touch the session every 45 minutes; it should outlive the base TTL.
	for i := 0; i < 4; i++ {
		*now = now.Add(45 * time.Minute)
		if _, err := mgr.Validate(ctx, handle); err != nil {
			t.Fatalf("validation %d failed: %v", i, err)
		}
	}

	*now = now.Add(61 * time.Minute)
	if _, err := mgr.Validate(ctx, handle); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expiry after idle period, got %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	mgr, _ := newTestManager(t, Config{TTL: time.Hour})
	ctx := context.Background()

	var handles []string
	for i := 0; i < 3; i++ {
		h, err := mgr.Create(ctx, "victim", Metadata{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		handles = append(handles, h)
	}
	other, err := mgr.Create(ctx, "bystander", Metadata{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := mgr.RevokeAll(ctx, "victim"); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	for _, h := range handles {
		if _, err := mgr.Validate(ctx, h); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected victim session invalid, got %v", err)
		}
	}
	if _, err := mgr.Validate(ctx, other); err != nil {
		t.Fatalf("bystander session should survive, got %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	mgr, err := NewManager(store, Config{TTL: time.Minute, SweepInterval: time.Second})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "u1", Metadata{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := mgr.Create(ctx, "u2", Metadata{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	now = now.Add(2 * time.Minute)
	mgr.Sweep(ctx)

	n, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected sweep to have removed all expired records, %d left", n)
	}
}

// ttlStore mimics a store with server-side expiry: DeleteExpired removes
// nothing, and only Count knows which records are still live.
type ttlStore struct {
	*MemoryStore
	now func() time.Time
}

func (s *ttlStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (s *ttlStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.byKey {
		if s.now().Before(rec.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

func TestSweepResyncsGaugeFromStoreCount(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := &ttlStore{MemoryStore: NewMemoryStore(), now: clock}
	mgr, err := NewManager(store, Config{TTL: time.Minute, SweepInterval: time.Second})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mgr.WithClock(clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := mgr.Create(ctx, "u1", Metadata{}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	// Both initial sessions age out invisibly; one fresh session remains.
	now = now.Add(2 * time.Minute)
	if _, err := mgr.Create(ctx, "u2", Metadata{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mgr.Sweep(ctx)
	if got := testutil.ToFloat64(obs.ActiveSessions); got != 1 {
		t.Fatalf("active sessions gauge = %v, want 1 after resync", got)
	}
}
