// Package session owns the server-side session lifecycle. Handles are
// opaque 256-bit random strings; only their SHA-256 hash is stored, so a
// leaked session table cannot be replayed.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"sentra.org/internal/ids"
	"sentra.org/internal/obs"
)

var (
	// ErrInvalid covers unknown and revoked handles.
	ErrInvalid = errors.New("session: invalid")
	// ErrExpired is kept distinct internally; callers outside the
	// gateway see both collapsed into a generic failure.
	ErrExpired = errors.New("session: expired")
)

// Metadata is optional client context captured at login.
type Metadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Record is the stored session state, keyed by the hash of the handle.
type Record struct {
	KeyHash   string    `json:"key_hash"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Meta      Metadata  `json:"meta"`
}

// Store is the injected session table. Insert must be atomic
// create-if-absent so concurrent logins can never collide on a handle.
type Store interface {
	Insert(ctx context.Context, rec Record) (bool, error)
	Get(ctx context.Context, keyHash string) (Record, bool, error)
	Extend(ctx context.Context, keyHash string, expiresAt time.Time) error
	Delete(ctx context.Context, keyHash string) (bool, error)
	DeleteByUser(ctx context.Context, userID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Counter is an optional Store extension reporting the live session
// count. Stores that expire entries out-of-band (Redis TTLs) implement
// it so the sweeper can resynchronize the active-sessions gauge, which
// the manager's own inc/dec bookkeeping cannot see.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Config controls expiry semantics.
type Config struct {
	TTL           time.Duration
	Sliding       bool
	SweepInterval time.Duration
}

// DefaultConfig: absolute 24h expiry, swept every 5 minutes.
func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour, SweepInterval: 5 * time.Minute}
}

// Manager implements the session state machine over a Store.
type Manager struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewManager validates config and builds a Manager.
func NewManager(store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Manager{store: store, cfg: cfg, now: time.Now}, nil
}

// WithClock overrides the time source. Test use only.
func (m *Manager) WithClock(fn func() time.Time) *Manager {
	if fn != nil {
		m.now = fn
	}
	return m
}

// HashKey derives the storage key for a raw handle.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create mints a new session and returns the raw opaque handle. The
// handle is never persisted; losing it means the session is gone.
func (m *Manager) Create(ctx context.Context, userID string, meta Metadata) (string, error) {
	if userID == "" {
		return "", errors.New("session: user id is required")
	}
	now := m.now().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := ids.NewOpaque(32)
		if err != nil {
			return "", err
		}
		rec := Record{
			KeyHash:   HashKey(raw),
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(m.cfg.TTL),
			Meta:      meta,
		}
		inserted, err := m.store.Insert(ctx, rec)
		if err != nil {
			return "", err
		}
		if inserted {
			obs.ActiveSessions.Inc()
			return raw, nil
		}
		// 256-bit collision: practically unreachable, retry anyway.
	}
	return "", errors.New("session: could not allocate a unique id")
}

// Validate resolves a handle to its record. Expired records are lazily
// evicted; in sliding mode a successful validation extends the expiry.
func (m *Manager) Validate(ctx context.Context, raw string) (Record, error) {
	if raw == "" {
		return Record{}, ErrInvalid
	}
	keyHash := HashKey(raw)
	rec, ok, err := m.store.Get(ctx, keyHash)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrInvalid
	}
	now := m.now().UTC()
	if !now.Before(rec.ExpiresAt) {
		if deleted, err := m.store.Delete(ctx, keyHash); err == nil && deleted {
			obs.ActiveSessions.Dec()
		}
		return Record{}, ErrExpired
	}
	if m.cfg.Sliding {
		rec.ExpiresAt = now.Add(m.cfg.TTL)
		if err := m.store.Extend(ctx, keyHash, rec.ExpiresAt); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Revoke destroys a session. Idempotent: revoking an unknown handle is a no-op.
func (m *Manager) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	deleted, err := m.store.Delete(ctx, HashKey(raw))
	if err != nil {
		return err
	}
	if deleted {
		obs.ActiveSessions.Dec()
	}
	return nil
}

// RevokeAll destroys every session of a user (logout everywhere).
func (m *Manager) RevokeAll(ctx context.Context, userID string) error {
	n, err := m.store.DeleteByUser(ctx, userID)
	if err != nil {
		return err
	}
	obs.ActiveSessions.Sub(float64(n))
	return nil
}

// Sweep removes expired records eagerly. Failures are logged, never fatal.
func (m *Manager) Sweep(ctx context.Context) {
	n, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		obs.LogEntry(map[string]any{
			"ts":    m.now().UTC().Format(time.RFC3339Nano),
			"level": "warn",
			"msg":   "session sweep failed",
			"error": err.Error(),
		})
		return
	}
	if n > 0 {
		obs.SessionsSwept.Add(float64(n))
	}
	// Prefer the store's own count when it has one: it also accounts for
	// entries the store expired out-of-band.
	if counter, ok := m.store.(Counter); ok {
		if live, err := counter.Count(ctx); err == nil {
			obs.ActiveSessions.Set(float64(live))
			return
		}
	}
	if n > 0 {
		obs.ActiveSessions.Sub(float64(n))
	}
}

// Run sweeps periodically until the context is cancelled. Meant to run
// on its own goroutine; it never blocks foreground calls.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
