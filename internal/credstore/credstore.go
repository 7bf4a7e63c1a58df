// Package credstore persists user identity, password hash material and
// the role catalog. Mutations happen only through the gateway's
// authenticated write paths.
package credstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("credstore: not found")
	ErrAlreadyExists = errors.New("credstore: already exists")
	ErrInvalidInput  = errors.New("credstore: invalid input")
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// User is the stored account record. PasswordHash is a PHC-encoded
// argon2id string; the salt lives inside it.
type User struct {
	ID             string
	Email          string
	PasswordHash   string
	Roles          []string
	Grants         []string
	Status         string
	FailedAttempts int
	LockedUntil    time.Time
	MFASecret      string
	Provider       string
	ProviderID     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Locked reports whether the account is inside a lockout cooldown.
func (u *User) Locked(now time.Time) bool {
	return !u.LockedUntil.IsZero() && now.Before(u.LockedUntil)
}

// Role names a set of permission keys ("resource.action", wildcards allowed).
type Role struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LockPolicy drives automatic lockout on consecutive failures.
type LockPolicy struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// DefaultLockPolicy locks after 5 consecutive failures for 15 minutes.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{MaxAttempts: 5, Cooldown: 15 * time.Minute}
}

// Store manages user records. Implementations must provide atomic
// check-and-set semantics for Create (unique email) and
// RecordFailedAttempt (increment plus conditional lock in one step).
type Store interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByProvider(ctx context.Context, provider, providerID string) (*User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	UpdateAccess(ctx context.Context, userID string, roles, grants []string) error
	SetStatus(ctx context.Context, userID, status string) error
	SetMFASecret(ctx context.Context, userID, secret string) error
	LinkProvider(ctx context.Context, userID, provider, providerID string) error

	// RecordFailedAttempt atomically increments the failure counter and
	// locks the account once the policy threshold is reached. Returns the
	// new counter value and whether this call triggered the lock.
	RecordFailedAttempt(ctx context.Context, userID string, policy LockPolicy) (int, bool, error)
	ResetFailedAttempts(ctx context.Context, userID string) error
	Lock(ctx context.Context, userID string, until time.Time) error
	Unlock(ctx context.Context, userID string) error
}

// RoleStore manages the role catalog.
type RoleStore interface {
	Upsert(ctx context.Context, role *Role) error
	Find(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Delete(ctx context.Context, name string) error
}

// NormalizeEmail lower-cases and trims an identifier before lookup or
// storage so the unique constraint is case-insensitive.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
