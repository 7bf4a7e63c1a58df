package credstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"sentra.org/internal/ids"
	"sentra.org/internal/obs"
)

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]*User
	byEmail map[string]string
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test use only.
func (s *MemoryStore) WithClock(fn func() time.Time) *MemoryStore {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, u *User) error {
	if u == nil || NormalizeEmail(u.Email) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email := NormalizeEmail(u.Email)
	if _, exists := s.byEmail[email]; exists {
		return ErrAlreadyExists
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	now := s.now().UTC()
	u.Email = email
	u.CreatedAt = now
	u.UpdatedAt = now
	s.users[u.ID] = cloneUser(u)
	s.byEmail[email] = u.ID
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *MemoryStore) FindByProvider(ctx context.Context, provider, providerID string) (*User, error) {
	provider = strings.TrimSpace(provider)
	providerID = strings.TrimSpace(providerID)
	if provider == "" || providerID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Provider == provider && u.ProviderID == providerID {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	if hash == "" {
		return ErrInvalidInput
	}
	return s.update(userID, func(u *User) {
		u.PasswordHash = hash
	})
}

func (s *MemoryStore) UpdateAccess(ctx context.Context, userID string, roles, grants []string) error {
	return s.update(userID, func(u *User) {
		u.Roles = append([]string(nil), roles...)
		u.Grants = append([]string(nil), grants...)
	})
}

func (s *MemoryStore) SetStatus(ctx context.Context, userID, status string) error {
	if status != StatusActive && status != StatusDisabled {
		return ErrInvalidInput
	}
	return s.update(userID, func(u *User) {
		u.Status = status
	})
}

func (s *MemoryStore) SetMFASecret(ctx context.Context, userID, secret string) error {
	return s.update(userID, func(u *User) {
		u.MFASecret = secret
	})
}

func (s *MemoryStore) LinkProvider(ctx context.Context, userID, provider, providerID string) error {
	provider = strings.TrimSpace(provider)
	providerID = strings.TrimSpace(providerID)
	if provider == "" || providerID == "" {
		return ErrInvalidInput
	}
	return s.update(userID, func(u *User) {
		u.Provider = provider
		u.ProviderID = providerID
	})
}

func (s *MemoryStore) RecordFailedAttempt(ctx context.Context, userID string, policy LockPolicy) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, false, ErrNotFound
	}
	now := s.now().UTC()
	u.FailedAttempts++
	u.UpdatedAt = now
	locked := false
	if policy.MaxAttempts > 0 && u.FailedAttempts >= policy.MaxAttempts && !u.Locked(now) {
		u.LockedUntil = now.Add(policy.Cooldown)
		locked = true
		obs.AccountLockouts.Inc()
	}
	return u.FailedAttempts, locked, nil
}

func (s *MemoryStore) ResetFailedAttempts(ctx context.Context, userID string) error {
	return s.update(userID, func(u *User) {
		u.FailedAttempts = 0
	})
}

func (s *MemoryStore) Lock(ctx context.Context, userID string, until time.Time) error {
	return s.update(userID, func(u *User) {
		u.LockedUntil = until
	})
}

func (s *MemoryStore) Unlock(ctx context.Context, userID string) error {
	return s.update(userID, func(u *User) {
		u.LockedUntil = time.Time{}
		u.FailedAttempts = 0
	})
}

func (s *MemoryStore) update(userID string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = s.now().UTC()
	return nil
}

func cloneUser(u *User) *User {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	cp.Grants = append([]string(nil), u.Grants...)
	return &cp
}

// MemoryRoleStore is the in-process role catalog.
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]*Role
	now   func() time.Time
}

var _ RoleStore = (*MemoryRoleStore)(nil)

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]*Role), now: time.Now}
}

func (s *MemoryRoleStore) Upsert(ctx context.Context, role *Role) error {
	if role == nil || strings.TrimSpace(role.Name) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.ToLower(strings.TrimSpace(role.Name))
	now := s.now().UTC()
	existing, ok := s.roles[name]
	if ok {
		role.CreatedAt = existing.CreatedAt
	} else {
		role.CreatedAt = now
	}
	role.Name = name
	role.UpdatedAt = now
	cp := *role
	cp.Permissions = append([]string(nil), role.Permissions...)
	s.roles[name] = &cp
	return nil
}

func (s *MemoryRoleStore) Find(ctx context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *role
	cp.Permissions = append([]string(nil), role.Permissions...)
	return &cp, nil
}

func (s *MemoryRoleStore) List(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, role := range s.roles {
		cp := *role
		cp.Permissions = append([]string(nil), role.Permissions...)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryRoleStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := s.roles[name]; !ok {
		return ErrNotFound
	}
	delete(s.roles, name)
	return nil
}

// Resolver exposes the role catalog to the authorization engine.
func (s *MemoryRoleStore) Resolver() func(ctx context.Context, role string) ([]string, error) {
	return func(ctx context.Context, role string) ([]string, error) {
		r, err := s.Find(ctx, role)
		if err != nil {
			if err == ErrNotFound {
				return nil, nil
			}
			return nil, err
		}
		return r.Permissions, nil
	}
}
