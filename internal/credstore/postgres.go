package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"sentra.org/internal/ids"
	"sentra.org/internal/obs"
)

// PGStore implements Store on PostgreSQL. The failed-attempt counter is
// maintained with a single conditional UPDATE so concurrent logins for
// the same account cannot race past the lockout threshold.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const userColumns = `id, email, password_hash, roles, grants, status,
	failed_attempts, locked_until, mfa_secret, provider, provider_id,
	created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, u *User) error {
	if u == nil || NormalizeEmail(u.Email) == "" {
		return ErrInvalidInput
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	roles, _ := json.Marshal(u.Roles)
	grants, _ := json.Marshal(u.Grants)
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, password_hash, roles, grants, status, mfa_secret, provider, provider_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (email) do nothing`,
		u.ID, NormalizeEmail(u.Email), u.PasswordHash, roles, grants, u.Status,
		u.MFASecret, u.Provider, u.ProviderID,
	)
	if err != nil {
		return err
	}
	// on conflict do nothing reports zero rows; re-read to distinguish.
	created, err := s.FindByID(ctx, u.ID)
	if errors.Is(err, ErrNotFound) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	*u = *created
	return nil
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email=$1`, NormalizeEmail(email))
	return scanUser(row)
}

func (s *PGStore) FindByProvider(ctx context.Context, provider, providerID string) (*User, error) {
	provider = strings.TrimSpace(provider)
	providerID = strings.TrimSpace(providerID)
	if provider == "" || providerID == "" {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where provider=$1 and provider_id=$2`, provider, providerID)
	return scanUser(row)
}

func (s *PGStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	if hash == "" {
		return ErrInvalidInput
	}
	return s.exec(ctx, `update users set password_hash=$2, updated_at=now() where id=$1`, userID, hash)
}

func (s *PGStore) UpdateAccess(ctx context.Context, userID string, roles, grants []string) error {
	rolesJSON, _ := json.Marshal(roles)
	grantsJSON, _ := json.Marshal(grants)
	return s.exec(ctx, `update users set roles=$2, grants=$3, updated_at=now() where id=$1`,
		userID, rolesJSON, grantsJSON)
}

func (s *PGStore) SetStatus(ctx context.Context, userID, status string) error {
	if status != StatusActive && status != StatusDisabled {
		return ErrInvalidInput
	}
	return s.exec(ctx, `update users set status=$2, updated_at=now() where id=$1`, userID, status)
}

func (s *PGStore) SetMFASecret(ctx context.Context, userID, secret string) error {
	return s.exec(ctx, `update users set mfa_secret=$2, updated_at=now() where id=$1`, userID, secret)
}

func (s *PGStore) LinkProvider(ctx context.Context, userID, provider, providerID string) error {
	provider = strings.TrimSpace(provider)
	providerID = strings.TrimSpace(providerID)
	if provider == "" || providerID == "" {
		return ErrInvalidInput
	}
	return s.exec(ctx, `update users set provider=$2, provider_id=$3, updated_at=now() where id=$1`,
		userID, provider, providerID)
}

func (s *PGStore) RecordFailedAttempt(ctx context.Context, userID string, policy LockPolicy) (int, bool, error) {
	var (
		attempts    int
		lockedUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_attempts = failed_attempts + 1,
		    locked_until = case
		        when $2 > 0 and failed_attempts + 1 >= $2 and (locked_until is null or locked_until <= now())
		        then now() + $3 * interval '1 second'
		        else locked_until
		    end,
		    updated_at = now()
		where id = $1
		returning failed_attempts, locked_until`,
		userID, policy.MaxAttempts, int64(policy.Cooldown/time.Second),
	).Scan(&attempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNotFound
	}
	if err != nil {
		return 0, false, err
	}
	locked := lockedUntil.Valid && lockedUntil.Time.After(time.Now()) && attempts >= policy.MaxAttempts
	if locked && attempts == policy.MaxAttempts {
		obs.AccountLockouts.Inc()
	}
	return attempts, locked && attempts == policy.MaxAttempts, nil
}

func (s *PGStore) ResetFailedAttempts(ctx context.Context, userID string) error {
	return s.exec(ctx, `update users set failed_attempts=0, updated_at=now() where id=$1`, userID)
}

func (s *PGStore) Lock(ctx context.Context, userID string, until time.Time) error {
	return s.exec(ctx, `update users set locked_until=$2, updated_at=now() where id=$1`, userID, until.UTC())
}

func (s *PGStore) Unlock(ctx context.Context, userID string) error {
	return s.exec(ctx, `update users set locked_until=null, failed_attempts=0, updated_at=now() where id=$1`, userID)
}

func (s *PGStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u           User
		roles       []byte
		grants      []byte
		lockedUntil sql.NullTime
		mfaSecret   sql.NullString
		provider    sql.NullString
		providerID  sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &roles, &grants, &u.Status,
		&u.FailedAttempts, &lockedUntil, &mfaSecret, &provider, &providerID,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(roles) > 0 {
		_ = json.Unmarshal(roles, &u.Roles)
	}
	if len(grants) > 0 {
		_ = json.Unmarshal(grants, &u.Grants)
	}
	if lockedUntil.Valid {
		u.LockedUntil = lockedUntil.Time
	}
	u.MFASecret = mfaSecret.String
	u.Provider = provider.String
	u.ProviderID = providerID.String
	return &u, nil
}

// PGRoleStore implements RoleStore on PostgreSQL.
type PGRoleStore struct {
	db *sql.DB
}

var _ RoleStore = (*PGRoleStore)(nil)

func NewPGRoleStore(db *sql.DB) *PGRoleStore {
	return &PGRoleStore{db: db}
}

func (s *PGRoleStore) Upsert(ctx context.Context, role *Role) error {
	if role == nil || strings.TrimSpace(role.Name) == "" {
		return ErrInvalidInput
	}
	role.Name = strings.ToLower(strings.TrimSpace(role.Name))
	perms, _ := json.Marshal(role.Permissions)
	_, err := s.db.ExecContext(ctx, `
		insert into roles(name, description, permissions)
		values ($1,$2,$3)
		on conflict (name) do update
		set description = excluded.description,
		    permissions = excluded.permissions,
		    updated_at = now()`,
		role.Name, role.Description, perms,
	)
	return err
}

func (s *PGRoleStore) Find(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select name, description, permissions, created_at, updated_at from roles where name=$1`,
		strings.ToLower(strings.TrimSpace(name)))
	var (
		role  Role
		perms []byte
	)
	err := row.Scan(&role.Name, &role.Description, &perms, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(perms) > 0 {
		_ = json.Unmarshal(perms, &role.Permissions)
	}
	return &role, nil
}

func (s *PGRoleStore) List(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select name, description, permissions, created_at, updated_at from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Role
	for rows.Next() {
		var (
			role  Role
			perms []byte
		)
		if err := rows.Scan(&role.Name, &role.Description, &perms, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		if len(perms) > 0 {
			_ = json.Unmarshal(perms, &role.Permissions)
		}
		out = append(out, &role)
	}
	return out, rows.Err()
}

func (s *PGRoleStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where name=$1`,
		strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Resolver adapts the catalog for the authorization engine.
func (s *PGRoleStore) Resolver() func(ctx context.Context, role string) ([]string, error) {
	return func(ctx context.Context, role string) ([]string, error) {
		r, err := s.Find(ctx, role)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return r.Permissions, nil
	}
}
