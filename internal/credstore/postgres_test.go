package credstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGFindByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "email", "password_hash", "roles", "grants", "status",
		"failed_attempts", "locked_until", "mfa_secret", "provider", "provider_id",
		"created_at", "updated_at",
	}).AddRow("u1", "alice@example.com", "$argon2id$...", []byte(`["user"]`), []byte(`[]`),
		StatusActive, 0, nil, nil, nil, nil, now, now)

	mock.ExpectQuery(`select .* from users where email=\$1`).
		WithArgs("alice@example.com").
		WillReturnRows(rows)

	store := NewPGStore(db)
	u, err := store.FindByEmail(context.Background(), " Alice@Example.com ")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != "u1" || len(u.Roles) != 1 || u.Roles[0] != "user" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindByEmailNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`select .* from users where email=\$1`).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewPGStore(db)
	if _, err := store.FindByEmail(context.Background(), "ghost@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRecordFailedAttemptLocks(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	lockedUntil := time.Now().Add(15 * time.Minute)
	mock.ExpectQuery(`update users`).
		WithArgs("u1", 5, int64(900)).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).
			AddRow(5, lockedUntil))

	store := NewPGStore(db)
	count, locked, err := store.RecordFailedAttempt(context.Background(), "u1",
		LockPolicy{MaxAttempts: 5, Cooldown: 15 * time.Minute})
	if err != nil {
		t.Fatalf("RecordFailedAttempt: %v", err)
	}
	if count != 5 || !locked {
		t.Fatalf("expected lock at threshold, count=%d locked=%v", count, locked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGUpdateAccessMissingUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`update users set roles=`).
		WithArgs("missing", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPGStore(db)
	err = store.UpdateAccess(context.Background(), "missing", []string{"user"}, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRoleStoreFind(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`select name, description, permissions, created_at, updated_at from roles`).
		WithArgs("admin").
		WillReturnRows(sqlmock.NewRows([]string{"name", "description", "permissions", "created_at", "updated_at"}).
			AddRow("admin", "administrators", []byte(`["user.*"]`), now, now))

	store := NewPGRoleStore(db)
	role, err := store.Find(context.Background(), "ADMIN")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if role.Name != "admin" || len(role.Permissions) != 1 {
		t.Fatalf("unexpected role: %+v", role)
	}
}
