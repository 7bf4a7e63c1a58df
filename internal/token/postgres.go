package token

import (
	"context"
	"database/sql"
	"errors"
)

// PGRefreshStore implements RefreshStore on PostgreSQL. Consume relies
// on a conditional UPDATE so concurrent replays of the same token are
// serialized by the database.
type PGRefreshStore struct {
	db *sql.DB
}

var _ RefreshStore = (*PGRefreshStore)(nil)

func NewPGRefreshStore(db *sql.DB) *PGRefreshStore {
	return &PGRefreshStore{db: db}
}

func (s *PGRefreshStore) Create(ctx context.Context, rec *RefreshRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("refresh record id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, chain_id, access_id, access_expires_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.UserID, rec.TokenHash, rec.ChainID, rec.AccessID,
		rec.AccessExpiresAt.UTC(), rec.ExpiresAt.UTC(),
	)
	return err
}

const refreshColumns = `id, user_id, token_hash, chain_id, access_id,
	access_expires_at, expires_at, created_at, consumed, revoked`

func (s *PGRefreshStore) Find(ctx context.Context, id string) (*RefreshRecord, error) {
	row := s.db.QueryRowContext(ctx, `select `+refreshColumns+` from refresh_tokens where id=$1`, id)
	var rec RefreshRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ChainID, &rec.AccessID,
		&rec.AccessExpiresAt, &rec.ExpiresAt, &rec.CreatedAt, &rec.Consumed, &rec.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PGRefreshStore) Consume(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set consumed = true
		where id = $1 and not consumed and not revoked`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGRefreshStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked = true where id = $1`, id)
	return err
}

func (s *PGRefreshStore) RevokeChain(ctx context.Context, chainID string) ([]*RefreshRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		update refresh_tokens set revoked = true
		where chain_id = $1
		returning `+refreshColumns, chainID)
	if err != nil {
		return nil, err
	}
	return collectRefreshRows(rows)
}

func (s *PGRefreshStore) RevokeByUser(ctx context.Context, userID string) ([]*RefreshRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		update refresh_tokens set revoked = true
		where user_id = $1 and not revoked
		returning `+refreshColumns, userID)
	if err != nil {
		return nil, err
	}
	return collectRefreshRows(rows)
}

func collectRefreshRows(rows *sql.Rows) ([]*RefreshRecord, error) {
	defer rows.Close()
	var out []*RefreshRecord
	for rows.Next() {
		var rec RefreshRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &rec.ChainID, &rec.AccessID,
			&rec.AccessExpiresAt, &rec.ExpiresAt, &rec.CreatedAt, &rec.Consumed, &rec.Revoked); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
