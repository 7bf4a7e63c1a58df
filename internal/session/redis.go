package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "sentra:sess:"
	redisUserPrefix = "sentra:sess:user:"
)

// RedisStore keeps sessions in Redis for multi-instance deployments.
// SET NX gives the atomic create; Redis TTLs handle the hard expiry, so
// DeleteExpired only trims the per-user index.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("session: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Insert(ctx context.Context, rec Record) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return false, errors.New("session: record already expired")
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+rec.KeyHash, payload, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, redisUserPrefix+rec.UserID, rec.KeyHash)
	pipe.ExpireAt(ctx, redisUserPrefix+rec.UserID, rec.ExpiresAt.Add(time.Hour))
	_, err = pipe.Exec(ctx)
	return true, err
}

func (s *RedisStore) Get(ctx context.Context, keyHash string) (Record, bool, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+keyHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) Extend(ctx context.Context, keyHash string, expiresAt time.Time) error {
	rec, ok, err := s.Get(ctx, keyHash)
	if err != nil || !ok {
		return err
	}
	rec.ExpiresAt = expiresAt
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	// XX: only refresh a key that still exists; a revoked session must
	// not be resurrected by a concurrent validation.
	return s.client.SetXX(ctx, redisKeyPrefix+keyHash, payload, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keyHash string) (bool, error) {
	rec, ok, err := s.Get(ctx, keyHash)
	if err != nil {
		return false, err
	}
	n, err := s.client.Del(ctx, redisKeyPrefix+keyHash).Result()
	if err != nil {
		return false, err
	}
	if ok {
		_ = s.client.SRem(ctx, redisUserPrefix+rec.UserID, keyHash).Err()
	}
	return n > 0, nil
}

func (s *RedisStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	hashes, err := s.client.SMembers(ctx, redisUserPrefix+userID).Result()
	if err != nil {
		return 0, err
	}
	if len(hashes) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, h := range hashes {
		keys = append(keys, redisKeyPrefix+h)
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	_ = s.client.Del(ctx, redisUserPrefix+userID).Err()
	return int(n), nil
}

func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	// Redis expires session keys server-side; nothing to sweep here.
	return 0, nil
}

// Count walks the session keyspace so the sweeper can keep the active
// gauge honest: keys Redis expired on its own never pass through Delete.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var cursor uint64
	n := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 512).Result()
		if err != nil {
			return 0, err
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, redisUserPrefix) {
				n++
			}
		}
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}
