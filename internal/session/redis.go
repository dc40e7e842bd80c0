package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/errand-matching/internal/models"
)

const maxTxRetries = 10

// RedisBackend stores each session as a JSON string with a native expiry
// plus a user -> session id pointer. Read-modify-write paths use WATCH/MULTI.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "session"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) sessionKey(id string) string { return b.prefix + ":id:" + id }
func (b *RedisBackend) userKey(userID string) string { return b.prefix + ":user:" + userID }

func decodeSession(raw string) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (b *RedisBackend) write(ctx context.Context, pipe redis.Pipeliner, s *models.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe.Set(ctx, b.sessionKey(s.ID), raw, 0)
	pipe.PExpireAt(ctx, b.sessionKey(s.ID), s.ExpiresAt)
	pipe.Set(ctx, b.userKey(s.UserID), s.ID, 0)
	pipe.PExpireAt(ctx, b.userKey(s.UserID), s.ExpiresAt)
	return nil
}

// retryWatch reruns fn while optimistic transactions keep losing.
func (b *RedisBackend) retryWatch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := b.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session transaction: %w", redis.TxFailedErr)
}

func (b *RedisBackend) Insert(ctx context.Context, s *models.Session, replace bool, now time.Time) error {
	uk := b.userKey(s.UserID)
	return b.retryWatch(ctx, func(tx *redis.Tx) error {
		oldID, err := tx.Get(ctx, uk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if oldID != "" && !replace {
			raw, err := tx.Get(ctx, b.sessionKey(oldID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if raw != "" {
				old, err := decodeSession(raw)
				if err != nil {
					return err
				}
				if !old.Expired(now) {
					return &models.DuplicateSessionError{UserID: s.UserID}
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if oldID != "" {
				pipe.Del(ctx, b.sessionKey(oldID))
			}
			return b.write(ctx, pipe, s)
		})
		return err
	}, uk)
}

func (b *RedisBackend) GetByUser(ctx context.Context, userID string, now time.Time) (*models.Session, error) {
	id, err := b.client.Get(ctx, b.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(userID)
	}
	if err != nil {
		return nil, fmt.Errorf("session user lookup: %w", err)
	}
	s, err := b.GetByID(ctx, id, now)
	if errors.Is(err, models.ErrNotFound) {
		return nil, notFound(userID)
	}
	return s, err
}

func (b *RedisBackend) GetByID(ctx context.Context, id string, now time.Time) (*models.Session, error) {
	raw, err := b.client.Get(ctx, b.sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("session get: %w", err)
	}
	s, err := decodeSession(raw)
	if err != nil {
		return nil, err
	}
	if s.Expired(now) {
		_ = b.Delete(ctx, id)
		return nil, notFound(id)
	}
	return s, nil
}

// mutate loads the live session under WATCH, applies fn and writes it back.
func (b *RedisBackend) mutate(ctx context.Context, id string, now time.Time, fn func(s *models.Session)) (*models.Session, error) {
	key := b.sessionKey(id)
	var out *models.Session
	err := b.retryWatch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		s, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if s.Expired(now) {
			return notFound(id)
		}
		fn(s)
		s.UpdatedAt = now
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return b.write(ctx, pipe, s)
		})
		if err == nil {
			out = s
		}
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *RedisBackend) Merge(ctx context.Context, id string, patch map[string]string, now time.Time) (*models.Session, error) {
	return b.mutate(ctx, id, now, func(s *models.Session) {
		s.Payload = mergePayload(s.Payload, patch)
	})
}

func (b *RedisBackend) SetExpiry(ctx context.Context, id string, expiresAt, now time.Time) (*models.Session, error) {
	return b.mutate(ctx, id, now, func(s *models.Session) {
		s.ExpiresAt = expiresAt
	})
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	raw, err := b.client.Get(ctx, b.sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return notFound(id)
	}
	if err != nil {
		return fmt.Errorf("session get: %w", err)
	}
	s, err := decodeSession(raw)
	if err != nil {
		return err
	}
	uk := b.userKey(s.UserID)
	return b.retryWatch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, uk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, b.sessionKey(id))
			if current == id {
				pipe.Del(ctx, uk)
			}
			return nil
		})
		return err
	}, uk)
}

// DeleteExpired is a no-op: Redis evicts keys at their PEXPIREAT deadline.
func (b *RedisBackend) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
