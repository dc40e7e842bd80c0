package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/errand-matching/internal/models"
)

// RedisOfferStore keeps one hash per task, field = worker id, value = JSON
// offer. The hash expires after retention so finished negotiations fade.
type RedisOfferStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisOfferStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisOfferStore {
	if prefix == "" {
		prefix = "offers"
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisOfferStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisOfferStore) key(taskID string) string { return s.prefix + ":" + taskID }

func (s *RedisOfferStore) Create(ctx context.Context, o *models.Offer) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		created = p.HSetNX(ctx, s.key(o.TaskID), o.WorkerID, raw)
		p.Expire(ctx, s.key(o.TaskID), s.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("offer create: %w", err)
	}
	if !created.Val() {
		existing, gerr := s.Get(ctx, o.TaskID, o.WorkerID)
		if gerr != nil {
			return gerr
		}
		return offerConflict(existing, "absent")
	}
	return nil
}

func decodeOffer(raw string) (*models.Offer, error) {
	var o models.Offer
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	return &o, nil
}

func (s *RedisOfferStore) Resolve(ctx context.Context, taskID, workerID string, expected, next models.OfferOutcome) (*models.Offer, error) {
	key := s.key(taskID)
	var out *models.Offer
	for attempt := 0; attempt < 10; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, key, workerID).Result()
			if errors.Is(err, redis.Nil) {
				return &models.NotFoundError{Entity: "offer", ID: offerID(taskID, workerID)}
			}
			if err != nil {
				return err
			}
			o, err := decodeOffer(raw)
			if err != nil {
				return err
			}
			if o.Outcome != expected {
				return offerConflict(o, expected)
			}
			o.Outcome = next
			b, err := json.Marshal(o)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, key, workerID, b)
				return nil
			})
			if err == nil {
				out = o
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("offer resolve: %w", redis.TxFailedErr)
}

func (s *RedisOfferStore) Get(ctx context.Context, taskID, workerID string) (*models.Offer, error) {
	raw, err := s.client.HGet(ctx, s.key(taskID), workerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &models.NotFoundError{Entity: "offer", ID: offerID(taskID, workerID)}
	}
	if err != nil {
		return nil, fmt.Errorf("offer get: %w", err)
	}
	return decodeOffer(raw)
}

func (s *RedisOfferStore) ListByTask(ctx context.Context, taskID string) ([]*models.Offer, error) {
	all, err := s.client.HGetAll(ctx, s.key(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("offer list: %w", err)
	}
	out := make([]*models.Offer, 0, len(all))
	for _, raw := range all {
		o, err := decodeOffer(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sortOffers(out)
	return out, nil
}

func (s *RedisOfferStore) DeleteByTask(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, s.key(taskID)).Err()
}
