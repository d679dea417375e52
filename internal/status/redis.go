package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/document-context/internal/models"
)

const (
	keyPrefix  = "doc_status:"
	maxRetries = 32
)

// RedisTracker shares readiness records between the API server and workers.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl, now: time.Now}
}

func (t *RedisTracker) Begin(ctx context.Context, key, documentID, contentHash string) error {
	return t.update(ctx, key, update{begin: true, documentID: documentID, contentHash: contentHash})
}

func (t *RedisTracker) Progress(ctx context.Context, key string, parts, pages int) error {
	return t.update(ctx, key, update{parts: parts, pages: pages})
}

func (t *RedisTracker) Complete(ctx context.Context, key string, parts, pages int) error {
	return t.update(ctx, key, update{state: models.StateReady, parts: parts, pages: pages})
}

func (t *RedisTracker) Fail(ctx context.Context, key string, cause *models.IngestError) error {
	return t.update(ctx, key, update{state: models.StateError, cause: cause})
}

func (t *RedisTracker) Get(ctx context.Context, key string) (models.ReadinessStatus, error) {
	data, err := t.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.MissingStatus(key), nil
	}
	if err != nil {
		return models.MissingStatus(key), fmt.Errorf("failed to get status from redis: %w", err)
	}
	var st models.ReadinessStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return models.MissingStatus(key), fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return st, nil
}

func (t *RedisTracker) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete status: %w", err)
	}
	return nil
}

// update does an optimistic read-modify-write so concurrent progress reports
// cannot lower the counters.
func (t *RedisTracker) update(ctx context.Context, key string, u update) error {
	rkey := keyPrefix + key
	txf := func(tx *redis.Tx) error {
		cur := models.ReadinessStatus{Key: key}
		found := false
		data, err := tx.Get(ctx, rkey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("failed to unmarshal status: %w", err)
			}
			found = true
		}

		next, ok := apply(cur, found, u, t.now())
		if !ok {
			return nil
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, payload, t.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := t.client.Watch(ctx, txf, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to save status: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to save status: %w", redis.TxFailedErr)
}
