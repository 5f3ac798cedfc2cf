package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

const statusKeyPrefix = "offramp:order-status:"

type StatusCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ domain.StatusCache = (*StatusCache)(nil)

func NewStatusCache(client redis.UniversalClient, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StatusCache{client: client, ttl: ttl}
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (domain.Status, bool, error) {
	v, err := c.client.Get(ctx, statusKeyPrefix+orderID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("status cache: get: %w", err)
	}
	return domain.Status(v), true, nil
}

// Set never lets the cached status move backwards: a late write of an
// older status loses to the one already cached.
func (c *StatusCache) Set(ctx context.Context, orderID string, status domain.Status) error {
	key := statusKeyPrefix + orderID
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && !domain.Status(cur).Later(status) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, string(status), c.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("status cache: set: %w", err)
	}
	return nil
}
