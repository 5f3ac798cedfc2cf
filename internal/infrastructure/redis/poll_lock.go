package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const pollLockPrefix = "offramp:poll-lock:"

// releaseScript deletes the lease only while it still carries our token, so
// a holder whose lease expired cannot free its successor's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// PollLock is a SET NX PX lease keeping one poll loop per order across
// instances.
type PollLock struct {
	client redis.UniversalClient
}

func NewPollLock(client redis.UniversalClient) *PollLock {
	return &PollLock{client: client}
}

func (l *PollLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, pollLockPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("poll lock: acquire: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{pollLockPrefix + key}, token).Err()
	}
	return release, true, nil
}
