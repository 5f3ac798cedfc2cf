package memory

import (
	"context"
	"sync"
	"time"
)

// PollLock grants at most one holder per key within this process. Expired
// leases are taken over, mirroring the Redis lock's TTL behaviour.
type PollLock struct {
	mu     sync.Mutex
	leases map[string]lease
	seq    uint64
	now    func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

func NewPollLock() *PollLock {
	return &PollLock{leases: make(map[string]lease), now: time.Now}
}

func (l *PollLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.seq++
	token := l.seq
	l.leases[key] = lease{token: token, expires: now.Add(ttl)}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.token == token {
			delete(l.leases, key)
		}
	}
	return release, true, nil
}
