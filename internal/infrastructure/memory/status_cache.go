package memory

import (
	"context"
	"sync"

	domain "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

type StatusCache struct {
	mu       sync.RWMutex
	statuses map[string]domain.Status
}

func NewStatusCache() *StatusCache {
	return &StatusCache{statuses: make(map[string]domain.Status)}
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (domain.Status, bool, error) {
	_ = ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.statuses[orderID]
	return s, ok, nil
}

// Set ignores statuses that are not later than the cached one, so an
// out-of-order cache refresh cannot regress what readers see.
func (c *StatusCache) Set(ctx context.Context, orderID string, status domain.Status) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.statuses[orderID]; ok && !cur.Later(status) {
		return nil
	}
	c.statuses[orderID] = status
	return nil
}
