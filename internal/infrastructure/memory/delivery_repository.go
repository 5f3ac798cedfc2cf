package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/offramp-settlement/internal/domain/webhook"
)

type DeliveryRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.Delivery
}

func NewDeliveryRepository() *DeliveryRepository {
	return &DeliveryRepository{items: make(map[string]*domain.Delivery)}
}

func (r *DeliveryRepository) Save(ctx context.Context, d *domain.Delivery) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[d.ID] = cloneDelivery(d)
	return nil
}

func (r *DeliveryRepository) Get(ctx context.Context, id string) (*domain.Delivery, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneDelivery(d), nil
}

func (r *DeliveryRepository) ListUnresolved(ctx context.Context, limit int) ([]*domain.Delivery, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Delivery, 0)
	for _, d := range r.items {
		if !d.Resolved() {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeliveryRepository) MarkAttempt(ctx context.Context, id string, lastErr string, at time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.Attempts++
	d.LastError = lastErr
	d.UpdatedAt = at
	return nil
}

func (r *DeliveryRepository) MarkResolved(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	resolved := at
	d.ResolvedAt = &resolved
	d.UpdatedAt = at
	return nil
}

func cloneDelivery(d *domain.Delivery) *domain.Delivery {
	clone := *d
	clone.Payload = append([]byte(nil), d.Payload...)
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		clone.ResolvedAt = &at
	}
	return &clone
}
