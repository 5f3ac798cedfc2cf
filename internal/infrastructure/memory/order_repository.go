package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

// OrderRepository is a process-local order store with the same conditional
// commit semantics as the Postgres one. It backs tests and STORE_DRIVER=memory;
// it is not durable.
type OrderRepository struct {
	mu         sync.RWMutex
	orders     map[string]*domain.Order
	byProvider map[string]string
	events     map[string][]*domain.StatusEvent
	externalID map[string]struct{}
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:     make(map[string]*domain.Order),
		byProvider: make(map[string]string),
		events:     make(map[string][]*domain.StatusEvent),
		externalID: make(map[string]struct{}),
	}
}

func providerKey(p domain.Provider, id string) string { return string(p) + "\x00" + id }

func (r *OrderRepository) Insert(ctx context.Context, order *domain.Order, initial *domain.StatusEvent) error {
	_ = ctx
	if order == nil || order.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return domain.ErrConflict
	}
	key := providerKey(order.Provider, order.ProviderOrderID)
	if _, exists := r.byProvider[key]; exists {
		return domain.ErrConflict
	}

	r.orders[order.ID] = order.Clone()
	r.byProvider[key] = order.ID
	if initial != nil {
		r.appendLocked(initial)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return order.Clone(), nil
}

func (r *OrderRepository) GetByProviderOrderID(ctx context.Context, provider domain.Provider, providerOrderID string) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byProvider[providerKey(provider, providerOrderID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.orders[id].Clone(), nil
}

func (r *OrderRepository) CommitTransition(ctx context.Context, t domain.Transition) error {
	_ = ctx
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[t.OrderID]
	if !ok {
		return domain.ErrNotFound
	}
	if order.Status != t.From {
		return domain.ErrConflict
	}

	order.Status = t.To
	order.ProviderRawStatus = t.RawStatus
	order.UpdatedAt = t.At
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		order.CompletedAt = &at
	}
	if t.ReceiptID != "" {
		order.SettlementReceiptID = t.ReceiptID
	}
	if t.ClearReceipt {
		order.SettlementReceiptID = ""
	}
	r.appendLocked(t.Event)
	return nil
}

func (r *OrderRepository) AppendEvent(ctx context.Context, event *domain.StatusEvent) error {
	_ = ctx
	if event == nil || event.OrderID == "" {
		return fmt.Errorf("order repository: event order id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[event.OrderID]; !ok {
		return domain.ErrNotFound
	}
	r.appendLocked(event)
	return nil
}

func (r *OrderRepository) appendLocked(event *domain.StatusEvent) {
	clone := *event
	r.events[event.OrderID] = append(r.events[event.OrderID], &clone)
	if event.ExternalEventID != "" {
		r.externalID[providerKey(event.Provider, event.ExternalEventID)] = struct{}{}
	}
}

func (r *OrderRepository) RecordPollAttempt(ctx context.Context, id string, at time.Time) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	order.PollAttemptCount++
	polled := at
	order.LastPolledAt = &polled
	return nil
}

func (r *OrderRepository) Events(ctx context.Context, orderID string) ([]*domain.StatusEvent, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.orders[orderID]; !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]*domain.StatusEvent, 0, len(r.events[orderID]))
	for _, e := range r.events[orderID] {
		clone := *e
		out = append(out, &clone)
	}
	return out, nil
}

func (r *OrderRepository) EventSeen(ctx context.Context, provider domain.Provider, externalEventID string) (bool, error) {
	_ = ctx
	if externalEventID == "" {
		return false, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.externalID[providerKey(provider, externalEventID)]
	return ok, nil
}
