package order

import (
	"context"
	"time"
)

type Repository interface {
	// Insert fails with ErrConflict when (provider, provider order id) exists.
	Insert(ctx context.Context, order *Order, initial *StatusEvent) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByProviderOrderID(ctx context.Context, provider Provider, providerOrderID string) (*Order, error)

	// CommitTransition applies t and appends t.Event atomically, or returns
	// ErrConflict when the stored status is no longer t.From.
	CommitTransition(ctx context.Context, t Transition) error
	AppendEvent(ctx context.Context, event *StatusEvent) error
	RecordPollAttempt(ctx context.Context, id string, at time.Time) error

	Events(ctx context.Context, orderID string) ([]*StatusEvent, error)
	EventSeen(ctx context.Context, provider Provider, externalEventID string) (bool, error)
}

// StatusCache holds the last committed canonical status per order so "is it
// ready yet" checks can be answered without touching the provider.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (Status, bool, error)
	Set(ctx context.Context, orderID string, status Status) error
}
