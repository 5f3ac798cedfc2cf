package order

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
)

// StatusEvent is one observed vendor status, appended whether or not it moved
// the order. Applied is false for observations the reconciler rejected.
type StatusEvent struct {
	ID              string
	OrderID         string
	Provider        Provider
	ProviderOrderID string
	Source          Source
	RawStatus       string
	Canonical       Status
	ObservedAt      time.Time
	RecordedAt      time.Time
	Applied         bool
	// Reason records why the event was (not) applied; see Decision.
	Reason string
	// ExternalEventID is the vendor-supplied delivery id, when there is one.
	ExternalEventID string
}

func NewStatusEvent(o *Order, source Source, raw string, canonical Status, observedAt time.Time) *StatusEvent {
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	return &StatusEvent{
		ID:              uuid.NewString(),
		OrderID:         o.ID,
		Provider:        o.Provider,
		ProviderOrderID: o.ProviderOrderID,
		Source:          source,
		RawStatus:       raw,
		Canonical:       canonical,
		ObservedAt:      observedAt.UTC(),
		RecordedAt:      time.Now().UTC(),
	}
}

// Transition is a conditional status change: it commits only while the
// stored status still equals From.
type Transition struct {
	OrderID     string
	From        Status
	To          Status
	RawStatus   string
	At          time.Time
	CompletedAt *time.Time
	ReceiptID   string
	// ClearReceipt drops a receipt taken at VALIDATED when the order ends
	// in a failure after all.
	ClearReceipt bool
	Event        *StatusEvent
}

func (t Transition) Validate() error {
	if t.OrderID == "" {
		return errors.New("order: transition order id is required")
	}
	if !t.From.Later(t.To) {
		return errors.New("order: transition is not forward")
	}
	if t.Event == nil {
		return errors.New("order: transition event is required")
	}
	return nil
}

// OrderCreatedEvent is published once an order is persisted.
type OrderCreatedEvent struct {
	OrderID     string
	Provider    Provider
	PushUpdates bool
	OccurredAt  time.Time
}

func (OrderCreatedEvent) EventName() string { return "order.created" }

func NewOrderCreatedEvent(o *Order, pushUpdates bool) OrderCreatedEvent {
	return OrderCreatedEvent{
		OrderID:     o.ID,
		Provider:    o.Provider,
		PushUpdates: pushUpdates,
		OccurredAt:  time.Now().UTC(),
	}
}

// OrderStatusChangedEvent is published after every committed transition.
// Downstream collaborators (notifications, receipts) key off terminal ones.
type OrderStatusChangedEvent struct {
	OrderID    string
	From       Status
	To         Status
	Source     Source
	OccurredAt time.Time
}

func (OrderStatusChangedEvent) EventName() string { return "order.status_changed" }

func NewOrderStatusChangedEvent(orderID string, from, to Status, source Source) OrderStatusChangedEvent {
	return OrderStatusChangedEvent{
		OrderID:    orderID,
		From:       from,
		To:         to,
		Source:     source,
		OccurredAt: time.Now().UTC(),
	}
}
