package webhook

import (
	"context"
	"errors"
	"time"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

var ErrNotFound = errors.New("webhook: delivery not found")

// Delivery is a signature-valid webhook whose processing failed. The vendor
// has already been acknowledged, so it is kept for operator retry.
type Delivery struct {
	ID         string
	Provider   domorder.Provider
	Payload    []byte
	LastError  string
	Attempts   int
	ReceivedAt time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

func (d *Delivery) Resolved() bool { return d != nil && d.ResolvedAt != nil }

type Repository interface {
	Save(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	ListUnresolved(ctx context.Context, limit int) ([]*Delivery, error)
	MarkAttempt(ctx context.Context, id string, lastErr string, at time.Time) error
	MarkResolved(ctx context.Context, id string, at time.Time) error
}
