package webhook

import (
	"context"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/reconcile"
)

type IDGenerator interface {
	NewID() string
}

// ReconcilePort is the single entry point that may change an order's status.
type ReconcilePort interface {
	Execute(ctx context.Context, obs reconcile.Observation) (*reconcile.Result, error)
}
