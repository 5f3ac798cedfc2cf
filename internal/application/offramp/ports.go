package offramp

import (
	"context"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/reconcile"
)

type IDGenerator interface {
	NewID() string
}

type ReconcilePort interface {
	Execute(ctx context.Context, obs reconcile.Observation) (*reconcile.Result, error)
}
