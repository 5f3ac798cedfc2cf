package offramp

import (
	"context"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

// Reader serves order reads straight from the store.
type Reader struct {
	repo domorder.Repository
}

func NewReader(repo domorder.Repository) *Reader {
	return &Reader{repo: repo}
}

func (r *Reader) Get(ctx context.Context, orderID string) (*domorder.Order, error) {
	o, err := r.repo.Get(ctx, orderID)
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	return o, nil
}

// Events returns the order's audit trail in the order it was recorded.
func (r *Reader) Events(ctx context.Context, orderID string) ([]*domorder.StatusEvent, error) {
	events, err := r.repo.Events(ctx, orderID)
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	return events, nil
}
