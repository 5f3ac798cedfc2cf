package workerpresentation

import (
	"context"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const statusCacheWorker = "status_cache_worker"

// StatusCacheWorker mirrors committed statuses into the StatusCache so
// push-vendor readiness checks never reach the store or the vendor.
type StatusCacheWorker struct {
	subscriber domoutbox.Subscriber
	cache      domorder.StatusCache
	tel        observability.Observability
	log        observability.Logger
}

func NewStatusCacheWorker(subscriber domoutbox.Subscriber, cache domorder.StatusCache, tel observability.Observability) *StatusCacheWorker {
	if tel == nil {
		tel = observability.Nop()
	}
	return &StatusCacheWorker{subscriber: subscriber, cache: cache, tel: tel, log: tel.Logger()}
}

func (w *StatusCacheWorker) Start() {
	if w.subscriber == nil || w.cache == nil {
		return
	}
	h := instrument(statusCacheWorker, w.tel, w.log, orderAttrs, w.handle)
	w.subscriber.Subscribe(domorder.OrderCreatedEvent{}.EventName(), h)
	w.subscriber.Subscribe(domorder.OrderStatusChangedEvent{}.EventName(), h)
}

func (w *StatusCacheWorker) handle(ctx context.Context, e domoutbox.Event) error {
	var (
		orderID string
		status  domorder.Status
	)
	switch evt := e.(type) {
	case domorder.OrderCreatedEvent:
		orderID, status = evt.OrderID, domorder.StatusInitiated
	case domorder.OrderStatusChangedEvent:
		orderID, status = evt.OrderID, evt.To
	default:
		return nil
	}
	if err := w.cache.Set(ctx, orderID, status); err != nil {
		return err
	}
	logctx.FromOr(ctx, w.log).Debug("status_cached", observability.F("status", string(status)))
	return nil
}
