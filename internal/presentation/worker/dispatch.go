package workerpresentation

import (
	"context"
	"errors"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/polling"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const dispatchWorker = "dispatch_worker"

type PollStarter interface {
	Start(ctx context.Context, orderID string, opts polling.Options) error
}

// DispatchWorker starts a background poll loop for every new order whose
// vendor does not push status updates.
type DispatchWorker struct {
	subscriber domoutbox.Subscriber
	poller     PollStarter
	opts       polling.Options
	tel        observability.Observability
	log        observability.Logger
}

func NewDispatchWorker(subscriber domoutbox.Subscriber, poller PollStarter, opts polling.Options, tel observability.Observability) *DispatchWorker {
	if tel == nil {
		tel = observability.Nop()
	}
	return &DispatchWorker{
		subscriber: subscriber,
		poller:     poller,
		opts:       opts,
		tel:        tel,
		log:        tel.Logger(),
	}
}

func (w *DispatchWorker) Start() {
	if w.subscriber == nil || w.poller == nil {
		return
	}
	w.subscriber.Subscribe(domorder.OrderCreatedEvent{}.EventName(),
		instrument(dispatchWorker, w.tel, w.log, orderAttrs, w.handleOrderCreated))
}

func (w *DispatchWorker) handleOrderCreated(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domorder.OrderCreatedEvent)
	if !ok {
		return nil
	}
	logger := logctx.FromOr(ctx, w.log)
	if evt.PushUpdates {
		logger.Debug("poll_not_required", observability.F("provider", string(evt.Provider)))
		return nil
	}

	err := w.poller.Start(ctx, evt.OrderID, w.opts)
	switch {
	case err == nil:
		logger.Info("poll_loop_started", observability.F("provider", string(evt.Provider)))
		return nil
	case errors.Is(err, polling.ErrPollInProgress):
		logger.Info("poll_loop_already_running")
		return nil
	default:
		return err
	}
}

func orderAttrs(e domoutbox.Event) map[string]string {
	switch evt := e.(type) {
	case domorder.OrderCreatedEvent:
		return map[string]string{"order_id": evt.OrderID}
	case domorder.OrderStatusChangedEvent:
		return map[string]string{"order_id": evt.OrderID}
	}
	return nil
}
