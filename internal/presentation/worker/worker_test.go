package workerpresentation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/polling"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

// syncBus delivers events inline so tests can assert right after Publish.
type syncBus struct {
	subs map[string][]domoutbox.Handler
}

func newSyncBus() *syncBus { return &syncBus{subs: map[string][]domoutbox.Handler{}} }

func (b *syncBus) Subscribe(name string, h domoutbox.Handler) { b.subs[name] = append(b.subs[name], h) }

func (b *syncBus) Publish(ctx context.Context, e domoutbox.Event) error {
	var errs []error
	for _, h := range b.subs[e.EventName()] {
		errs = append(errs, h(ctx, e))
	}
	return errors.Join(errs...)
}

type recordingStarter struct {
	mu      sync.Mutex
	started []string
	err     error
}

func (r *recordingStarter) Start(_ context.Context, orderID string, _ polling.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, orderID)
	return nil
}

func TestDispatchStartsPollingOnlyForPollVendors(t *testing.T) {
	bus := newSyncBus()
	starter := &recordingStarter{}
	NewDispatchWorker(bus, starter, polling.DefaultOptions(), observability.Nop()).Start()

	ctx := context.Background()
	_ = bus.Publish(ctx, domorder.OrderCreatedEvent{OrderID: "o-poll", Provider: "pretium"})
	_ = bus.Publish(ctx, domorder.OrderCreatedEvent{OrderID: "o-push", Provider: "paycrest", PushUpdates: true})

	if len(starter.started) != 1 || starter.started[0] != "o-poll" {
		t.Fatalf("started = %v", starter.started)
	}
}

func TestDispatchToleratesRunningLoop(t *testing.T) {
	bus := newSyncBus()
	starter := &recordingStarter{err: polling.ErrPollInProgress}
	NewDispatchWorker(bus, starter, polling.Options{}, observability.Nop()).Start()

	if err := bus.Publish(context.Background(), domorder.OrderCreatedEvent{OrderID: "o-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	starter.err = domorder.ErrNotFound
	if err := bus.Publish(context.Background(), domorder.OrderCreatedEvent{OrderID: "o-2"}); !errors.Is(err, domorder.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStatusCacheFollowsCommittedTransitions(t *testing.T) {
	bus := newSyncBus()
	cache := memory.NewStatusCache()
	NewStatusCacheWorker(bus, cache, observability.Nop()).Start()

	ctx := context.Background()
	_ = bus.Publish(ctx, domorder.OrderCreatedEvent{OrderID: "o-1"})
	if s, ok, _ := cache.Get(ctx, "o-1"); !ok || s != domorder.StatusInitiated {
		t.Fatalf("after create = %s, %v", s, ok)
	}

	_ = bus.Publish(ctx, domorder.NewOrderStatusChangedEvent("o-1", domorder.StatusInitiated, domorder.StatusSettled, domorder.SourceWebhook))
	// A late, out-of-order delivery must not regress the cache.
	_ = bus.Publish(ctx, domorder.NewOrderStatusChangedEvent("o-1", domorder.StatusInitiated, domorder.StatusPending, domorder.SourcePoll))

	if s, _, _ := cache.Get(ctx, "o-1"); s != domorder.StatusSettled {
		t.Fatalf("cached = %s, want SETTLED", s)
	}
}

func TestWithEventContextBindsLogger(t *testing.T) {
	ctx, logger := WithEventContext(context.Background(), observability.NopLogger(), map[string]string{"order_id": "o-1"})
	if logger == nil || logctx.From(ctx) == nil {
		t.Fatal("logger not bound to context")
	}
}
