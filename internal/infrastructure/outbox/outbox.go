package outbox

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const componentOutbox = "outbox"

var ErrBusClosed = errors.New("outbox: bus closed")

// Options tune the bus. Zero values fall back to the defaults below.
type Options struct {
	QueueSize      int
	Concurrency    int
	HandlerTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	return o
}

// Bus is an in-memory fan-out of domain events: order.created starts
// background polling and order.status_changed refreshes the status cache.
// Events are not persisted; a crash between commit and dispatch loses the
// notification but never the committed transition.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]domoutbox.Handler
	queue     chan domoutbox.Event
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	closeMu   sync.RWMutex
	closed    bool
	done      chan struct{}
	opts      Options

	log         observability.Logger
	pubCounter  observability.Counter // external_requests_total{peer,endpoint,outcome}
	handlerHist observability.Histogram
}

func NewBus(tel observability.Observability, opts Options) *Bus {
	opts = opts.withDefaults()
	logger := observability.NopLogger()
	metrics := observability.NopMetrics()
	if tel != nil {
		logger = tel.Logger()
		metrics = tel.Metrics()
	}
	return &Bus{
		subs:        make(map[string][]domoutbox.Handler),
		queue:       make(chan domoutbox.Event, opts.QueueSize),
		done:        make(chan struct{}),
		opts:        opts,
		log:         logger.With(observability.F("component", componentOutbox)),
		pubCounter:  metrics.Counter(observability.MExternalRequests),
		handlerHist: metrics.Histogram(observability.MExternalRequestDuration),
	}
}

func (b *Bus) Subscribe(eventName string, h domoutbox.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], h)
}

func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.cancel = cancel
		go b.dispatchLoop(bg)
		logctx.FromOr(ctx, b.log).Info("event_bus_started",
			observability.F("queue_size", b.opts.QueueSize),
			observability.F("concurrency", b.opts.Concurrency),
		)
	})
}

// Stop closes the queue and waits for queued events to drain, or for ctx to
// expire, whichever comes first.
func (b *Bus) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		close(b.queue)
		b.closeMu.Unlock()

		logger := logctx.FromOr(ctx, b.log)
		if b.cancel == nil {
			logger.Info("event_bus_stopped")
			return
		}
		select {
		case <-b.done:
		case <-ctx.Done():
			logger.Warn("event_bus_drain_aborted", observability.F("pending", len(b.queue)))
		}
		b.cancel()
		logger.Info("event_bus_stopped")
	})
}

func (b *Bus) Publish(ctx context.Context, e domoutbox.Event) (err error) {
	if e == nil {
		return nil
	}
	name := e.EventName()
	logger := logctx.FromOr(ctx, b.log).With(observability.F("event", name))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
			logger.Warn("event_enqueue_aborted", observability.F("error", err))
		}
		b.pubCounter.Add(1,
			observability.L("peer", componentOutbox),
			observability.L("endpoint", name),
			observability.L("outcome", outcome),
		)
	}()

	// The read lock keeps Stop from closing the queue under a pending send.
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.queue <- e:
		logger.Debug("event_enqueued")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.queue:
			if !ok {
				return
			}
			b.fanout(ctx, e)
		}
	}
}

func (b *Bus) fanout(ctx context.Context, e domoutbox.Event) {
	name := e.EventName()

	b.mu.RLock()
	handlers := append([]domoutbox.Handler(nil), b.subs[name]...)
	b.mu.RUnlock()

	logger := b.log.With(observability.F("event", name))
	if len(handlers) == 0 {
		logger.Debug("event_dropped_no_subscriber")
		return
	}

	ctx = logctx.With(context.WithoutCancel(ctx), logger)

	sem := make(chan struct{}, b.opts.Concurrency)
	var wg sync.WaitGroup

	for _, h := range handlers {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("event_handler_panic",
						observability.F("panic", r),
						observability.F("stack", string(debug.Stack())),
					)
				}
				<-sem
				wg.Done()
			}()

			hctx, cancel := context.WithTimeout(ctx, b.opts.HandlerTimeout)
			defer cancel()
			start := time.Now()
			err := h(hctx, e)
			b.handlerHist.Observe(time.Since(start).Seconds(),
				observability.L("peer", componentOutbox),
				observability.L("endpoint", name),
			)
			if err != nil {
				logger.Warn("event_handler_error", observability.F("error", err))
			}
		}()
	}

	wg.Wait()
	logger.Debug("event_fanned_out", observability.F("handlers", len(handlers)))
}
