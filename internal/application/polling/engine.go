// Package polling drives repeated vendor status checks for one order until
// it reaches a terminal state, the attempt budget runs out, or the caller
// gives up. Every attempt goes through the reconciler.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application"
	"github.com/Zhima-Mochi/offramp-settlement/internal/application/reconcile"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const (
	pollingService = "polling"
	useCasePoll    = "polling.poll"
	spanPrefix     = "UC."
	lockKeyPrefix  = "offramp:poll:"

	// ReasonNotFound is reported when the vendor kept answering NotFound.
	ReasonNotFound = "not_found"
)

var (
	ErrTimeout        = errors.New("polling: attempt budget exhausted")
	ErrCancelled      = errors.New("polling: cancelled")
	ErrPollInProgress = errors.New("polling: a poll loop is already running for this order")
)

type Outcome string

const (
	OutcomeSettled   Outcome = "settled"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

type Result struct {
	Outcome  Outcome
	Order    *domorder.Order
	Attempts int
	Reason   string
}

// Completed reports whether the loop ended on a terminal order state.
func (r *Result) Completed() bool {
	return r != nil && (r.Outcome == OutcomeSettled || r.Outcome == OutcomeFailed)
}

// Err maps non-terminal outcomes onto the error taxonomy.
func (r *Result) Err() error {
	switch {
	case r == nil:
		return nil
	case r.Outcome == OutcomeTimeout:
		return ErrTimeout
	case r.Outcome == OutcomeCancelled:
		return ErrCancelled
	case r.Reason == ReasonNotFound:
		return domprovider.ErrNotFound
	}
	return nil
}

// Locker leases a key so at most one loop per order runs across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Timer is the part of *time.Timer the loop needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type TimerFunc func(d time.Duration) Timer

type stdTimer struct{ t *time.Timer }

func (s stdTimer) C() <-chan time.Time { return s.t.C }
func (s stdTimer) Stop() bool          { return s.t.Stop() }

func newStdTimer(d time.Duration) Timer { return stdTimer{t: time.NewTimer(d)} }

// Job is the ephemeral scheduler state of a running loop.
type Job struct {
	OrderID   string
	Attempt   int
	StartedAt time.Time
	NextRunAt time.Time
	Deadline  time.Time
	Cancelled bool
}

type job struct {
	mu     sync.Mutex
	state  Job
	cancel context.CancelFunc
}

func (j *job) update(fn func(*Job)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.state)
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

type Engine struct {
	repo       domorder.Repository
	adapters   *domprovider.Registry
	reconciler application.UseCase[reconcile.Observation, *reconcile.Result]
	cache      domorder.StatusCache
	locker     Locker
	defaults   Options
	newTimer   TimerFunc
	now        func() time.Time

	mu   sync.Mutex
	jobs map[string]*job

	bg     context.Context
	stopBg context.CancelFunc
	wg     sync.WaitGroup

	tel            observability.Observability
	log            observability.Logger
	reqCounter     observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram   observability.Histogram // usecase_duration_seconds{use_case}
	attemptCounter observability.Counter   // poll_attempts_total{provider,result}
	outcomeCounter observability.Counter   // poll_outcomes_total{outcome}
}

type EngineOption func(*Engine)

// WithStatusCache lets push-vendor loops answer from the cache.
func WithStatusCache(c domorder.StatusCache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

func WithLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

func WithDefaults(o Options) EngineOption {
	return func(e *Engine) { e.defaults = o.Merge(DefaultOptions()) }
}

func WithTimer(fn TimerFunc) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.newTimer = fn
		}
	}
}

func NewEngine(
	repo domorder.Repository,
	adapters *domprovider.Registry,
	reconciler application.UseCase[reconcile.Observation, *reconcile.Result],
	tel observability.Observability,
	opts ...EngineOption,
) *Engine {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	bg, stop := context.WithCancel(context.Background())
	e := &Engine{
		repo:           repo,
		adapters:       adapters,
		reconciler:     reconciler,
		defaults:       DefaultOptions(),
		newTimer:       newStdTimer,
		now:            time.Now,
		jobs:           make(map[string]*job),
		bg:             bg,
		stopBg:         stop,
		tel:            tel,
		log:            tel.Logger().With(observability.F("service", pollingService)),
		reqCounter:     metrics.Counter(observability.MUsecaseRequests),
		durHistogram:   metrics.Histogram(observability.MUsecaseDuration),
		attemptCounter: metrics.Counter(observability.MPollAttempts),
		outcomeCounter: metrics.Counter(observability.MPollOutcomes),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Defaults() Options { return e.defaults }

// Poll runs the loop for orderID in the caller's goroutine. Timeout,
// cancellation and terminal states all come back as a Result; errors are
// reserved for loops that could not start.
func (e *Engine) Poll(ctx context.Context, orderID string, opts Options) (*Result, error) {
	r, err := e.prepare(ctx, ctx, orderID, opts)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, r), nil
}

// Start launches the loop in the background. It fails synchronously when a
// loop for the order is already running.
func (e *Engine) Start(ctx context.Context, orderID string, opts Options) error {
	r, err := e.prepare(ctx, e.bg, orderID, opts)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := e.execute(logctx.With(e.bg, logctx.From(ctx)), r)
		if err := res.Err(); err != nil {
			e.log.Warn("background_poll_unfinished",
				observability.F("order_id", orderID),
				observability.F("outcome", string(res.Outcome)),
				observability.F("attempts", res.Attempts),
			)
		}
	}()
	return nil
}

// Cancel stops scheduling further attempts for orderID. Applied events stay.
func (e *Engine) Cancel(orderID string) bool {
	e.mu.Lock()
	j, ok := e.jobs[orderID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	j.update(func(s *Job) { s.Cancelled = true })
	j.cancel()
	return true
}

// Job reports the running loop for orderID, if any.
func (e *Engine) Job(orderID string) (Job, bool) {
	e.mu.Lock()
	j, ok := e.jobs[orderID]
	e.mu.Unlock()
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Shutdown cancels background loops and waits for them to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopBg()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type run struct {
	order   *domorder.Order
	adapter domprovider.Adapter
	opts    Options
	job     *job
	jobCtx  context.Context
	cleanup func()
}

func (e *Engine) prepare(ctx, parent context.Context, orderID string, opts Options) (*run, error) {
	opts = opts.Merge(e.defaults)

	order, err := e.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	adapter, err := e.adapters.Get(order.Provider)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(parent)
	j := &job{
		state:  Job{OrderID: orderID, StartedAt: e.now().UTC()},
		cancel: cancel,
	}
	e.mu.Lock()
	if _, busy := e.jobs[orderID]; busy {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrPollInProgress, orderID)
	}
	e.jobs[orderID] = j
	e.mu.Unlock()

	unregister := func() {
		cancel()
		e.mu.Lock()
		if e.jobs[orderID] == j {
			delete(e.jobs, orderID)
		}
		e.mu.Unlock()
	}

	release := func() {}
	if e.locker != nil {
		rel, ok, lerr := e.locker.Acquire(ctx, lockKeyPrefix+orderID, opts.Timeout+opts.AttemptTimeout)
		if lerr != nil {
			unregister()
			return nil, fmt.Errorf("polling: acquire lease: %w", lerr)
		}
		if !ok {
			unregister()
			return nil, fmt.Errorf("%w: %s", ErrPollInProgress, orderID)
		}
		release = rel
	}

	return &run{
		order:   order,
		adapter: adapter,
		opts:    opts,
		job:     j,
		jobCtx:  jobCtx,
		cleanup: func() {
			release()
			unregister()
		},
	}, nil
}

func (e *Engine) execute(ctx context.Context, r *run) (res *Result) {
	defer r.cleanup()

	orderID := r.order.ID
	provider := string(r.order.Provider)
	ctx, span := e.tel.Tracer().Start(ctx, spanPrefix+"PollOrder",
		attribute.String("use_case", useCasePoll),
		attribute.String("order.id", orderID),
		attribute.String("order.provider", provider),
		attribute.Int("poll.max_attempts", r.opts.MaxAttempts),
	)
	ctx, logger := logctx.Enrich(ctx, e.log,
		observability.F("use_case", useCasePoll),
		observability.F("order_id", orderID),
		observability.F("provider", provider),
	)
	start := time.Now()

	defer func() {
		lat := time.Since(start).Seconds()
		outcome := string(res.Outcome)
		span.SetAttributes(attribute.Int("poll.attempts", res.Attempts), attribute.String("poll.outcome", outcome))
		if err := res.Err(); err != nil {
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetStatus(codes.Ok, outcome)
		}
		span.End()

		e.reqCounter.Add(1, observability.L("use_case", useCasePoll), observability.L("outcome", outcome))
		e.durHistogram.Observe(lat, observability.L("use_case", useCasePoll))
		e.outcomeCounter.Add(1, observability.L("outcome", outcome))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("attempts", res.Attempts),
			observability.F("latency_seconds", lat),
		}
		if res.Order != nil {
			fields = append(fields, observability.F("canonical_status", string(res.Order.Status)))
		}
		if res.Reason != "" {
			fields = append(fields, observability.F("reason", res.Reason))
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		logger.Info("use_case_done", fields...)
	}()

	if out := outcomeFor(r.order.Status); out != "" {
		return &Result{Outcome: out, Order: r.order}
	}

	deadline := e.now().Add(r.opts.Timeout)
	r.job.update(func(s *Job) { s.Deadline = deadline })
	runCtx, cancel := context.WithDeadline(r.jobCtx, deadline)
	defer cancel()
	runCtx = logctx.With(trace.ContextWithSpan(runCtx, span), logger)

	sched := r.opts.schedule()
	current := r.order
	attempts, notFound := 0, 0

	for n := 0; n < r.opts.MaxAttempts; n++ {
		if n > 0 {
			d := sched.NextBackOff()
			r.job.update(func(s *Job) { s.NextRunAt = e.now().Add(d) })
			if !e.wait(runCtx, d) {
				break
			}
		}
		if runCtx.Err() != nil {
			break
		}
		attempts++
		r.job.update(func(s *Job) { s.Attempt = attempts })

		var (
			next    *domorder.Order
			missing bool
			err     error
		)
		if r.adapter.SupportsPushUpdates() {
			next, err = e.readLocal(runCtx, current, n == r.opts.MaxAttempts-1)
		} else {
			next, missing, err = e.fetchAndReconcile(runCtx, logger, current, r.adapter, r.opts)
		}
		if errors.Is(err, domorder.ErrNotFound) {
			return &Result{Outcome: OutcomeFailed, Order: current, Attempts: attempts, Reason: "order_missing"}
		}
		if err != nil {
			logger.Warn("poll_attempt_failed", observability.F("attempt", attempts), observability.F("error", err.Error()))
		}
		if next != nil {
			current = next
		}

		if out := outcomeFor(current.Status); out != "" {
			return &Result{Outcome: out, Order: current, Attempts: attempts}
		}
		if missing {
			notFound++
		} else {
			notFound = 0
		}
		if notFound >= r.opts.NotFoundThreshold {
			logger.Warn("order_not_found_upstream", observability.F("consecutive", notFound))
			return &Result{Outcome: OutcomeFailed, Order: current, Attempts: attempts, Reason: ReasonNotFound}
		}
	}

	// A webhook may have finished the order while the cache lagged behind.
	current = e.refresh(ctx, current)
	out := outcomeFor(current.Status)
	if out == "" {
		out = OutcomeTimeout
		if errors.Is(r.jobCtx.Err(), context.Canceled) {
			out = OutcomeCancelled
		}
	}
	return &Result{Outcome: out, Order: current, Attempts: attempts}
}

// fetchAndReconcile performs one upstream status call and hands whatever it
// produced to the reconciler, failures included.
func (e *Engine) fetchAndReconcile(
	ctx context.Context,
	logger observability.Logger,
	current *domorder.Order,
	adapter domprovider.Adapter,
	opts Options,
) (*domorder.Order, bool, error) {
	provider := string(current.Provider)
	attemptCtx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
	report, ferr := adapter.FetchStatus(attemptCtx, current.ProviderOrderID)
	cancel()
	if ferr != nil && ctx.Err() != nil {
		// Deadline or cancellation hit mid-call; nothing was observed.
		return nil, false, nil
	}

	obs := reconcile.Observation{
		OrderID:    current.ID,
		Source:     domorder.SourcePoll,
		ObservedAt: e.now().UTC(),
	}
	missing := false
	result := "ok"
	switch {
	case ferr == nil:
		obs.RawStatus = report.RawStatus
		obs.Reference = report.Reference
	case errors.Is(ferr, domprovider.ErrNotFound):
		missing, result = true, "not_found"
		obs.FetchError = ferr
	case errors.Is(ferr, domprovider.ErrUpstreamUnavailable):
		result = "upstream_unavailable"
		obs.FetchError = ferr
	default:
		result = "error"
		obs.FetchError = ferr
	}
	e.attemptCounter.Add(1, observability.L("provider", provider), observability.L("result", result))

	// An observed status is recorded even if the loop is being torn down.
	recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), opts.AttemptTimeout)
	defer recCancel()
	res, err := e.reconciler.Execute(recCtx, obs)
	if errors.Is(err, domorder.ErrTerminalStateMismatch) && res != nil {
		logger.Warn("poll_terminal_mismatch", observability.F("raw_status", obs.RawStatus))
		return res.Order, false, nil
	}
	if err != nil {
		return nil, missing, err
	}
	return res.Order, missing, nil
}

// readLocal answers a push vendor's loop without calling upstream: the cache
// when it already knows the order is not done, the store otherwise. The last
// attempt always reads the store since the cache is filled asynchronously.
func (e *Engine) readLocal(ctx context.Context, current *domorder.Order, last bool) (*domorder.Order, error) {
	e.attemptCounter.Add(1, observability.L("provider", string(current.Provider)), observability.L("result", "local"))
	if e.cache != nil && !last {
		if s, ok, err := e.cache.Get(ctx, current.ID); err == nil && ok && outcomeFor(s) == "" {
			return current, nil
		}
	}
	return e.repo.Get(ctx, current.ID)
}

func (e *Engine) refresh(ctx context.Context, current *domorder.Order) *domorder.Order {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if o, err := e.repo.Get(readCtx, current.ID); err == nil {
		return o
	}
	return current
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	t := e.newTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-ctx.Done():
		return false
	}
}

func outcomeFor(s domorder.Status) Outcome {
	switch {
	case s.IsSettled():
		return OutcomeSettled
	case s.IsTerminalFailure():
		return OutcomeFailed
	}
	return ""
}
