// Package reconcile is the only writer of order status. Webhook deliveries
// and poll results both arrive here as observations and are applied through
// the store's conditional commit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const (
	reconcilerService = "reconciler"
	useCaseApply      = "reconcile.apply"
	spanPrefix        = "UC."
	publishTimeout    = 300 * time.Millisecond

	// ReasonFetchFailed marks a poll attempt that produced no status.
	ReasonFetchFailed = "fetch_failed"

	defaultCommitRetries = 3
)

var ErrRepository = errors.New("reconcile: repository failure")

// Observation is one vendor status sighting for an order.
type Observation struct {
	OrderID    string
	Source     domorder.Source
	RawStatus  string
	ObservedAt time.Time
	// EventID is the vendor's delivery id, when the channel has one.
	EventID string
	// Reference is the vendor's settlement reference; it becomes the order's
	// receipt id only when the committed status is a success.
	Reference string
	// FetchError is set for poll attempts whose upstream call failed; the
	// attempt is still recorded but nothing is evaluated.
	FetchError error
}

type Result struct {
	Order    *domorder.Order
	Decision domorder.Decision
	// Accepted is true when the order now agrees with the observation.
	Accepted bool
	// Applied is true only when this call committed a transition.
	Applied bool
	Event   *domorder.StatusEvent
}

// Status is the order's canonical status after the observation.
func (r *Result) Status() domorder.Status {
	if r == nil || r.Order == nil {
		return domorder.StatusUnknown
	}
	return r.Order.Status
}

type Reconciler struct {
	repo      domorder.Repository
	adapters  *domprovider.Registry
	publisher domoutbox.Publisher
	tel       observability.Observability
	retries   int

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	obsCounter   observability.Counter   // reconciler_observations_total{source,decision}
}

var _ application.UseCase[Observation, *Result] = (*Reconciler)(nil)

func New(repo domorder.Repository, adapters *domprovider.Registry, publisher domoutbox.Publisher, tel observability.Observability) *Reconciler {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &Reconciler{
		repo:         repo,
		adapters:     adapters,
		publisher:    publisher,
		tel:          tel,
		retries:      defaultCommitRetries,
		log:          tel.Logger().With(observability.F("service", reconcilerService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		obsCounter:   metrics.Counter(observability.MReconcilerObservations),
	}
}

// Execute applies one observation:
//   - same status: idempotent no-op, recorded as a duplicate
//   - order already terminal: rejected, ErrTerminalStateMismatch returned
//   - not strictly later: rejected as stale
//   - otherwise committed conditionally on the status it was read in; a
//     lost race re-reads and re-evaluates.
func (r *Reconciler) Execute(ctx context.Context, obs Observation) (res *Result, err error) {
	ctx, span := r.tel.Tracer().Start(ctx, spanPrefix+"ApplyObservation",
		attribute.String("use_case", useCaseApply),
		attribute.String("order.id", obs.OrderID),
		attribute.String("observation.source", string(obs.Source)),
		attribute.String("observation.raw_status", obs.RawStatus),
	)
	ctx, logger := logctx.Enrich(ctx, r.log,
		observability.F("use_case", useCaseApply),
		observability.F("order_id", obs.OrderID),
		observability.F("source", string(obs.Source)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var publishErr error

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		r.reqCounter.Add(1, observability.L("use_case", useCaseApply), observability.L("outcome", outcome))
		r.durHistogram.Observe(lat, observability.L("use_case", useCaseApply))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("raw_status", obs.RawStatus),
		}
		if res != nil {
			fields = append(fields,
				observability.F("decision", string(res.Decision)),
				observability.F("canonical_status", string(res.Status())),
			)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if publishErr != nil {
			fields = append(fields, observability.F("event_publish_error", publishErr.Error()))
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	if obs.OrderID == "" {
		outcome, statusText = "error", "ORDER_ID_REQUIRED"
		return nil, fmt.Errorf("%w: order id is required", domorder.ErrNotFound)
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}

	if obs.Source == domorder.SourcePoll {
		if perr := r.repo.RecordPollAttempt(ctx, obs.OrderID, obs.ObservedAt); perr != nil {
			outcome, statusText = "error", "POLL_ATTEMPT_RECORD_FAILED"
			return nil, wrapRepositoryError(perr)
		}
	}

	for attempt := 0; ; attempt++ {
		order, gerr := r.repo.Get(ctx, obs.OrderID)
		if gerr != nil {
			outcome, statusText = "error", "ORDER_LOAD_FAILED"
			return nil, wrapRepositoryError(gerr)
		}

		if obs.FetchError != nil {
			ev := domorder.NewStatusEvent(order, obs.Source, obs.RawStatus, domorder.StatusUnknown, obs.ObservedAt)
			ev.Reason = ReasonFetchFailed + ": " + obs.FetchError.Error()
			if aerr := r.repo.AppendEvent(ctx, ev); aerr != nil {
				outcome, statusText = "error", "EVENT_APPEND_FAILED"
				return nil, wrapRepositoryError(aerr)
			}
			r.countObservation(obs.Source, ReasonFetchFailed)
			statusText = "FETCH_FAILED_RECORDED"
			return &Result{Order: order, Event: ev}, nil
		}

		adapter, aerr := r.adapters.Get(order.Provider)
		if aerr != nil {
			outcome, statusText = "error", "UNKNOWN_PROVIDER"
			return nil, aerr
		}
		canonical := adapter.Normalize(obs.RawStatus)
		decision := domorder.Decide(order.Status, canonical)

		ev := domorder.NewStatusEvent(order, obs.Source, obs.RawStatus, canonical, obs.ObservedAt)
		ev.ExternalEventID = obs.EventID
		ev.Reason = string(decision)

		if decision != domorder.DecisionApply {
			if aerr := r.repo.AppendEvent(ctx, ev); aerr != nil {
				outcome, statusText = "error", "EVENT_APPEND_FAILED"
				return nil, wrapRepositoryError(aerr)
			}
			r.countObservation(obs.Source, string(decision))
			res = &Result{Order: order, Decision: decision, Accepted: decision.Accepted(), Event: ev}
			switch decision {
			case domorder.DecisionTerminalMismatch:
				outcome, statusText = "error", "TERMINAL_STATE_MISMATCH"
				logger.Error("terminal_state_mismatch",
					observability.F("current_status", string(order.Status)),
					observability.F("observed_status", string(canonical)),
				)
				return res, fmt.Errorf("%w: order %s is %s, observed %s",
					domorder.ErrTerminalStateMismatch, order.ID, order.Status, canonical)
			case domorder.DecisionStale:
				statusText = "STALE_REJECTED"
				logger.Warn("stale_status_rejected",
					observability.F("current_status", string(order.Status)),
					observability.F("observed_status", string(canonical)),
				)
			case domorder.DecisionUnknown:
				statusText = "UNKNOWN_STATUS"
				logger.Warn("unknown_vendor_status", observability.F("raw_status", obs.RawStatus))
			default:
				statusText = "DUPLICATE"
			}
			return res, nil
		}

		now := time.Now().UTC()
		ev.Applied = true
		tr := domorder.Transition{
			OrderID:   order.ID,
			From:      order.Status,
			To:        canonical,
			RawStatus: obs.RawStatus,
			At:        now,
			Event:     ev,
		}
		if canonical == domorder.StatusSettled {
			tr.CompletedAt = &now
		}
		if canonical.IsSettled() && obs.Reference != "" {
			tr.ReceiptID = obs.Reference
		}
		if canonical.IsTerminalFailure() && order.SettlementReceiptID != "" {
			tr.ClearReceipt = true
		}

		cerr := r.repo.CommitTransition(ctx, tr)
		if errors.Is(cerr, domorder.ErrConflict) && attempt < r.retries {
			span.AddEvent("reconcile.commit_conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
			logger.Debug("commit_conflict_retry", observability.F("attempt", attempt))
			continue
		}
		if cerr != nil {
			outcome, statusText = "error", "COMMIT_FAILED"
			return nil, wrapRepositoryError(cerr)
		}

		r.countObservation(obs.Source, string(decision))
		applied := order.Clone()
		applied.Status = canonical
		applied.ProviderRawStatus = obs.RawStatus
		applied.UpdatedAt = now
		if tr.CompletedAt != nil {
			applied.CompletedAt = tr.CompletedAt
		}
		if tr.ReceiptID != "" {
			applied.SettlementReceiptID = tr.ReceiptID
		}
		if tr.ClearReceipt {
			applied.SettlementReceiptID = ""
		}
		span.SetAttributes(
			attribute.String("order.status.from", string(order.Status)),
			attribute.String("order.status.to", string(canonical)),
		)
		logger.Info("order_status_changed",
			observability.F("from", string(order.Status)),
			observability.F("to", string(canonical)),
		)

		publishErr = r.publish(ctx, domorder.NewOrderStatusChangedEvent(order.ID, order.Status, canonical, obs.Source))
		if publishErr != nil {
			statusText = "EVENT_PUBLISH_FAILED"
		}
		return &Result{Order: applied, Decision: decision, Accepted: true, Applied: true, Event: ev}, nil
	}
}

func (r *Reconciler) publish(ctx context.Context, e domoutbox.Event) error {
	if r.publisher == nil {
		return nil
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.publisher.Publish(pubCtx, e)
}

func (r *Reconciler) countObservation(source domorder.Source, decision string) {
	r.obsCounter.Add(1,
		observability.L("source", string(source)),
		observability.L("decision", decision),
	)
}

func wrapRepositoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domorder.ErrNotFound), errors.Is(err, domorder.ErrConflict):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrRepository, err)
	}
}
