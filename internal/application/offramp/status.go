package offramp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/reconcile"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const useCaseStatusCheck = "order.status_check"

type StatusCheckResult struct {
	Order     *domorder.Order
	RawStatus string
	Canonical domorder.Status
	Decision  domorder.Decision
	Applied   bool
}

// CheckStatusUseCase asks the vendor once and forwards the answer to the
// reconciler. It never starts a poll loop.
type CheckStatusUseCase struct {
	repo       domorder.Repository
	adapters   *domprovider.Registry
	reconciler ReconcilePort
	timeout    time.Duration
	tel        observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewCheckStatusUseCase(
	repo domorder.Repository,
	adapters *domprovider.Registry,
	reconciler ReconcilePort,
	timeout time.Duration,
	tel observability.Observability,
) *CheckStatusUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	metrics := tel.Metrics()
	return &CheckStatusUseCase{
		repo:         repo,
		adapters:     adapters,
		reconciler:   reconciler,
		timeout:      timeout,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", offrampService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
	}
}

func (uc *CheckStatusUseCase) Execute(ctx context.Context, orderID string) (res *StatusCheckResult, err error) {
	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"CheckStatus",
		attribute.String("use_case", useCaseStatusCheck),
		attribute.String("order.id", orderID),
	)
	ctx, logger := logctx.Enrich(ctx, uc.log,
		observability.F("use_case", useCaseStatusCheck),
		observability.F("order_id", orderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		uc.reqCounter.Add(1, observability.L("use_case", useCaseStatusCheck), observability.L("outcome", outcome))
		uc.durHistogram.Observe(lat, observability.L("use_case", useCaseStatusCheck))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if res != nil {
			fields = append(fields,
				observability.F("raw_status", res.RawStatus),
				observability.F("canonical_status", string(res.Canonical)),
			)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	order, err := uc.repo.Get(ctx, orderID)
	if err != nil {
		outcome, statusText = "error", "ORDER_LOAD_FAILED"
		return nil, wrapRepositoryError(err)
	}
	adapter, err := uc.adapters.Get(order.Provider)
	if err != nil {
		outcome, statusText = "error", "UNKNOWN_PROVIDER"
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	report, err := adapter.FetchStatus(fetchCtx, order.ProviderOrderID)
	cancel()
	if err != nil {
		outcome, statusText = "error", "UPSTREAM_FETCH_FAILED"
		return nil, err
	}

	res = &StatusCheckResult{
		Order:     order,
		RawStatus: report.RawStatus,
		Canonical: adapter.Normalize(report.RawStatus),
	}
	rec, rerr := uc.reconciler.Execute(ctx, reconcile.Observation{
		OrderID:   order.ID,
		Source:    domorder.SourcePoll,
		RawStatus: report.RawStatus,
		Reference: report.Reference,
	})
	if rec != nil {
		res.Order = rec.Order
		res.Decision = rec.Decision
		res.Applied = rec.Applied
	}
	switch {
	case rerr == nil:
	case errors.Is(rerr, domorder.ErrTerminalStateMismatch):
		// Recorded for review; the caller still gets what the vendor said.
		statusText = "TERMINAL_STATE_MISMATCH"
	default:
		outcome, statusText = "error", "RECONCILE_FAILED"
		return nil, rerr
	}
	return res, nil
}
