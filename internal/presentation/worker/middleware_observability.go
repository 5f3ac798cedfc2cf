package workerpresentation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

// WithEventContext binds a per-delivery logger for a background handler:
// event_id (generated when empty), trace/span ids when the context carries a
// valid span, and the caller's low-cardinality attributes (worker, event,
// order_id).
func WithEventContext(ctx context.Context, base observability.Logger, attrs map[string]string) (context.Context, observability.Logger) {
	base = logctx.FromOr(ctx, base)

	fields := make([]observability.Field, 0, len(attrs)+3)
	evtID := attrs["event_id"]
	if evtID == "" {
		evtID = uuid.NewString()
	}
	fields = append(fields, observability.F("event_id", evtID))

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	for k, v := range attrs {
		if k == "event_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}

	logger := base.With(fields...)
	return logctx.With(ctx, logger), logger
}

// instrument wraps a handler with the worker's event context and RED metrics.
func instrument(worker string, tel observability.Observability, base observability.Logger, attrs func(domoutbox.Event) map[string]string, h domoutbox.Handler) domoutbox.Handler {
	metrics := tel.Metrics()
	reqCounter := metrics.Counter(observability.MUsecaseRequests)
	durHistogram := metrics.Histogram(observability.MUsecaseDuration)

	return func(ctx context.Context, e domoutbox.Event) error {
		a := attrs(e)
		if a == nil {
			a = map[string]string{}
		}
		a["worker"] = worker
		a["event"] = e.EventName()

		ctx, span := tel.Tracer().Start(ctx, "Worker."+worker)
		defer span.End()
		ctx, logger := WithEventContext(ctx, base, a)

		useCase := worker + "." + e.EventName()
		start := time.Now()
		err := h(ctx, e)
		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			logger.Warn("event_handling_failed", observability.F("error", err.Error()))
		}
		reqCounter.Add(1, observability.L("use_case", useCase), observability.L("outcome", outcome))
		durHistogram.Observe(time.Since(start).Seconds(), observability.L("use_case", useCase))
		return err
	}
}
