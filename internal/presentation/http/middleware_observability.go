package httppresentation

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const (
	headerRequestID = "X-Request-ID"
	tracerName      = "offramp.http"
	unknownRoute    = "unknown"
)

// withTrace starts a server span for the request, continuing any W3C
// trace context the caller sent.
func withTrace() echo.MiddlewareFunc {
	tracer := otel.Tracer(tracerName)
	prop := otel.GetTextMapPropagator()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			parent := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeOf(c)
			ctx, span := tracer.Start(parent, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", route),
					attribute.String("http.target", r.URL.Path),
					attribute.String("http.user_agent", r.UserAgent()),
				),
			)
			defer span.End()

			c.SetRequest(r.WithContext(ctx))
			err := next(c)
			span.SetAttributes(attribute.Int("http.status_code", c.Response().Status))
			return err
		}
	}
}

// ObservabilityMiddleware binds the request-scoped logger (request_id and
// trace ids) and echoes X-Request-ID back to the caller.
func ObservabilityMiddleware(base observability.Logger) echo.MiddlewareFunc {
	if base == nil {
		base = observability.NopLogger()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			ctx := r.Context()

			rid := r.Header.Get(headerRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Response().Header().Set(headerRequestID, rid)

			fields := []observability.Field{observability.F("request_id", rid)}
			if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
				fields = append(fields,
					observability.F("trace_id", sc.TraceID().String()),
					observability.F("span_id", sc.SpanID().String()),
				)
			}
			ctx = logctx.With(ctx, base.With(fields...))
			c.SetRequest(r.WithContext(ctx))
			return next(c)
		}
	}
}

// withHTTPMetrics records request count and latency keyed by the route
// template, never the raw path.
func withHTTPMetrics(tel observability.Observability) echo.MiddlewareFunc {
	metrics := tel.Metrics()
	requests := metrics.Counter(observability.MHTTPRequests)
	durations := metrics.Histogram(observability.MHTTPRequestDuration)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			labels := []observability.Label{
				observability.L("method", c.Request().Method),
				observability.L("route", routeOf(c)),
				observability.L("status", strconv.Itoa(c.Response().Status)),
			}
			requests.Add(1, labels...)
			durations.Observe(time.Since(start).Seconds(), labels...)
			return err
		}
	}
}

// withAccessLog writes one access log line per request. Handler errors are
// committed here so the outer middlewares observe the final status.
func withAccessLog(base observability.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			r := c.Request()
			logctx.FromOr(r.Context(), base).Info("http_access",
				observability.F("method", r.Method),
				observability.F("route", routeOf(c)),
				observability.F("path", r.URL.Path),
				observability.F("status", c.Response().Status),
				observability.F("latency_ms", time.Since(start).Milliseconds()),
			)
			return nil
		}
	}
}

func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return unknownRoute
}
