// Package webhook turns vendor push notifications into reconciler
// observations. Once a delivery is authentic and well-formed it is always
// acknowledged; processing failures are parked for operator retry.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/reconcile"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	domwebhook "github.com/Zhima-Mochi/offramp-settlement/internal/domain/webhook"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const (
	webhookService = "webhook-ingestor"
	useCaseIngest  = "webhook.ingest"
	useCaseRetry   = "webhook.retry"
	spanPrefix     = "UC."

	defaultListLimit = 50
)

var (
	ErrUnknownProvider  = domprovider.ErrUnknownProvider
	ErrUnauthorized     = domprovider.ErrUnauthorized
	ErrMalformedPayload = domprovider.ErrMalformedPayload
	ErrRetryFailed      = errors.New("webhook: retry failed")
)

// Ack is what the ingestor reports for an accepted delivery.
type Ack struct {
	OrderID   string
	Decision  domorder.Decision
	Applied   bool
	Duplicate bool
	Status    domorder.Status
	// DeliveryID is set when processing failed and the delivery was parked.
	DeliveryID string
	// ProcessingError is the parked failure; the vendor still gets a 2xx.
	ProcessingError string
}

type Ingestor struct {
	orders     domorder.Repository
	deliveries domwebhook.Repository
	adapters   *domprovider.Registry
	reconciler ReconcilePort
	ids        IDGenerator
	tel        observability.Observability

	log             observability.Logger
	reqCounter      observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram    observability.Histogram // usecase_duration_seconds{use_case}
	deliveryCounter observability.Counter   // webhook_deliveries_total{provider,result}
}

func NewIngestor(
	orders domorder.Repository,
	deliveries domwebhook.Repository,
	adapters *domprovider.Registry,
	reconciler ReconcilePort,
	ids IDGenerator,
	tel observability.Observability,
) *Ingestor {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &Ingestor{
		orders:          orders,
		deliveries:      deliveries,
		adapters:        adapters,
		reconciler:      reconciler,
		ids:             ids,
		tel:             tel,
		log:             tel.Logger().With(observability.F("service", webhookService)),
		reqCounter:      metrics.Counter(observability.MUsecaseRequests),
		durHistogram:    metrics.Histogram(observability.MUsecaseDuration),
		deliveryCounter: metrics.Counter(observability.MWebhookDeliveries),
	}
}

// SignatureHeader names the header the provider signs its deliveries with.
func (i *Ingestor) SignatureHeader(provider domorder.Provider) (string, error) {
	a, err := i.adapters.Get(provider)
	if err != nil {
		return "", err
	}
	return a.SignatureHeader(), nil
}

// Ingest verifies, parses and reconciles one delivery. Only an unknown
// provider, a bad signature or an unparsable body produce an error; every
// other outcome, internal failures included, is an Ack.
func (i *Ingestor) Ingest(ctx context.Context, provider domorder.Provider, body []byte, signature string) (ack *Ack, err error) {
	ctx, span := i.tel.Tracer().Start(ctx, spanPrefix+"IngestWebhook",
		attribute.String("use_case", useCaseIngest),
		attribute.String("provider", string(provider)),
		attribute.Int("payload.bytes", len(body)),
	)
	ctx, logger := logctx.Enrich(ctx, i.log,
		observability.F("use_case", useCaseIngest),
		observability.F("provider", string(provider)),
	)
	start := time.Now()
	outcome, result := "success", "applied"

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		} else {
			span.SetStatus(codes.Ok, result)
		}
		span.End()

		i.reqCounter.Add(1, observability.L("use_case", useCaseIngest), observability.L("outcome", outcome))
		i.durHistogram.Observe(lat, observability.L("use_case", useCaseIngest))
		i.deliveryCounter.Add(1, observability.L("provider", string(provider)), observability.L("result", result))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("result", result),
			observability.F("latency_seconds", lat),
		}
		if ack != nil {
			fields = append(fields,
				observability.F("order_id", ack.OrderID),
				observability.F("decision", string(ack.Decision)),
			)
			if ack.DeliveryID != "" {
				fields = append(fields, observability.F("delivery_id", ack.DeliveryID))
			}
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

	adapter, err := i.adapters.Get(provider)
	if err != nil {
		outcome, result = "error", "unknown_provider"
		return nil, err
	}
	if !adapter.VerifySignature(body, signature) {
		outcome, result = "error", "unauthorized"
		return nil, fmt.Errorf("%w: provider %s", ErrUnauthorized, provider)
	}
	event, err := adapter.ParseWebhook(body)
	if err != nil {
		outcome, result = "error", "malformed"
		if !errors.Is(err, ErrMalformedPayload) {
			err = fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", event.EventID),
		attribute.String("webhook.raw_status", event.RawStatus),
	)

	ack, perr := i.process(ctx, adapter, event)
	if perr == nil {
		result = ackResult(ack)
		return ack, nil
	}

	// The vendor is acknowledged regardless; park the delivery instead.
	result = "failed"
	now := time.Now().UTC()
	d := &domwebhook.Delivery{
		ID:         i.ids.NewID(),
		Provider:   provider,
		Payload:    append([]byte(nil), body...),
		LastError:  perr.Error(),
		Attempts:   1,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	if serr := i.deliveries.Save(ctx, d); serr != nil {
		logger.Error("webhook_delivery_park_failed",
			observability.F("error", serr.Error()),
			observability.F("processing_error", perr.Error()),
		)
	} else {
		logger.Warn("webhook_delivery_parked",
			observability.F("delivery_id", d.ID),
			observability.F("processing_error", perr.Error()),
		)
	}
	if ack == nil {
		ack = &Ack{}
	}
	ack.DeliveryID = d.ID
	ack.ProcessingError = perr.Error()
	return ack, nil
}

// process resolves the order, drops replays of a vendor event id and hands
// the observation to the reconciler. A terminal mismatch is recorded by the
// reconciler for manual review and is not a retriable failure.
func (i *Ingestor) process(ctx context.Context, adapter domprovider.Adapter, event *domprovider.WebhookEvent) (*Ack, error) {
	provider := adapter.Name()
	order, err := i.orders.GetByProviderOrderID(ctx, provider, event.ProviderOrderID)
	if err != nil {
		return nil, fmt.Errorf("resolve order %s/%s: %w", provider, event.ProviderOrderID, err)
	}
	ack := &Ack{OrderID: order.ID, Status: order.Status}

	if event.EventID != "" {
		seen, serr := i.orders.EventSeen(ctx, provider, event.EventID)
		if serr != nil {
			return ack, fmt.Errorf("dedupe event %s: %w", event.EventID, serr)
		}
		if seen {
			ev := domorder.NewStatusEvent(order, domorder.SourceWebhook, event.RawStatus, adapter.Normalize(event.RawStatus), event.OccurredAt)
			ev.ExternalEventID = event.EventID
			ev.Reason = string(domorder.DecisionDuplicate)
			if aerr := i.orders.AppendEvent(ctx, ev); aerr != nil {
				return ack, fmt.Errorf("record duplicate event: %w", aerr)
			}
			ack.Decision, ack.Duplicate = domorder.DecisionDuplicate, true
			return ack, nil
		}
	}

	res, err := i.reconciler.Execute(ctx, reconcile.Observation{
		OrderID:    order.ID,
		Source:     domorder.SourceWebhook,
		RawStatus:  event.RawStatus,
		ObservedAt: event.OccurredAt,
		EventID:    event.EventID,
		Reference:  event.Reference,
	})
	if res != nil {
		ack.Decision = res.Decision
		ack.Applied = res.Applied
		ack.Duplicate = res.Decision == domorder.DecisionDuplicate
		ack.Status = res.Status()
	}
	if errors.Is(err, domorder.ErrTerminalStateMismatch) {
		return ack, nil
	}
	return ack, err
}

// ListFailed returns parked deliveries, oldest first.
func (i *Ingestor) ListFailed(ctx context.Context, limit int) ([]*domwebhook.Delivery, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return i.deliveries.ListUnresolved(ctx, limit)
}

// Retry reprocesses a parked delivery. Its signature was verified when it
// arrived, so only parsing and reconciliation run again.
func (i *Ingestor) Retry(ctx context.Context, deliveryID string) (ack *Ack, err error) {
	ctx, span := i.tel.Tracer().Start(ctx, spanPrefix+"RetryWebhook",
		attribute.String("use_case", useCaseRetry),
		attribute.String("delivery.id", deliveryID),
	)
	ctx, logger := logctx.Enrich(ctx, i.log,
		observability.F("use_case", useCaseRetry),
		observability.F("delivery_id", deliveryID),
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

		i.reqCounter.Add(1, observability.L("use_case", useCaseRetry), observability.L("outcome", outcome))
		i.durHistogram.Observe(lat, observability.L("use_case", useCaseRetry))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	d, err := i.deliveries.Get(ctx, deliveryID)
	if err != nil {
		outcome, statusText = "error", "DELIVERY_NOT_FOUND"
		return nil, err
	}
	if d.Resolved() {
		statusText = "ALREADY_RESOLVED"
		return &Ack{DeliveryID: d.ID}, nil
	}
	adapter, err := i.adapters.Get(d.Provider)
	if err != nil {
		outcome, statusText = "error", "UNKNOWN_PROVIDER"
		return nil, err
	}
	event, err := adapter.ParseWebhook(d.Payload)
	if err != nil {
		outcome, statusText = "error", "MALFORMED_PAYLOAD"
		return nil, err
	}

	now := time.Now().UTC()
	ack, perr := i.process(ctx, adapter, event)
	if perr != nil {
		outcome, statusText = "error", "PROCESSING_FAILED"
		if merr := i.deliveries.MarkAttempt(ctx, d.ID, perr.Error(), now); merr != nil {
			logger.Error("webhook_delivery_mark_attempt_failed", observability.F("error", merr.Error()))
		}
		return ack, fmt.Errorf("%w: %w", ErrRetryFailed, perr)
	}
	if merr := i.deliveries.MarkResolved(ctx, d.ID, now); merr != nil {
		outcome, statusText = "error", "MARK_RESOLVED_FAILED"
		return ack, merr
	}
	i.deliveryCounter.Add(1, observability.L("provider", string(d.Provider)), observability.L("result", "retried"))
	ack.DeliveryID = d.ID
	return ack, nil
}

func ackResult(a *Ack) string {
	switch {
	case a.Applied:
		return "applied"
	case a.Duplicate:
		return "duplicate"
	case a.Decision == "":
		return "accepted"
	default:
		return string(a.Decision)
	}
}
