// Package offramp holds the order-facing use cases: placing an order with a
// vendor and reading it back.
package offramp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/offramp-settlement/internal/domain/fee"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const (
	offrampService     = "offramp-service"
	useCaseOrderCreate = "order.create"
	spanPrefix         = "UC."
	publishPeer        = "outbox"
	publishEndpoint    = "order.created"
	publishTimeout     = 300 * time.Millisecond

	reasonCreated = "created"
)

var (
	ErrValidation = errors.New("offramp: validation failed")
	ErrConflict   = domorder.ErrConflict
	ErrNotFound   = domorder.ErrNotFound
	ErrRepository = errors.New("offramp: repository failure")
)

// Settlement is the token leg every order is funded with.
type Settlement struct {
	Token   string
	Network string
}

type CreateOrderInput struct {
	Provider domorder.Provider
	// Exactly one of TotalAmount (what the user is charged) and
	// RecipientAmount (what the vendor should pay out) is set.
	TotalAmount     decimal.Decimal
	RecipientAmount decimal.Decimal
	LocalCurrency   domorder.Currency
	Destination     domorder.Destination
	ReturnAddress   string
}

type CreateOrderResult struct {
	Order     *domorder.Order
	Breakdown fee.Breakdown
}

// CreateOrderUseCase splits the charge, places the order upstream and
// records it in its initial state.
type CreateOrderUseCase struct {
	repo        domorder.Repository
	adapters    *domprovider.Registry
	fees        *fee.Calculator
	settlement  Settlement
	idGenerator IDGenerator
	publisher   domoutbox.Publisher
	tel         observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func NewCreateOrderUseCase(
	repo domorder.Repository,
	adapters *domprovider.Registry,
	fees *fee.Calculator,
	settlement Settlement,
	idGen IDGenerator,
	publisher domoutbox.Publisher,
	tel observability.Observability,
) *CreateOrderUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &CreateOrderUseCase{
		repo:         repo,
		adapters:     adapters,
		fees:         fees,
		settlement:   settlement,
		idGenerator:  idGen,
		publisher:    publisher,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", offrampService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		extCounter:   metrics.Counter(observability.MExternalRequests),
		extHistogram: metrics.Histogram(observability.MExternalRequestDuration),
	}
}

func (uc *CreateOrderUseCase) Execute(ctx context.Context, cmd CreateOrderInput) (_ *CreateOrderResult, err error) {
	ctx, span := uc.tel.Tracer().Start(ctx, spanPrefix+"CreateOrder",
		attribute.String("use_case", useCaseOrderCreate),
		attribute.String("order.provider", string(cmd.Provider)),
		attribute.String("order.currency", string(cmd.LocalCurrency)),
	)
	ctx, logger := logctx.Enrich(ctx, uc.log,
		observability.F("use_case", useCaseOrderCreate),
		observability.F("provider", string(cmd.Provider)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var (
		orderID    string
		publishErr error
	)

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		uc.reqCounter.Add(1, observability.L("use_case", useCaseOrderCreate), observability.L("outcome", outcome))
		uc.durHistogram.Observe(lat, observability.L("use_case", useCaseOrderCreate))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if orderID != "" {
			fields = append(fields, observability.F("order_id", orderID))
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

	if cmd.Provider == "" {
		outcome, statusText = "error", "PROVIDER_REQUIRED"
		return nil, newValidation("provider is required")
	}
	if cmd.LocalCurrency == "" {
		outcome, statusText = "error", "CURRENCY_REQUIRED"
		return nil, newValidation("local currency is required")
	}
	if err := cmd.Destination.Validate(); err != nil {
		outcome, statusText = "error", "DESTINATION_INVALID"
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	hasTotal, hasRecipient := !cmd.TotalAmount.IsZero(), !cmd.RecipientAmount.IsZero()
	if hasTotal == hasRecipient {
		outcome, statusText = "error", "AMOUNT_INVALID"
		return nil, newValidation("exactly one of total and recipient amount is required")
	}

	adapter, err := uc.adapters.Get(cmd.Provider)
	if err != nil {
		outcome, statusText = "error", "UNKNOWN_PROVIDER"
		return nil, err
	}

	var breakdown fee.Breakdown
	if hasTotal {
		breakdown, err = uc.fees.FromTotal(cmd.TotalAmount)
	} else {
		breakdown, err = uc.fees.FromRecipient(cmd.RecipientAmount)
	}
	if err != nil {
		outcome, statusText = "error", "AMOUNT_INVALID"
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	span.SetAttributes(
		attribute.String("order.total", breakdown.Total.String()),
		attribute.String("order.fee", breakdown.Fee.String()),
	)

	orderID = uc.idGenerator.NewID()
	created, err := adapter.CreateOrder(ctx, domprovider.CreateOrderRequest{
		Reference:     orderID,
		Amount:        breakdown.Recipient,
		Token:         uc.settlement.Token,
		Network:       uc.settlement.Network,
		LocalCurrency: cmd.LocalCurrency,
		Destination:   cmd.Destination,
		ReturnAddress: cmd.ReturnAddress,
	})
	if err != nil {
		outcome, statusText = "error", "UPSTREAM_CREATE_FAILED"
		return nil, err
	}

	entity, err := domorder.New(domorder.NewInput{
		ID:              orderID,
		ProviderOrderID: created.ProviderOrderID,
		Provider:        adapter.Name(),
		SourceAmount:    breakdown.Total,
		NetAmount:       breakdown.Recipient,
		FeeAmount:       breakdown.Fee,
		LocalAmount:     created.LocalAmount,
		LocalCurrency:   cmd.LocalCurrency,
		Destination:     cmd.Destination,
		DepositAddress:  created.DestinationAddress,
		ExpiresAt:       created.ExpiresAt,
		RawStatus:       created.RawStatus,
	})
	if err != nil {
		outcome, statusText = "error", "DOMAIN_CONSTRUCTION_FAILED"
		return nil, fmt.Errorf("offramp: construct: %w", err)
	}
	// A vendor may already report progress at creation; never start terminal.
	if s := adapter.Normalize(created.RawStatus); !s.IsTerminal() && entity.Status.Later(s) {
		entity.Status = s
	}
	if !created.Fees.IsZero() {
		logger.Debug("vendor_fees_reported", observability.F("vendor_fees", created.Fees.String()))
	}

	initial := domorder.NewStatusEvent(entity, domorder.SourcePoll, created.RawStatus, entity.Status, entity.CreatedAt)
	initial.Applied = true
	initial.Reason = reasonCreated

	if err := uc.repo.Insert(ctx, entity, initial); err != nil {
		outcome, statusText = "error", "REPO_INSERT_FAILED"
		logger.Error("order_insert_failed_after_upstream_create",
			observability.F("provider_order_id", created.ProviderOrderID),
			observability.F("error", err.Error()),
		)
		return nil, wrapRepositoryError(err)
	}

	if uc.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		pubStart := time.Now()
		pubOutcome := "success"

		publishErr = uc.publisher.Publish(pubCtx, domorder.NewOrderCreatedEvent(entity, adapter.SupportsPushUpdates()))
		if publishErr != nil {
			pubOutcome = "error"
			statusText = "EVENT_PUBLISH_FAILED"
		}
		cancel()

		uc.extCounter.Add(1,
			observability.L("peer", publishPeer),
			observability.L("endpoint", publishEndpoint),
			observability.L("outcome", pubOutcome),
		)
		uc.extHistogram.Observe(time.Since(pubStart).Seconds(),
			observability.L("peer", publishPeer),
			observability.L("endpoint", publishEndpoint),
		)
	}

	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", string(entity.Status)),
	)
	span.AddEvent("order.created", trace.WithAttributes(attribute.String("order.provider_order_id", entity.ProviderOrderID)))

	return &CreateOrderResult{Order: entity, Breakdown: breakdown}, nil
}

func wrapRepositoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domorder.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, domorder.ErrConflict):
		return ErrConflict
	default:
		return fmt.Errorf("%w: %w", ErrRepository, err)
	}
}

func newValidation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
