// Package wallet assigns exactly one deposit address per (user, platform).
// No lock is held across the upstream call; the conditional write decides
// the winner and losers adopt its address.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application"
	domwallet "github.com/Zhima-Mochi/offramp-settlement/internal/domain/wallet"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability/logctx"
)

const (
	walletService = "wallet-provisioner"
	useCaseAssign = "wallet.assign"
	spanPrefix    = "UC."
)

var (
	ErrInvalidKey = domwallet.ErrInvalidKey
	ErrRepository = errors.New("wallet: repository failure")
)

// AddressProvider creates a new upstream deposit address.
type AddressProvider interface {
	CreateAddress(ctx context.Context, userID, platform string) (domwallet.Provisioned, error)
}

type AddressProviderFunc func(ctx context.Context, userID, platform string) (domwallet.Provisioned, error)

func (f AddressProviderFunc) CreateAddress(ctx context.Context, userID, platform string) (domwallet.Provisioned, error) {
	return f(ctx, userID, platform)
}

type AssignInput struct {
	UserID   string
	Platform string
}

type AssignResult struct {
	Address string
	// Existing is false only for the call whose address was stored.
	Existing   bool
	Assignment *domwallet.Assignment
}

type Provisioner struct {
	repo     domwallet.Repository
	provider AddressProvider
	tel      observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	provCounter  observability.Counter   // wallet_provisioning_total{result}
}

var _ application.UseCase[AssignInput, *AssignResult] = (*Provisioner)(nil)

func NewProvisioner(repo domwallet.Repository, provider AddressProvider, tel observability.Observability) *Provisioner {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &Provisioner{
		repo:         repo,
		provider:     provider,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", walletService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		provCounter:  metrics.Counter(observability.MWalletProvisioning),
	}
}

func (p *Provisioner) Execute(ctx context.Context, in AssignInput) (res *AssignResult, err error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Platform = strings.ToLower(strings.TrimSpace(in.Platform))

	ctx, span := p.tel.Tracer().Start(ctx, spanPrefix+"AssignWallet",
		attribute.String("use_case", useCaseAssign),
		attribute.String("wallet.platform", in.Platform),
	)
	ctx, logger := logctx.Enrich(ctx, p.log,
		observability.F("use_case", useCaseAssign),
		observability.F("user_id", in.UserID),
		observability.F("platform", in.Platform),
	)
	start := time.Now()
	outcome, result := "success", "existing"

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		} else {
			span.SetStatus(codes.Ok, result)
		}
		span.End()

		p.reqCounter.Add(1, observability.L("use_case", useCaseAssign), observability.L("outcome", outcome))
		p.durHistogram.Observe(lat, observability.L("use_case", useCaseAssign))
		p.provCounter.Add(1, observability.L("result", result))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("result", result),
			observability.F("latency_seconds", lat),
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

	if in.UserID == "" || in.Platform == "" {
		outcome, result = "error", "invalid"
		return nil, ErrInvalidKey
	}

	if err := p.repo.Ensure(ctx, in.UserID, in.Platform); err != nil {
		outcome, result = "error", "error"
		return nil, fmt.Errorf("%w: ensure: %w", ErrRepository, err)
	}
	current, err := p.repo.Get(ctx, in.UserID, in.Platform)
	if err != nil {
		outcome, result = "error", "error"
		return nil, fmt.Errorf("%w: get: %w", ErrRepository, err)
	}
	if current.Assigned() {
		return &AssignResult{Address: current.Address, Existing: true, Assignment: current}, nil
	}

	provisioned, err := p.provider.CreateAddress(ctx, in.UserID, in.Platform)
	if err != nil {
		outcome, result = "error", "upstream_failed"
		return nil, err
	}
	if provisioned.Address == "" {
		outcome, result = "error", "upstream_failed"
		return nil, domwallet.ErrInvalidAddress
	}

	won, err := p.repo.AssignIfEmpty(ctx, in.UserID, in.Platform, provisioned)
	if err != nil {
		outcome, result = "error", "error"
		return nil, fmt.Errorf("%w: assign: %w", ErrRepository, err)
	}

	winner, err := p.repo.Get(ctx, in.UserID, in.Platform)
	if err != nil {
		outcome, result = "error", "error"
		return nil, fmt.Errorf("%w: reread: %w", ErrRepository, err)
	}
	if won {
		result = "assigned"
		span.AddEvent("wallet.assigned")
		return &AssignResult{Address: winner.Address, Existing: false, Assignment: winner}, nil
	}

	result = "lost_race"
	logger.Warn("wallet_address_discarded",
		observability.F("discarded_address", provisioned.Address),
		observability.F("discarded_resource_id", provisioned.ResourceID),
		observability.F("winner_address", winner.Address),
	)
	if !winner.Assigned() {
		outcome = "error"
		return nil, fmt.Errorf("%w: assignment lost but no winner recorded", ErrRepository)
	}
	return &AssignResult{Address: winner.Address, Existing: true, Assignment: winner}, nil
}
