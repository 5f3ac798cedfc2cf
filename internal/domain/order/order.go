package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound              = errors.New("order: not found")
	ErrConflict              = errors.New("order: conflict")
	ErrTerminalStateMismatch = errors.New("order: terminal state mismatch")
	ErrInvalidAmount         = errors.New("order: amount must be greater than zero")
	ErrInvalidCurrency       = errors.New("order: local currency is required")
	ErrInvalidProvider       = errors.New("order: provider is required")
)

// Provider identifies the settlement vendor an order was placed with.
type Provider string

type Currency string

const (
	CurrencyKES Currency = "KES"
	CurrencyNGN Currency = "NGN"
	CurrencyUGX Currency = "UGX"
	CurrencyTZS Currency = "TZS"
	CurrencyGHS Currency = "GHS"
)

// Order is one off-ramp attempt. It is created once the provider confirms the
// upstream order and afterwards only the reconciler changes its status.
type Order struct {
	ID              string
	ProviderOrderID string
	Provider        Provider

	// SourceAmount is the stablecoin total debited from the user; NetAmount is
	// the part forwarded to the provider and FeeAmount the remainder.
	SourceAmount  decimal.Decimal
	NetAmount     decimal.Decimal
	FeeAmount     decimal.Decimal
	LocalAmount   decimal.Decimal
	LocalCurrency Currency
	Destination   Destination

	// DepositAddress is where the user sends the stablecoin; it expires at ExpiresAt.
	DepositAddress string
	ExpiresAt      *time.Time

	Status            Status
	ProviderRawStatus string

	PollAttemptCount int
	LastPolledAt     *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	SettlementReceiptID string
}

type NewInput struct {
	ID              string
	ProviderOrderID string
	Provider        Provider
	SourceAmount    decimal.Decimal
	NetAmount       decimal.Decimal
	FeeAmount       decimal.Decimal
	LocalAmount     decimal.Decimal
	LocalCurrency   Currency
	Destination     Destination
	DepositAddress  string
	ExpiresAt       *time.Time
	RawStatus       string
}

// New builds an order in the INITIATED state.
func New(in NewInput) (*Order, error) {
	if in.Provider == "" {
		return nil, ErrInvalidProvider
	}
	if in.ID == "" || in.ProviderOrderID == "" {
		return nil, errors.New("order: id and provider order id are required")
	}
	if !in.SourceAmount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if in.LocalCurrency == "" {
		return nil, ErrInvalidCurrency
	}
	if err := in.Destination.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Order{
		ID:                in.ID,
		ProviderOrderID:   in.ProviderOrderID,
		Provider:          in.Provider,
		SourceAmount:      in.SourceAmount,
		NetAmount:         in.NetAmount,
		FeeAmount:         in.FeeAmount,
		LocalAmount:       in.LocalAmount,
		LocalCurrency:     in.LocalCurrency,
		Destination:       in.Destination,
		DepositAddress:    in.DepositAddress,
		ExpiresAt:         in.ExpiresAt,
		Status:            StatusInitiated,
		ProviderRawStatus: in.RawStatus,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// IsSettled reports whether the order counts as a user-facing success.
func (o *Order) IsSettled() bool { return o.Status.IsSettled() }

func (o *Order) IsTerminal() bool { return o.Status.IsTerminal() }

// Clone returns a deep copy safe to hand out of a store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.ExpiresAt = cloneTime(o.ExpiresAt)
	c.LastPolledAt = cloneTime(o.LastPolledAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
