package provider

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
)

var (
	ErrUpstreamUnavailable = errors.New("provider: upstream unavailable")
	ErrValidationRejected  = errors.New("provider: validation rejected")
	ErrNotFound            = errors.New("provider: order not found upstream")
	ErrUnauthorized        = errors.New("provider: signature verification failed")
	ErrMalformedPayload    = errors.New("provider: malformed payload")
	ErrUnknownProvider     = errors.New("provider: unknown provider")
)

type CreateOrderRequest struct {
	// Reference is our internal order id, echoed back by vendors that support it.
	Reference     string
	Amount        decimal.Decimal
	Token         string
	Network       string
	LocalCurrency domorder.Currency
	Destination   domorder.Destination
	ReturnAddress string
}

type CreateOrderResult struct {
	ProviderOrderID    string
	DestinationAddress string
	ExpiresAt          *time.Time
	Fees               decimal.Decimal
	LocalAmount        decimal.Decimal
	RawStatus          string
}

// StatusReport is a single fetched upstream status.
type StatusReport struct {
	RawStatus string
	// Reference is the vendor's settlement reference (tx hash, receipt no),
	// when the vendor reports one.
	Reference string
}

// WebhookEvent is a parsed push notification. Parsing fails closed: vendors
// reject shapes they do not recognise instead of returning partial events.
type WebhookEvent struct {
	EventID         string
	ProviderOrderID string
	RawStatus       string
	Reference       string
	OccurredAt      time.Time
}

// Adapter hides one vendor's transport and status vocabulary.
type Adapter interface {
	Name() domorder.Provider
	SupportsPushUpdates() bool
	SignatureHeader() string

	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateOrderResult, error)
	FetchStatus(ctx context.Context, providerOrderID string) (*StatusReport, error)

	// Normalize must be total: unrecognised input maps to StatusUnknown.
	Normalize(raw string) domorder.Status
	VerifySignature(payload []byte, signature string) bool
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}
