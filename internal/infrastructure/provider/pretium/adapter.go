// Package pretium adapts the Pretium off-ramp API. Pretium has no webhook
// channel; settlement is discovered by polling only.
package pretium

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/provider/vendorhttp"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
)

const Name domorder.Provider = "pretium"

type Config struct {
	BaseURL string
	APIKey  string
	Chain   string
	Timeout time.Duration
	HTTP    *http.Client
}

type Adapter struct {
	client *vendorhttp.Client
	chain  string
}

var _ domprovider.Adapter = (*Adapter)(nil)

func New(cfg Config, tel observability.Observability) *Adapter {
	chain := cfg.Chain
	if chain == "" {
		chain = "BASE"
	}
	return &Adapter{
		client: vendorhttp.New(vendorhttp.Config{
			Peer:    string(Name),
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{"x-api-key": cfg.APIKey},
			Timeout: cfg.Timeout,
			HTTP:    cfg.HTTP,
		}, tel),
		chain: chain,
	}
}

func (a *Adapter) Name() domorder.Provider   { return Name }
func (a *Adapter) SupportsPushUpdates() bool { return false }
func (a *Adapter) SignatureHeader() string   { return "X-Pretium-Signature" }

type payRequest struct {
	Type          string          `json:"type"`
	Shortcode     string          `json:"shortcode"`
	AccountNumber string          `json:"account_number,omitempty"`
	BankCode      string          `json:"bank_code,omitempty"`
	AccountName   string          `json:"account_name,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
	Chain         string          `json:"chain"`
	Reference     string          `json:"reference"`
}

type response[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type transaction struct {
	TransactionCode string          `json:"transaction_code"`
	DepositAddress  string          `json:"deposit_address"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	AmountInLocal   decimal.Decimal `json:"amount_in_local"`
	Fee             decimal.Decimal `json:"fee"`
	Status          string          `json:"status"`
	ReceiptNumber   string          `json:"receipt_number"`
}

func payType(kind domorder.DestinationKind) string {
	switch kind {
	case domorder.DestinationTill:
		return "BUY_GOODS"
	case domorder.DestinationPaybill:
		return "PAYBILL"
	case domorder.DestinationBank:
		return "BANK_TRANSFER"
	default:
		return "MOBILE"
	}
}

func (a *Adapter) CreateOrder(ctx context.Context, req domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error) {
	d := req.Destination
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domprovider.ErrValidationRejected, err)
	}
	body := payRequest{
		Type:      payType(d.Kind),
		Shortcode: d.Identifier(),
		Amount:    req.Amount,
		Asset:     strings.ToUpper(req.Token),
		Chain:     a.chain,
		Reference: req.Reference,
	}
	switch d.Kind {
	case domorder.DestinationPaybill:
		body.AccountNumber = d.AccountNumber
	case domorder.DestinationBank:
		body.AccountNumber = d.AccountNumber
		body.BankCode = d.BankCode
		body.AccountName = d.AccountName
	}

	var resp response[transaction]
	path := "/v1/pay/" + url.PathEscape(string(req.LocalCurrency))
	if err := a.client.Do(ctx, http.MethodPost, "create_order", path, body, &resp); err != nil {
		return nil, err
	}
	tx := resp.Data
	if tx.TransactionCode == "" || tx.DepositAddress == "" {
		return nil, fmt.Errorf("%w: pretium pay: missing transaction code or deposit address", domprovider.ErrUpstreamUnavailable)
	}
	raw := tx.Status
	if raw == "" {
		raw = "PENDING"
	}
	return &domprovider.CreateOrderResult{
		ProviderOrderID:    tx.TransactionCode,
		DestinationAddress: tx.DepositAddress,
		ExpiresAt:          tx.ExpiresAt,
		Fees:               tx.Fee,
		LocalAmount:        tx.AmountInLocal,
		RawStatus:          raw,
	}, nil
}

type statusRequest struct {
	TransactionCode string `json:"transaction_code"`
}

func (a *Adapter) FetchStatus(ctx context.Context, providerOrderID string) (*domprovider.StatusReport, error) {
	var resp response[transaction]
	if err := a.client.Do(ctx, http.MethodPost, "fetch_status", "/v1/status", statusRequest{TransactionCode: providerOrderID}, &resp); err != nil {
		return nil, err
	}
	// Pretium answers unknown codes with 200 and an empty record.
	if resp.Data.Status == "" {
		return nil, fmt.Errorf("%w: pretium transaction %s", domprovider.ErrNotFound, providerOrderID)
	}
	return &domprovider.StatusReport{RawStatus: resp.Data.Status, Reference: resp.Data.ReceiptNumber}, nil
}

func (a *Adapter) Normalize(raw string) domorder.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "PROCESSING":
		return domorder.StatusPending
	case "COMPLETE", "COMPLETED", "SUCCESS":
		return domorder.StatusSettled
	case "FAILED":
		return domorder.StatusFailed
	case "REVERSED", "REFUNDED":
		return domorder.StatusRefunded
	case "CANCELLED", "CANCELED":
		return domorder.StatusCancelled
	case "EXPIRED":
		return domorder.StatusExpired
	default:
		return domorder.StatusUnknown
	}
}

// VerifySignature always fails: Pretium never sends webhooks, so anything
// arriving on its webhook route is forged.
func (a *Adapter) VerifySignature([]byte, string) bool { return false }

func (a *Adapter) ParseWebhook([]byte) (*domprovider.WebhookEvent, error) {
	return nil, fmt.Errorf("%w: pretium does not deliver webhooks", domprovider.ErrMalformedPayload)
}
