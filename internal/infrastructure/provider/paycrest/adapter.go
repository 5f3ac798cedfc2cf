// Package paycrest adapts the Paycrest sender API. Paycrest pushes status
// changes by webhook, so orders placed here are never polled upstream.
package paycrest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/provider/vendorhttp"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
)

const (
	Name            domorder.Provider = "paycrest"
	SignatureHeader                   = "X-Paycrest-Signature"

	eventPrefix = "payment_order."
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	// MobileMoneyInstitution is the institution code used for phone, till
	// and paybill destinations (e.g. SAFAKEPC for M-Pesa).
	MobileMoneyInstitution string
	Timeout                time.Duration
	HTTP                   *http.Client
}

type Adapter struct {
	client *vendorhttp.Client
	secret []byte
	mmInst string
}

var _ domprovider.Adapter = (*Adapter)(nil)

func New(cfg Config, tel observability.Observability) *Adapter {
	inst := cfg.MobileMoneyInstitution
	if inst == "" {
		inst = "SAFAKEPC"
	}
	return &Adapter{
		client: vendorhttp.New(vendorhttp.Config{
			Peer:    string(Name),
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{"API-Key": cfg.APIKey},
			Timeout: cfg.Timeout,
			HTTP:    cfg.HTTP,
		}, tel),
		secret: []byte(cfg.WebhookSecret),
		mmInst: inst,
	}
}

func (a *Adapter) Name() domorder.Provider   { return Name }
func (a *Adapter) SupportsPushUpdates() bool { return true }
func (a *Adapter) SignatureHeader() string   { return SignatureHeader }

type recipient struct {
	Institution       string `json:"institution"`
	AccountIdentifier string `json:"accountIdentifier"`
	AccountName       string `json:"accountName"`
	Memo              string `json:"memo"`
	ProviderID        string `json:"providerId,omitempty"`
	Currency          string `json:"currency"`
}

type createOrderRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	Network       string          `json:"network"`
	Recipient     recipient       `json:"recipient"`
	Reference     string          `json:"reference"`
	ReturnAddress string          `json:"returnAddress,omitempty"`
}

type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type orderData struct {
	ID             string          `json:"id"`
	Amount         decimal.Decimal `json:"amount"`
	AmountInLocal  decimal.Decimal `json:"amountInLocal"`
	SenderFee      decimal.Decimal `json:"senderFee"`
	TransactionFee decimal.Decimal `json:"transactionFee"`
	ReceiveAddress string          `json:"receiveAddress"`
	ValidUntil     *time.Time      `json:"validUntil"`
	Status         string          `json:"status"`
	TxHash         string          `json:"txHash"`
	Reference      string          `json:"reference"`
}

func (a *Adapter) CreateOrder(ctx context.Context, req domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error) {
	rcpt, err := a.recipientFor(req)
	if err != nil {
		return nil, err
	}
	var resp envelope[orderData]
	err = a.client.Do(ctx, http.MethodPost, "create_order", "/v1/sender/orders", createOrderRequest{
		Amount:        req.Amount,
		Token:         req.Token,
		Network:       req.Network,
		Recipient:     rcpt,
		Reference:     req.Reference,
		ReturnAddress: req.ReturnAddress,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Data.ID == "" || resp.Data.ReceiveAddress == "" {
		return nil, fmt.Errorf("%w: paycrest create order: missing id or receive address", domprovider.ErrUpstreamUnavailable)
	}
	raw := resp.Data.Status
	if raw == "" {
		raw = "initiated"
	}
	return &domprovider.CreateOrderResult{
		ProviderOrderID:    resp.Data.ID,
		DestinationAddress: resp.Data.ReceiveAddress,
		ExpiresAt:          resp.Data.ValidUntil,
		Fees:               resp.Data.SenderFee.Add(resp.Data.TransactionFee),
		LocalAmount:        resp.Data.AmountInLocal,
		RawStatus:          raw,
	}, nil
}

func (a *Adapter) recipientFor(req domprovider.CreateOrderRequest) (recipient, error) {
	d := req.Destination
	if err := d.Validate(); err != nil {
		return recipient{}, fmt.Errorf("%w: %w", domprovider.ErrValidationRejected, err)
	}
	r := recipient{
		AccountIdentifier: d.Identifier(),
		AccountName:       d.AccountName,
		Memo:              "Off-ramp " + req.Reference,
		Currency:          string(req.LocalCurrency),
		Institution:       a.mmInst,
	}
	switch d.Kind {
	case domorder.DestinationBank:
		r.Institution = d.BankCode
	case domorder.DestinationPaybill:
		r.Memo = d.AccountNumber
	}
	if r.AccountName == "" {
		r.AccountName = r.AccountIdentifier
	}
	return r, nil
}

func (a *Adapter) FetchStatus(ctx context.Context, providerOrderID string) (*domprovider.StatusReport, error) {
	var resp envelope[orderData]
	if err := a.client.Do(ctx, http.MethodGet, "fetch_status", "/v1/sender/orders/"+url.PathEscape(providerOrderID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Status == "" {
		return nil, fmt.Errorf("%w: paycrest fetch status: empty status", domprovider.ErrUpstreamUnavailable)
	}
	return &domprovider.StatusReport{RawStatus: resp.Data.Status, Reference: resp.Data.TxHash}, nil
}

// Normalize accepts both bare statuses ("settled") and webhook event names
// ("payment_order.settled").
func (a *Adapter) Normalize(raw string) domorder.Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, eventPrefix)
	switch s {
	case "initiated":
		return domorder.StatusInitiated
	case "pending", "processing", "fulfilled":
		return domorder.StatusPending
	case "validated":
		return domorder.StatusValidated
	case "settled":
		return domorder.StatusSettled
	case "refunded":
		return domorder.StatusRefunded
	case "expired":
		return domorder.StatusExpired
	case "cancelled", "canceled":
		return domorder.StatusCancelled
	case "failed":
		return domorder.StatusFailed
	default:
		return domorder.StatusUnknown
	}
}

// VerifySignature checks a hex HMAC-SHA256 of the raw body.
func (a *Adapter) VerifySignature(payload []byte, signature string) bool {
	if len(a.secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(a.secret, payload))
}

// Sign returns the raw HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

type webhookPayload struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  *struct {
		ID        string     `json:"id"`
		Status    string     `json:"status"`
		TxHash    string     `json:"txHash"`
		Reference string     `json:"reference"`
		UpdatedAt *time.Time `json:"updatedAt"`
	} `json:"data"`
}

// ParseWebhook only accepts payment_order.* events carrying an order id.
func (a *Adapter) ParseWebhook(payload []byte) (*domprovider.WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", domprovider.ErrMalformedPayload, err)
	}
	if !strings.HasPrefix(p.Event, eventPrefix) || len(p.Event) == len(eventPrefix) {
		return nil, fmt.Errorf("%w: unsupported event %q", domprovider.ErrMalformedPayload, p.Event)
	}
	if p.Data == nil || p.Data.ID == "" {
		return nil, fmt.Errorf("%w: missing data.id", domprovider.ErrMalformedPayload)
	}
	raw := p.Event
	if p.Data.Status != "" {
		raw = p.Data.Status
	}
	ev := &domprovider.WebhookEvent{
		EventID:         p.ID,
		ProviderOrderID: p.Data.ID,
		RawStatus:       raw,
		Reference:       p.Data.TxHash,
		OccurredAt:      time.Now().UTC(),
	}
	if p.Data.UpdatedAt != nil {
		ev.OccurredAt = p.Data.UpdatedAt.UTC()
	}
	return ev, nil
}
