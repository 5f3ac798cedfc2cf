// Package providertest offers a scriptable in-memory Adapter for tests.
package providertest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
)

// Step is one scripted FetchStatus answer.
type Step struct {
	Raw       string
	Reference string
	Err       error
}

// Fake normalizes lower-case canonical names ("settled" -> SETTLED) and
// replays a fixed FetchStatus script; the last step repeats once exhausted.
type Fake struct {
	ProviderName domorder.Provider
	Push         bool
	Secret       string

	CreateFunc func(ctx context.Context, req domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error)

	mu      sync.Mutex
	script  []Step
	fetches int
}

var _ domprovider.Adapter = (*Fake)(nil)

func New(name domorder.Provider, push bool, script ...Step) *Fake {
	return &Fake{ProviderName: name, Push: push, Secret: "secret", script: script}
}

func (f *Fake) Name() domorder.Provider   { return f.ProviderName }
func (f *Fake) SupportsPushUpdates() bool { return f.Push }
func (f *Fake) SignatureHeader() string   { return "X-Fake-Signature" }

func (f *Fake) CreateOrder(ctx context.Context, req domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error) {
	if f.CreateFunc != nil {
		return f.CreateFunc(ctx, req)
	}
	exp := time.Now().Add(30 * time.Minute).UTC()
	return &domprovider.CreateOrderResult{
		ProviderOrderID:    "po-" + req.Reference,
		DestinationAddress: "0xdeposit",
		ExpiresAt:          &exp,
		LocalAmount:        req.Amount.Mul(decimal.NewFromInt(129)),
		RawStatus:          "initiated",
	}, nil
}

// FetchStatus answers from the script. A nil script reports NotFound.
func (f *Fake) FetchStatus(ctx context.Context, providerOrderID string) (*domprovider.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domprovider.ErrUpstreamUnavailable, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.script) == 0 {
		return nil, domprovider.ErrNotFound
	}
	i := f.fetches - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	s := f.script[i]
	if s.Err != nil {
		return nil, s.Err
	}
	return &domprovider.StatusReport{RawStatus: s.Raw, Reference: s.Reference}, nil
}

// Fetches reports how many times FetchStatus ran.
func (f *Fake) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *Fake) Normalize(raw string) domorder.Status {
	s := domorder.Status(strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(raw), "payment_order.")))
	if !s.Valid() {
		return domorder.StatusUnknown
	}
	return s
}

func (f *Fake) VerifySignature(payload []byte, signature string) bool {
	if f.Secret == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(f.Sign(payload)))
}

// Sign returns the hex HMAC-SHA256 a real sender would attach.
func (f *Fake) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(f.Secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Webhook is the payload shape ParseWebhook accepts.
type Webhook struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	OrderID string `json:"order_id"`
	TxHash  string `json:"tx_hash,omitempty"`
}

func (w Webhook) Bytes() []byte {
	b, _ := json.Marshal(w)
	return b
}

func (f *Fake) ParseWebhook(payload []byte) (*domprovider.WebhookEvent, error) {
	var w Webhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", domprovider.ErrMalformedPayload, err)
	}
	if w.Event == "" || w.OrderID == "" {
		return nil, fmt.Errorf("%w: %w", domprovider.ErrMalformedPayload, errors.New("event and order_id are required"))
	}
	return &domprovider.WebhookEvent{
		EventID:         w.ID,
		ProviderOrderID: w.OrderID,
		RawStatus:       w.Event,
		Reference:       w.TxHash,
		OccurredAt:      time.Now().UTC(),
	}, nil
}
