package offramp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/reconcile"
	"github.com/Zhima-Mochi/offramp-settlement/internal/domain/fee"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider/providertest"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/id"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	repo   *memory.OrderRepository
	fake   *providertest.Fake
	pub    *recordingPublisher
	create *CreateOrderUseCase
	check  *CheckStatusUseCase
	reader *Reader

	mu       sync.Mutex
	requests []domprovider.CreateOrderRequest
}

func newFixture(t *testing.T, script ...providertest.Step) *fixture {
	t.Helper()
	repo := memory.NewOrderRepository()
	fake := providertest.New("fakepay", true, script...)
	reg := domprovider.NewRegistry(fake)
	calc, err := fee.NewCalculator(decimal.RequireFromString("0.01"), 6)
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	pub := &recordingPublisher{}
	f := &fixture{repo: repo, fake: fake, pub: pub, reader: NewReader(repo)}

	fake.CreateFunc = func(_ context.Context, req domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error) {
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		return &domprovider.CreateOrderResult{
			ProviderOrderID:    "po-" + req.Reference,
			DestinationAddress: "0xdeposit",
			LocalAmount:        req.Amount.Mul(decimal.NewFromInt(129)),
			RawStatus:          "initiated",
		}, nil
	}
	f.create = NewCreateOrderUseCase(repo, reg, calc, Settlement{Token: "USDC", Network: "base"},
		id.NewSequence("ord"), pub, observability.Nop())
	rec := reconcile.New(repo, reg, nil, observability.Nop())
	f.check = NewCheckStatusUseCase(repo, reg, rec, 0, observability.Nop())
	return f
}

func phoneInput() CreateOrderInput {
	return CreateOrderInput{
		Provider:      "fakepay",
		TotalAmount:   decimal.RequireFromString("101"),
		LocalCurrency: domorder.CurrencyKES,
		Destination:   domorder.PhoneDestination("+254712345678"),
	}
}

func TestCreateOrderFromTotal(t *testing.T) {
	f := newFixture(t)

	res, err := f.create.Execute(context.Background(), phoneInput())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Breakdown.Recipient.Equal(decimal.NewFromInt(100)) || !res.Breakdown.Fee.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("breakdown = %+v", res.Breakdown)
	}
	if len(f.requests) != 1 {
		t.Fatalf("upstream calls = %d", len(f.requests))
	}
	req := f.requests[0]
	if !req.Amount.Equal(decimal.NewFromInt(100)) || req.Reference != "ord-1" || req.Token != "USDC" || req.Network != "base" {
		t.Fatalf("request = %+v", req)
	}

	stored, err := f.reader.Get(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != domorder.StatusInitiated || stored.ProviderOrderID != "po-ord-1" || stored.DepositAddress != "0xdeposit" {
		t.Fatalf("stored = %+v", stored)
	}
	if !stored.NetAmount.Add(stored.FeeAmount).Equal(stored.SourceAmount) {
		t.Fatalf("amounts drifted: %s + %s != %s", stored.NetAmount, stored.FeeAmount, stored.SourceAmount)
	}

	events, _ := f.reader.Events(context.Background(), "ord-1")
	if len(events) != 1 || !events[0].Applied || events[0].Reason != reasonCreated {
		t.Fatalf("events = %+v", events)
	}
	if len(f.pub.events) != 1 {
		t.Fatalf("published = %d", len(f.pub.events))
	}
	created, ok := f.pub.events[0].(domorder.OrderCreatedEvent)
	if !ok || created.OrderID != "ord-1" || !created.PushUpdates {
		t.Fatalf("event = %+v", f.pub.events[0])
	}
}

func TestCreateOrderFromRecipient(t *testing.T) {
	f := newFixture(t)
	in := phoneInput()
	in.TotalAmount = decimal.Zero
	in.RecipientAmount = decimal.RequireFromString("100")

	res, err := f.create.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Order.SourceAmount.Equal(decimal.NewFromInt(101)) || !res.Order.NetAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("order = %+v", res.Order)
	}
}

func TestCreateOrderStartsAtReportedProgress(t *testing.T) {
	f := newFixture(t)
	f.fake.CreateFunc = func(_ context.Context, req domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error) {
		return &domprovider.CreateOrderResult{ProviderOrderID: "tx-1", DestinationAddress: "0xabc", RawStatus: "PENDING"}, nil
	}
	res, err := f.create.Execute(context.Background(), phoneInput())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Order.Status != domorder.StatusPending {
		t.Fatalf("status = %s", res.Order.Status)
	}

	f.fake.CreateFunc = func(_ context.Context, req domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error) {
		return &domprovider.CreateOrderResult{ProviderOrderID: "tx-2", RawStatus: "SETTLED"}, nil
	}
	res, err = f.create.Execute(context.Background(), phoneInput())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Order.Status != domorder.StatusInitiated {
		t.Fatalf("order created terminal: %s", res.Order.Status)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateOrderInput)
		want   error
	}{
		{name: "no provider", mutate: func(in *CreateOrderInput) { in.Provider = "" }, want: ErrValidation},
		{name: "no currency", mutate: func(in *CreateOrderInput) { in.LocalCurrency = "" }, want: ErrValidation},
		{name: "both amounts", mutate: func(in *CreateOrderInput) { in.RecipientAmount = decimal.NewFromInt(5) }, want: ErrValidation},
		{name: "no amount", mutate: func(in *CreateOrderInput) { in.TotalAmount = decimal.Zero }, want: ErrValidation},
		{name: "negative amount", mutate: func(in *CreateOrderInput) { in.TotalAmount = decimal.NewFromInt(-1) }, want: ErrValidation},
		{name: "amount finer than unit", mutate: func(in *CreateOrderInput) { in.TotalAmount = decimal.RequireFromString("10.1234567") }, want: ErrValidation},
		{name: "mixed destination", mutate: func(in *CreateOrderInput) { in.Destination.TillNumber = "123456" }, want: domorder.ErrInvalidDestination},
		{name: "unknown provider", mutate: func(in *CreateOrderInput) { in.Provider = "nopay" }, want: domprovider.ErrUnknownProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := phoneInput()
			tt.mutate(&in)
			if _, err := f.create.Execute(context.Background(), in); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(f.requests) != 0 {
				t.Fatal("invalid input reached the vendor")
			}
		})
	}
}

func TestCreateOrderUpstreamRejection(t *testing.T) {
	f := newFixture(t)
	f.fake.CreateFunc = func(context.Context, domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error) {
		return nil, domprovider.ErrValidationRejected
	}
	if _, err := f.create.Execute(context.Background(), phoneInput()); !errors.Is(err, domprovider.ErrValidationRejected) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.reader.Get(context.Background(), "ord-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("order stored after rejection: %v", err)
	}
	if len(f.pub.events) != 0 {
		t.Fatal("event published after rejection")
	}
}

func TestCreateOrderDuplicateProviderOrder(t *testing.T) {
	f := newFixture(t)
	f.fake.CreateFunc = func(context.Context, domprovider.CreateOrderRequest) (*domprovider.CreateOrderResult, error) {
		return &domprovider.CreateOrderResult{ProviderOrderID: "same", RawStatus: "initiated"}, nil
	}
	if _, err := f.create.Execute(context.Background(), phoneInput()); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.create.Execute(context.Background(), phoneInput()); !errors.Is(err, ErrConflict) {
		t.Fatalf("second err = %v", err)
	}
}

func TestCheckStatus(t *testing.T) {
	f := newFixture(t, providertest.Step{Raw: "payment_order.settled", Reference: "0xr"})
	if _, err := f.create.Execute(context.Background(), phoneInput()); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := f.check.Execute(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if res.RawStatus != "payment_order.settled" || res.Canonical != domorder.StatusSettled || !res.Applied {
		t.Fatalf("result = %+v", res)
	}
	if res.Order.SettlementReceiptID != "0xr" || f.fake.Fetches() != 1 {
		t.Fatalf("order = %+v fetches = %d", res.Order, f.fake.Fetches())
	}

	again, err := f.check.Execute(context.Background(), "ord-1")
	if err != nil || again.Applied || again.Decision != domorder.DecisionDuplicate {
		t.Fatalf("second check = %+v, %v", again, err)
	}
}

func TestCheckStatusErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.check.Execute(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing order err = %v", err)
	}
	if _, err := f.create.Execute(context.Background(), phoneInput()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.check.Execute(context.Background(), "ord-1"); !errors.Is(err, domprovider.ErrNotFound) {
		t.Fatalf("upstream missing err = %v", err)
	}
	if _, err := f.reader.Events(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Events err = %v", err)
	}
}
