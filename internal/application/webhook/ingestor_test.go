package webhook

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Zhima-Mochi/offramp-settlement/internal/application/reconcile"
	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider/providertest"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/id"
	"github.com/Zhima-Mochi/offramp-settlement/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
)

type fixture struct {
	orders     *memory.OrderRepository
	deliveries *memory.DeliveryRepository
	fake       *providertest.Fake
	ingestor   *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orders := memory.NewOrderRepository()
	deliveries := memory.NewDeliveryRepository()
	fake := providertest.New("pushpay", true)
	reg := domprovider.NewRegistry(fake)
	rec := reconcile.New(orders, reg, nil, observability.Nop())
	return &fixture{
		orders:     orders,
		deliveries: deliveries,
		fake:       fake,
		ingestor:   NewIngestor(orders, deliveries, reg, rec, id.NewSequence("dlv"), observability.Nop()),
	}
}

func (f *fixture) seed(t *testing.T, orderID, providerOrderID string) {
	t.Helper()
	o, err := domorder.New(domorder.NewInput{
		ID: orderID, ProviderOrderID: providerOrderID, Provider: "pushpay",
		SourceAmount: decimal.NewFromInt(50), LocalCurrency: domorder.CurrencyNGN,
		Destination: domorder.BankDestination("0123456789", "058", "Ada"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.orders.Insert(context.Background(), o, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func (f *fixture) deliver(body []byte) (*Ack, error) {
	return f.ingestor.Ingest(context.Background(), "pushpay", body, f.fake.Sign(body))
}

func countApplied(events []*domorder.StatusEvent) int {
	n := 0
	for _, e := range events {
		if e.Applied {
			n++
		}
	}
	return n
}

func TestDuplicateSettledDeliveries(t *testing.T) {
	tests := []struct {
		name    string
		eventID string
	}{
		{name: "vendor event id", eventID: "evt-1"},
		{name: "no event id", eventID: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "o-1", "po-1")
			body := providertest.Webhook{ID: tt.eventID, Event: "payment_order.settled", OrderID: "po-1", TxHash: "0xfeed"}.Bytes()

			first, err := f.deliver(body)
			if err != nil || !first.Applied || first.Status != domorder.StatusSettled {
				t.Fatalf("first = %+v, %v", first, err)
			}
			second, err := f.deliver(body)
			if err != nil || second.Applied || !second.Duplicate {
				t.Fatalf("second = %+v, %v", second, err)
			}

			events, _ := f.orders.Events(context.Background(), "o-1")
			if len(events) != 2 || countApplied(events) != 1 {
				t.Fatalf("events = %d applied = %d", len(events), countApplied(events))
			}
			if events[1].Reason != string(domorder.DecisionDuplicate) {
				t.Fatalf("second event reason = %q", events[1].Reason)
			}
			o, _ := f.orders.Get(context.Background(), "o-1")
			if !o.IsSettled() || o.CompletedAt == nil || o.SettlementReceiptID != "0xfeed" {
				t.Fatalf("order = %+v", o)
			}
		})
	}
}

func TestIngestRejections(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1", "po-1")
	good := providertest.Webhook{ID: "evt-1", Event: "payment_order.pending", OrderID: "po-1"}.Bytes()

	tests := []struct {
		name      string
		provider  domorder.Provider
		body      []byte
		signature string
		want      error
	}{
		{name: "unknown provider", provider: "nopay", body: good, signature: f.fake.Sign(good), want: ErrUnknownProvider},
		{name: "bad signature", provider: "pushpay", body: good, signature: "deadbeef", want: ErrUnauthorized},
		{name: "missing signature", provider: "pushpay", body: good, want: ErrUnauthorized},
		{name: "not json", provider: "pushpay", body: []byte("{"), signature: f.fake.Sign([]byte("{")), want: ErrMalformedPayload},
		{name: "unrecognised shape", provider: "pushpay", body: []byte(`{"foo":"bar"}`), signature: f.fake.Sign([]byte(`{"foo":"bar"}`)), want: ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := f.ingestor.Ingest(context.Background(), tt.provider, tt.body, tt.signature)
			if !errors.Is(err, tt.want) || ack != nil {
				t.Fatalf("Ingest = %+v, %v; want %v", ack, err, tt.want)
			}
		})
	}
	events, _ := f.orders.Events(context.Background(), "o-1")
	if len(events) != 0 {
		t.Fatalf("rejected deliveries produced %d events", len(events))
	}
}

func TestProcessingFailureIsParkedAndRetriable(t *testing.T) {
	f := newFixture(t)
	body := providertest.Webhook{ID: "evt-9", Event: "payment_order.validated", OrderID: "po-late"}.Bytes()

	ack, err := f.deliver(body)
	if err != nil {
		t.Fatalf("Ingest must acknowledge, got %v", err)
	}
	if ack.DeliveryID == "" || ack.ProcessingError == "" {
		t.Fatalf("ack = %+v", ack)
	}

	failed, _ := f.ingestor.ListFailed(context.Background(), 0)
	if len(failed) != 1 || failed[0].ID != ack.DeliveryID || string(failed[0].Payload) != string(body) {
		t.Fatalf("failed = %+v", failed)
	}

	if _, err := f.ingestor.Retry(context.Background(), ack.DeliveryID); !errors.Is(err, ErrRetryFailed) {
		t.Fatalf("Retry before order exists err = %v", err)
	}
	d, _ := f.deliveries.Get(context.Background(), ack.DeliveryID)
	if d.Attempts != 2 || d.Resolved() {
		t.Fatalf("delivery = %+v", d)
	}

	f.seed(t, "o-late", "po-late")
	retried, err := f.ingestor.Retry(context.Background(), ack.DeliveryID)
	if err != nil || !retried.Applied || retried.Status != domorder.StatusValidated {
		t.Fatalf("Retry = %+v, %v", retried, err)
	}
	if failed, _ := f.ingestor.ListFailed(context.Background(), 10); len(failed) != 0 {
		t.Fatalf("still unresolved: %+v", failed)
	}

	again, err := f.ingestor.Retry(context.Background(), ack.DeliveryID)
	if err != nil || again.Applied {
		t.Fatalf("Retry of resolved delivery = %+v, %v", again, err)
	}
}

type failingReconciler struct{ err error }

func (r failingReconciler) Execute(context.Context, reconcile.Observation) (*reconcile.Result, error) {
	return nil, r.err
}

func TestReconcilerFailureStillAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1", "po-1")
	f.ingestor.reconciler = failingReconciler{err: reconcile.ErrRepository}

	ack, err := f.deliver(providertest.Webhook{Event: "payment_order.settled", OrderID: "po-1"}.Bytes())
	if err != nil || ack.DeliveryID == "" || ack.OrderID != "o-1" {
		t.Fatalf("Ingest = %+v, %v", ack, err)
	}
}

func TestTerminalMismatchIsNotParked(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1", "po-1")
	if _, err := f.deliver(providertest.Webhook{ID: "a", Event: "payment_order.settled", OrderID: "po-1"}.Bytes()); err != nil {
		t.Fatalf("settle: %v", err)
	}
	ack, err := f.deliver(providertest.Webhook{ID: "b", Event: "payment_order.refunded", OrderID: "po-1"}.Bytes())
	if err != nil || ack.Applied || ack.DeliveryID != "" || ack.Decision != domorder.DecisionTerminalMismatch {
		t.Fatalf("ack = %+v, %v", ack, err)
	}
	if ack.Status != domorder.StatusSettled {
		t.Fatalf("status = %s", ack.Status)
	}
	failed, _ := f.ingestor.ListFailed(context.Background(), 0)
	if len(failed) != 0 {
		t.Fatalf("mismatch parked: %+v", failed)
	}
}
