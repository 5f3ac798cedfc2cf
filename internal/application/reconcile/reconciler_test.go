package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	domprovider "github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider"
	"github.com/Zhima-Mochi/offramp-settlement/internal/domain/provider/providertest"
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
	repo *memory.OrderRepository
	pub  *recordingPublisher
	rec  *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.NewOrderRepository()
	pub := &recordingPublisher{}
	reg := domprovider.NewRegistry(providertest.New("fakepay", true))
	return &fixture{repo: repo, pub: pub, rec: New(repo, reg, pub, observability.Nop())}
}

func (f *fixture) seed(t *testing.T, id string) *domorder.Order {
	t.Helper()
	o, err := domorder.New(domorder.NewInput{
		ID: id, ProviderOrderID: "po-" + id, Provider: "fakepay",
		SourceAmount: decimal.NewFromInt(10), LocalCurrency: domorder.CurrencyKES,
		Destination: domorder.PhoneDestination("+254712345678"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.repo.Insert(context.Background(), o, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return o
}

func (f *fixture) apply(t *testing.T, id, raw string) (*Result, error) {
	t.Helper()
	return f.rec.Execute(context.Background(), Observation{OrderID: id, Source: domorder.SourceWebhook, RawStatus: raw})
}

func TestExecuteDecisions(t *testing.T) {
	tests := []struct {
		name         string
		steps        []string
		wantStatus   domorder.Status
		wantDecision domorder.Decision
		wantApplied  bool
		wantErr      error
	}{
		{name: "forward", steps: []string{"pending"}, wantStatus: domorder.StatusPending, wantDecision: domorder.DecisionApply, wantApplied: true},
		{name: "skip ahead", steps: []string{"settled"}, wantStatus: domorder.StatusSettled, wantDecision: domorder.DecisionApply, wantApplied: true},
		{name: "duplicate", steps: []string{"pending", "pending"}, wantStatus: domorder.StatusPending, wantDecision: domorder.DecisionDuplicate},
		{name: "stale", steps: []string{"validated", "pending"}, wantStatus: domorder.StatusValidated, wantDecision: domorder.DecisionStale},
		{name: "unknown", steps: []string{"on_hold"}, wantStatus: domorder.StatusInitiated, wantDecision: domorder.DecisionUnknown},
		{name: "terminal mismatch", steps: []string{"settled", "refunded"}, wantStatus: domorder.StatusSettled,
			wantDecision: domorder.DecisionTerminalMismatch, wantErr: domorder.ErrTerminalStateMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "o-1")
			var (
				res *Result
				err error
			)
			for _, raw := range tt.steps {
				res, err = f.apply(t, "o-1", raw)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Decision != tt.wantDecision || res.Applied != tt.wantApplied {
				t.Fatalf("result = %+v", res)
			}
			stored, _ := f.repo.Get(context.Background(), "o-1")
			if stored.Status != tt.wantStatus {
				t.Fatalf("stored status = %s, want %s", stored.Status, tt.wantStatus)
			}
			events, _ := f.repo.Events(context.Background(), "o-1")
			if len(events) != len(tt.steps) {
				t.Fatalf("events = %d, want one per observation", len(events))
			}
			if last := events[len(events)-1]; last.Applied != tt.wantApplied || last.Reason != string(tt.wantDecision) {
				t.Fatalf("last event = %+v", last)
			}
		})
	}
}

func TestSettledWebhookSetsCompletedAtOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1")

	res, err := f.rec.Execute(context.Background(), Observation{
		OrderID: "o-1", Source: domorder.SourceWebhook, RawStatus: "payment_order.settled", Reference: "0xabc",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Applied || !res.Order.IsSettled() || res.Status() != domorder.StatusSettled {
		t.Fatalf("result = %+v", res)
	}
	first, _ := f.repo.Get(context.Background(), "o-1")
	if first.CompletedAt == nil || first.SettlementReceiptID != "0xabc" {
		t.Fatalf("order = %+v", first)
	}

	time.Sleep(time.Millisecond)
	res, err = f.apply(t, "o-1", "payment_order.settled")
	if err != nil || res.Applied || !res.Accepted || res.Decision != domorder.DecisionDuplicate {
		t.Fatalf("replay = %+v, %v", res, err)
	}
	second, _ := f.repo.Get(context.Background(), "o-1")
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("completedAt moved: %v -> %v", first.CompletedAt, second.CompletedAt)
	}

	events, _ := f.repo.Events(context.Background(), "o-1")
	applied := 0
	for _, e := range events {
		if e.Applied {
			applied++
		}
	}
	if len(events) != 2 || applied != 1 {
		t.Fatalf("events = %d applied = %d, want 2 and 1", len(events), applied)
	}
	if len(f.pub.events) != 1 {
		t.Fatalf("published = %d, want 1", len(f.pub.events))
	}
}

func TestValidatedDoesNotSetCompletedAtButTakesReceipt(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1")
	if _, err := f.rec.Execute(context.Background(), Observation{OrderID: "o-1", Source: domorder.SourcePoll, RawStatus: "validated", Reference: "r-1"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	o, _ := f.repo.Get(context.Background(), "o-1")
	if !o.IsSettled() || o.CompletedAt != nil || o.SettlementReceiptID != "r-1" {
		t.Fatalf("order = %+v", o)
	}
	if o.PollAttemptCount != 1 || o.LastPolledAt == nil {
		t.Fatalf("poll counters not updated: %+v", o)
	}
}

func TestFailureAfterValidatedDropsReceipt(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1")
	for _, raw := range []string{"validated", "refunded"} {
		if _, err := f.rec.Execute(context.Background(), Observation{OrderID: "o-1", Source: domorder.SourceWebhook, RawStatus: raw, Reference: "r-1"}); err != nil {
			t.Fatalf("Execute %s: %v", raw, err)
		}
	}
	o, _ := f.repo.Get(context.Background(), "o-1")
	if o.Status != domorder.StatusRefunded || o.SettlementReceiptID != "" {
		t.Fatalf("order = %+v", o)
	}
}

func TestReceiptIgnoredForFailureStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1")
	_, _ = f.rec.Execute(context.Background(), Observation{OrderID: "o-1", Source: domorder.SourceWebhook, RawStatus: "refunded", Reference: "0xrefund"})
	o, _ := f.repo.Get(context.Background(), "o-1")
	if o.Status != domorder.StatusRefunded || o.SettlementReceiptID != "" || o.CompletedAt != nil {
		t.Fatalf("order = %+v", o)
	}
}

func TestFetchErrorRecordedWithoutEvaluation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1")
	res, err := f.rec.Execute(context.Background(), Observation{
		OrderID: "o-1", Source: domorder.SourcePoll, FetchError: domprovider.ErrUpstreamUnavailable,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Applied || res.Status() != domorder.StatusInitiated {
		t.Fatalf("result = %+v", res)
	}
	events, _ := f.repo.Events(context.Background(), "o-1")
	if len(events) != 1 || events[0].Applied || events[0].Canonical != domorder.StatusUnknown {
		t.Fatalf("events = %+v", events)
	}
}

func TestMissingOrder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.apply(t, "nope", "settled"); !errors.Is(err, domorder.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

// Concurrent webhook and poll observations for the same order must commit
// exactly one transition per target status and never move backwards.
func TestConcurrentObservationsStayMonotonic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "o-1")

	raws := []string{"pending", "validated", "settled", "pending", "validated", "settled"}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, raw := range raws {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.apply(t, "o-1", raw)
			}()
		}
	}
	wg.Wait()

	o, _ := f.repo.Get(context.Background(), "o-1")
	if o.Status != domorder.StatusSettled {
		t.Fatalf("final status = %s", o.Status)
	}
	events, _ := f.repo.Events(context.Background(), "o-1")
	appliedTo := map[domorder.Status]int{}
	var prev domorder.Status = domorder.StatusInitiated
	for _, e := range events {
		if !e.Applied {
			continue
		}
		appliedTo[e.Canonical]++
		if !prev.Later(e.Canonical) {
			t.Fatalf("applied events regress: %s then %s", prev, e.Canonical)
		}
		prev = e.Canonical
	}
	for s, n := range appliedTo {
		if n != 1 {
			t.Fatalf("status %s applied %d times", s, n)
		}
	}
}
