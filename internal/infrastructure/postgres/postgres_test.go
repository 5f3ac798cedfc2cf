package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domwallet "github.com/Zhima-Mochi/offramp-settlement/internal/domain/wallet"
	domwebhook "github.com/Zhima-Mochi/offramp-settlement/internal/domain/webhook"
)

// Integration tests run against a real database only when
// OFFRAMP_TEST_DATABASE_URL is set.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("OFFRAMP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("OFFRAMP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, dsn, 8)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return pool
}

func newOrder(t *testing.T) *domorder.Order {
	t.Helper()
	o, err := domorder.New(domorder.NewInput{
		ID:              uuid.NewString(),
		ProviderOrderID: uuid.NewString(),
		Provider:        "paycrest",
		SourceAmount:    decimal.RequireFromString("10.10"),
		NetAmount:       decimal.RequireFromString("10"),
		FeeAmount:       decimal.RequireFromString("0.10"),
		LocalCurrency:   domorder.CurrencyKES,
		Destination:     domorder.PaybillDestination("888880", "ACC-1"),
		DepositAddress:  "0xdead",
		RawStatus:       "initiated",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestOrderRepositoryRoundTripAndCAS(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewOrderRepository(pool)
	o := newOrder(t)

	initial := domorder.NewStatusEvent(o, domorder.SourcePoll, "initiated", domorder.StatusInitiated, time.Now())
	initial.Applied = true
	if err := repo.Insert(ctx, o, initial); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	dup := newOrder(t)
	dup.ProviderOrderID = o.ProviderOrderID
	if err := repo.Insert(ctx, dup, nil); !errors.Is(err, domorder.ErrConflict) {
		t.Fatalf("duplicate insert err = %v", err)
	}

	got, err := repo.GetByProviderOrderID(ctx, o.Provider, o.ProviderOrderID)
	if err != nil {
		t.Fatalf("GetByProviderOrderID: %v", err)
	}
	if !got.SourceAmount.Equal(o.SourceAmount) || got.Destination != o.Destination || got.Status != domorder.StatusInitiated {
		t.Fatalf("round trip = %+v", got)
	}

	now := time.Now().UTC()
	ev := domorder.NewStatusEvent(o, domorder.SourceWebhook, "settled", domorder.StatusSettled, now)
	ev.Applied = true
	ev.ExternalEventID = "evt-" + o.ID
	tr := domorder.Transition{OrderID: o.ID, From: domorder.StatusInitiated, To: domorder.StatusSettled,
		RawStatus: "settled", At: now, CompletedAt: &now, ReceiptID: "0xabc", Event: ev}
	if err := repo.CommitTransition(ctx, tr); err != nil {
		t.Fatalf("CommitTransition: %v", err)
	}
	if err := repo.CommitTransition(ctx, tr); !errors.Is(err, domorder.ErrConflict) {
		t.Fatalf("stale CommitTransition err = %v", err)
	}

	got, _ = repo.Get(ctx, o.ID)
	if got.Status != domorder.StatusSettled || got.CompletedAt == nil || got.SettlementReceiptID != "0xabc" {
		t.Fatalf("after commit = %+v", got)
	}
	events, _ := repo.Events(ctx, o.ID)
	if len(events) != 2 || events[1].Canonical != domorder.StatusSettled {
		t.Fatalf("events = %+v", events)
	}
	if seen, _ := repo.EventSeen(ctx, o.Provider, ev.ExternalEventID); !seen {
		t.Fatal("external event id not seen")
	}
	if err := repo.RecordPollAttempt(ctx, o.ID, now); err != nil {
		t.Fatalf("RecordPollAttempt: %v", err)
	}
	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, domorder.ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
}

func TestWalletRepositorySingleWinner(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewWalletRepository(pool)
	user := uuid.NewString()

	if err := repo.Ensure(ctx, user, "base"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.AssignIfEmpty(ctx, user, "base", domwallet.Provisioned{Address: uuid.NewString(), ResourceID: "r"})
			if err != nil {
				t.Errorf("AssignIfEmpty: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
	a, err := repo.Get(ctx, user, "base")
	if err != nil || !a.Assigned() {
		t.Fatalf("assignment = %+v, %v", a, err)
	}
}

func TestDeliveryRepository(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewDeliveryRepository(pool)
	now := time.Now().UTC()
	d := &domwebhook.Delivery{ID: uuid.NewString(), Provider: "paycrest", Payload: []byte(`{}`), LastError: "boom", Attempts: 1, ReceivedAt: now, UpdatedAt: now}

	if err := repo.Save(ctx, d); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.MarkResolved(ctx, d.ID, now); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	got, err := repo.Get(ctx, d.ID)
	if err != nil || !got.Resolved() || got.Provider != "paycrest" {
		t.Fatalf("delivery = %+v, %v", got, err)
	}
	if err := repo.MarkAttempt(ctx, uuid.NewString(), "x", now); !errors.Is(err, domwebhook.ErrNotFound) {
		t.Fatalf("MarkAttempt missing err = %v", err)
	}
}
