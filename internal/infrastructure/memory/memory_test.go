package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domorder "github.com/Zhima-Mochi/offramp-settlement/internal/domain/order"
	domwallet "github.com/Zhima-Mochi/offramp-settlement/internal/domain/wallet"
	domwebhook "github.com/Zhima-Mochi/offramp-settlement/internal/domain/webhook"
)

func seedOrder(t *testing.T, repo *OrderRepository, id, providerOrderID string) *domorder.Order {
	t.Helper()
	o, err := domorder.New(domorder.NewInput{
		ID:              id,
		ProviderOrderID: providerOrderID,
		Provider:        "paycrest",
		SourceAmount:    decimal.NewFromInt(10),
		LocalCurrency:   domorder.CurrencyKES,
		Destination:     domorder.PhoneDestination("+254712345678"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := repo.Insert(context.Background(), o, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return o
}

func TestOrderRepositoryUniqueProviderOrder(t *testing.T) {
	repo := NewOrderRepository()
	seedOrder(t, repo, "o-1", "po-1")

	dup, _ := domorder.New(domorder.NewInput{
		ID: "o-2", ProviderOrderID: "po-1", Provider: "paycrest",
		SourceAmount: decimal.NewFromInt(1), LocalCurrency: domorder.CurrencyKES,
		Destination: domorder.PhoneDestination("+254712345678"),
	})
	if err := repo.Insert(context.Background(), dup, nil); !errors.Is(err, domorder.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, err := repo.GetByProviderOrderID(context.Background(), "paycrest", "po-1")
	if err != nil || got.ID != "o-1" {
		t.Fatalf("GetByProviderOrderID = %v, %v", got, err)
	}
}

func TestOrderRepositoryCommitTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	o := seedOrder(t, repo, "o-1", "po-1")

	now := time.Now().UTC()
	ev := domorder.NewStatusEvent(o, domorder.SourcePoll, "pending", domorder.StatusPending, now)
	ev.Applied = true
	tr := domorder.Transition{OrderID: o.ID, From: domorder.StatusInitiated, To: domorder.StatusPending, RawStatus: "pending", At: now, Event: ev}
	if err := repo.CommitTransition(ctx, tr); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := repo.CommitTransition(ctx, tr); !errors.Is(err, domorder.ErrConflict) {
		t.Fatalf("second commit err = %v, want ErrConflict", err)
	}

	got, _ := repo.Get(ctx, o.ID)
	if got.Status != domorder.StatusPending || got.ProviderRawStatus != "pending" {
		t.Fatalf("order = %+v", got)
	}
	events, _ := repo.Events(ctx, o.ID)
	if len(events) != 1 || !events[0].Applied {
		t.Fatalf("events = %+v", events)
	}
}

func TestOrderRepositoryConcurrentCommitsSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	o := seedOrder(t, repo, "o-1", "po-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := domorder.NewStatusEvent(o, domorder.SourceWebhook, "settled", domorder.StatusSettled, time.Now())
			err := repo.CommitTransition(ctx, domorder.Transition{
				OrderID: o.ID, From: domorder.StatusInitiated, To: domorder.StatusSettled, At: time.Now(), Event: ev,
			})
			if err == nil {
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
}

func TestOrderRepositoryEventSeen(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	o := seedOrder(t, repo, "o-1", "po-1")

	ev := domorder.NewStatusEvent(o, domorder.SourceWebhook, "payment_order.pending", domorder.StatusPending, time.Now())
	ev.ExternalEventID = "evt-1"
	if err := repo.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	seen, _ := repo.EventSeen(ctx, "paycrest", "evt-1")
	if !seen {
		t.Fatal("expected evt-1 to be seen")
	}
	seen, _ = repo.EventSeen(ctx, "pretium", "evt-1")
	if seen {
		t.Fatal("event ids are scoped per provider")
	}
}

func TestWalletRepositoryAssignOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewWalletRepository()
	if err := repo.Ensure(ctx, "u-1", "base"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	won, err := repo.AssignIfEmpty(ctx, "u-1", "base", domwallet.Provisioned{Address: "0xA", ResourceID: "r-1"})
	if err != nil || !won {
		t.Fatalf("first assign = %v, %v", won, err)
	}
	won, err = repo.AssignIfEmpty(ctx, "u-1", "base", domwallet.Provisioned{Address: "0xB", ResourceID: "r-2"})
	if err != nil || won {
		t.Fatalf("second assign = %v, %v", won, err)
	}
	// Ensure on an assigned row must not clear the address.
	_ = repo.Ensure(ctx, "u-1", "base")
	a, _ := repo.Get(ctx, "u-1", "base")
	if a.Address != "0xA" || a.ExternalResourceID != "r-1" {
		t.Fatalf("assignment = %+v", a)
	}
}

func TestDeliveryRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()
	now := time.Now().UTC()
	_ = repo.Save(ctx, &domwebhook.Delivery{ID: "d-2", Provider: "paycrest", ReceivedAt: now.Add(time.Second)})
	_ = repo.Save(ctx, &domwebhook.Delivery{ID: "d-1", Provider: "paycrest", ReceivedAt: now})

	list, _ := repo.ListUnresolved(ctx, 10)
	if len(list) != 2 || list[0].ID != "d-1" {
		t.Fatalf("unresolved = %+v", list)
	}
	_ = repo.MarkAttempt(ctx, "d-1", "order not found", now)
	_ = repo.MarkResolved(ctx, "d-1", now)
	list, _ = repo.ListUnresolved(ctx, 10)
	if len(list) != 1 || list[0].ID != "d-2" {
		t.Fatalf("unresolved after resolve = %+v", list)
	}
	d, _ := repo.Get(ctx, "d-1")
	if d.Attempts != 1 || !d.Resolved() {
		t.Fatalf("delivery = %+v", d)
	}
}

func TestPollLockSingleHolder(t *testing.T) {
	ctx := context.Background()
	l := NewPollLock()
	release, ok, err := l.Acquire(ctx, "o-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "o-1", time.Minute); ok {
		t.Fatal("second acquire must fail while held")
	}
	release()
	if _, ok, _ := l.Acquire(ctx, "o-1", time.Minute); !ok {
		t.Fatal("acquire after release must succeed")
	}
}

func TestPollLockExpiredLeaseTakenOver(t *testing.T) {
	ctx := context.Background()
	l := NewPollLock()
	now := time.Now()
	l.now = func() time.Time { return now }
	staleRelease, _, _ := l.Acquire(ctx, "o-1", time.Second)

	now = now.Add(2 * time.Second)
	if _, ok, _ := l.Acquire(ctx, "o-1", time.Second); !ok {
		t.Fatal("expired lease should be taken over")
	}
	// The stale holder's release must not free the new lease.
	staleRelease()
	if _, ok, _ := l.Acquire(ctx, "o-1", time.Second); ok {
		t.Fatal("stale release freed the new holder's lease")
	}
}

func TestStatusCacheNeverRegresses(t *testing.T) {
	ctx := context.Background()
	c := NewStatusCache()
	_ = c.Set(ctx, "o-1", domorder.StatusValidated)
	_ = c.Set(ctx, "o-1", domorder.StatusPending)
	got, ok, _ := c.Get(ctx, "o-1")
	if !ok || got != domorder.StatusValidated {
		t.Fatalf("cached = %s, %v", got, ok)
	}
	_ = c.Set(ctx, "o-1", domorder.StatusSettled)
	if got, _, _ := c.Get(ctx, "o-1"); got != domorder.StatusSettled {
		t.Fatalf("cached = %s, want SETTLED", got)
	}
}
