package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/Zhima-Mochi/offramp-settlement/internal/domain/outbox"
	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
)

type testEvent struct{ name string }

func (e testEvent) EventName() string { return e.name }

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus(observability.Nop(), Options{})
	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	got := map[string]int{}
	for _, who := range []string{"a", "b"} {
		who := who
		bus.Subscribe("order.created", func(ctx context.Context, e domoutbox.Event) error {
			mu.Lock()
			got[who]++
			mu.Unlock()
			wg.Done()
			return nil
		})
	}
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	if err := bus.Publish(context.Background(), testEvent{name: "order.created"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitOrFail(t, &wg)
	if got["a"] != 1 || got["b"] != 1 {
		t.Fatalf("deliveries = %v", got)
	}
}

func TestBusHandlerPanicDoesNotKillLoop(t *testing.T) {
	bus := NewBus(nil, Options{})
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe("boom", func(context.Context, domoutbox.Event) error { panic("boom") })
	bus.Subscribe("ok", func(context.Context, domoutbox.Event) error { wg.Done(); return nil })
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	_ = bus.Publish(context.Background(), testEvent{name: "boom"})
	_ = bus.Publish(context.Background(), testEvent{name: "ok"})
	waitOrFail(t, &wg)
}

func TestBusStopDrainsQueue(t *testing.T) {
	bus := NewBus(nil, Options{QueueSize: 16})
	var mu sync.Mutex
	n := 0
	bus.Subscribe("tick", func(context.Context, domoutbox.Event) error {
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 10; i++ {
		if err := bus.Publish(context.Background(), testEvent{name: "tick"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	bus.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bus.Stop(ctx)

	mu.Lock()
	defer mu.Unlock()
	if n != 10 {
		t.Fatalf("handled = %d, want 10", n)
	}
}

func TestBusPublishAfterStop(t *testing.T) {
	bus := NewBus(nil, Options{})
	bus.Start(context.Background())
	bus.Stop(context.Background())

	if err := bus.Publish(context.Background(), testEvent{name: "x"}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("err = %v, want ErrBusClosed", err)
	}
}

func TestBusPublishRespectsContextWhenFull(t *testing.T) {
	bus := NewBus(nil, Options{QueueSize: 1})
	_ = bus.Publish(context.Background(), testEvent{name: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, testEvent{name: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
}
