package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEmitDeliversToSubscribers(t *testing.T) {
	eb := NewEventBus()
	done := make(chan Event, 1)
	eb.Subscribe(EventActivityChanged, "test", func(ctx context.Context, ev Event) error {
		done <- ev
		return nil
	})

	eb.Emit(context.Background(), Event{
		Type:    EventActivityChanged,
		Source:  "engine",
		Payload: ActivityChangedPayload{ActivityID: 4, PreviousID: -1, ActivityName: "Watch TV"},
	})

	select {
	case ev := <-done:
		p, ok := ev.Payload.(ActivityChangedPayload)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if p.ActivityID != 4 || p.ActivityName != "Watch TV" {
			t.Errorf("payload = %+v", p)
		}
		if ev.Source != "engine" {
			t.Errorf("source = %q, want engine", ev.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestEmitSkipsOtherEventTypes(t *testing.T) {
	eb := NewEventBus()
	ran := make(chan struct{}, 1)
	eb.Subscribe(EventHubConnection, "test", func(context.Context, Event) error {
		ran <- struct{}{}
		return nil
	})

	eb.Emit(context.Background(), Event{Type: EventClientConnection})
	eb.Stop()

	select {
	case <-ran:
		t.Fatal("handler ran for an event type it never subscribed to")
	default:
	}
}

func TestEmitFansOutToAllHandlers(t *testing.T) {
	eb := NewEventBus()
	var mu sync.Mutex
	seen := map[string]bool{}
	for _, name := range []string{"api", "mqtt", "log"} {
		name := name
		eb.Subscribe(EventBurstEnded, name, func(context.Context, Event) error {
			mu.Lock()
			seen[name] = true
			mu.Unlock()
			return nil
		})
	}
	if got := eb.HandlerCount(EventBurstEnded); got != 3 {
		t.Fatalf("HandlerCount = %d, want 3", got)
	}

	eb.Emit(context.Background(), Event{Type: EventBurstEnded, Payload: BurstEndedPayload{Kind: "devices"}})
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("handlers reached = %v, want all 3", seen)
	}
}

func TestPanickingHandlerDoesNotSinkOthers(t *testing.T) {
	eb := NewEventBus()
	ok := make(chan struct{}, 1)
	eb.Subscribe(EventAppActivation, "panics", func(context.Context, Event) error {
		panic("bad payload")
	})
	eb.Subscribe(EventAppActivation, "errors", func(context.Context, Event) error {
		return errors.New("db write failed")
	})
	eb.Subscribe(EventAppActivation, "survives", func(context.Context, Event) error {
		ok <- struct{}{}
		return nil
	})

	eb.Emit(context.Background(), Event{Type: EventAppActivation})
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("third handler never ran")
	}
	// Stop must not deadlock on the panicked goroutine.
	eb.Stop()
}

func TestStopDropsSubsequentEmits(t *testing.T) {
	eb := NewEventBus()
	ran := make(chan struct{}, 1)
	eb.Subscribe(EventShutdown, "test", func(context.Context, Event) error {
		ran <- struct{}{}
		return nil
	})

	eb.Stop()
	eb.Emit(context.Background(), Event{Type: EventShutdown})

	select {
	case <-ran:
		t.Fatal("handler ran after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopWaitsForInFlightHandlers(t *testing.T) {
	eb := NewEventBus()
	var mu sync.Mutex
	finished := false
	eb.Subscribe(EventCatalogUpdated, "slow", func(context.Context, Event) error {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	})

	eb.Emit(context.Background(), Event{Type: EventCatalogUpdated})
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatal("Stop returned before the in-flight handler finished")
	}
}
