package stream

import (
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(Event{Type: TypeDeltaTick, Values: map[string]float64{"net_usd": 12.5}})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeDeltaTick || ev.Values["net_usd"] != 12.5 {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if ev.At.IsZero() {
				t.Fatal("event timestamp not set")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()
	ch := bus.Subscribe()

	bus.Publish(Event{Type: TypeDeltaTick})
	bus.Publish(Event{Type: TypeDeltaTick})
	bus.Publish(Event{Type: TypeDeltaTick})

	if got := bus.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	<-ch
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no buffered second event")
		}
	default:
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()
	bus.Close()
	bus.Publish(Event{Type: TypeCycleOutcome})
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}
