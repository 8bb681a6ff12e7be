// Package stream carries informational events out of the core:
// state transitions, delta ticks, cycle outcomes, risk verdicts.
// Publishing never blocks and subscribers never call back in; a slow
// subscriber loses events rather than stalling the evaluation loop.
package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	TypeStateTransition EventType = "state_transition"
	TypeDeltaTick       EventType = "delta_tick"
	TypeCycleOutcome    EventType = "cycle_outcome"
	TypeRiskVerdict     EventType = "risk_verdict"
	TypeOrphan          EventType = "orphan"
)

type Event struct {
	Type   EventType
	At     time.Time
	Tags   map[string]string
	Values map[string]float64
}

type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{buffer: buffer}
}

// Subscribe returns a buffered channel of future events. The channel is
// closed when the bus closes.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish fans the event out to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
