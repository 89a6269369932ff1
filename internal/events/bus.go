// ============================================================================
// Flowpool Event Bus - typed publish/subscribe
// ============================================================================
//
// Package: internal/events
// File: bus.go
// Purpose: Carries worker stream events and pool lifecycle events.
//
// Model:
//   Every event is a concrete struct implementing Event; its Kind selects
//   the subscriber list. Subscribe returns an Unsubscribe that owns exactly
//   one registration and is safe to call more than once.
//
// Delivery:
//   Publish calls handlers synchronously, in registration order, on the
//   publisher's goroutine. Handlers must not block: long work belongs on the
//   handler's own goroutine or mailbox. A panicking handler is recovered and
//   logged so it cannot break delivery to the others.
//
// ============================================================================

package events

import (
	"log/slog"
	"sort"
	"sync"
)

// Kind names an event type.
type Kind string

// Event is implemented by every payload carried on a Bus.
type Event interface {
	Kind() Kind
}

// Handler receives events of the kind it subscribed to.
type Handler func(Event)

// Unsubscribe detaches one registration.
type Unsubscribe func()

// Subscriber is anything handlers can be registered on.
type Subscriber interface {
	Subscribe(kind Kind, h Handler) Unsubscribe
}

// Bus is a typed publish/subscribe hub. The zero value is not usable; use NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind]map[uint64]Handler
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Kind]map[uint64]Handler),
		logger: slog.With("component", "events"),
	}
}

// Subscribe registers h for kind.
func (b *Bus) Subscribe(kind Kind, h Handler) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]Handler)
	}
	b.subs[kind][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[kind], id)
			if len(b.subs[kind]) == 0 {
				delete(b.subs, kind)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every handler subscribed to its kind.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	regs := b.subs[e.Kind()]
	ids := make([]uint64, 0, len(regs))
	for id := range regs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, regs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

// Count returns the number of handlers registered for kind.
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "kind", e.Kind(), "panic", r)
		}
	}()
	h(e)
}

// On subscribes a handler for the concrete event type E.
func On[E Event](s Subscriber, fn func(E)) Unsubscribe {
	var zero E
	return s.Subscribe(zero.Kind(), func(e Event) {
		if typed, ok := e.(E); ok {
			fn(typed)
		}
	})
}
