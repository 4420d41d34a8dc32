package capture

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler receives broadcast events.
type Handler func(Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// Broadcaster is a synchronous fan-out of capture events. Handlers are called
// in subscription order; a panicking handler is logged and skipped.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
}

// Subscribe registers handler and returns an id for Unsubscribe.
func (b *Broadcaster) Subscribe(handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, handler: handler})
	return b.nextID
}

// Unsubscribe removes a subscription. It reports whether id was registered.
func (b *Broadcaster) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers event to every subscriber.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		safeCall(sub.handler, event)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Capture event handler panicked", "event", event, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(event)
}
