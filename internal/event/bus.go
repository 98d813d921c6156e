package event

import (
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/foreman/internal/logging"
)

// Wildcard is the event type used by SubscribeAll.
const Wildcard = "*"

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous pub-sub event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *logging.Logger
}

// NewBus creates a new event bus. A nil logger discards handler panics.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event type and returns an ID for
// Unsubscribe.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe(Wildcard, handler)
}

// Unsubscribe removes a subscription by ID and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		i := slices.IndexFunc(subs, func(s subscription) bool { return s.id == id })
		if i < 0 {
			continue
		}
		b.subs[eventType] = slices.Delete(slices.Clone(subs), i, i+1)
		return true
	}
	return false
}

// Publish delivers e to the handlers of its type, then to wildcard handlers,
// each group in registration order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	specific := b.subs[e.EventType()]
	wildcard := b.subs[Wildcard]
	b.mu.RUnlock()

	// Unsubscribe never mutates a published slice in place, so these can be
	// iterated without holding the lock.
	for _, s := range specific {
		b.safeCall(s.handler, e)
	}
	for _, s := range wildcard {
		b.safeCall(s.handler, e)
	}
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]subscription)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
