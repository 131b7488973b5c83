// Package bus provides the in-process publish point the agent execution
// layer uses to announce response events without knowing who is listening.
package bus

import (
	"log"
	"sync"
)

// Event is one streamed response fragment for a conversation. Content is the
// full rendered message so far, not a delta. IsNewMessage signals that the
// fragment starts a new platform message; Done marks end of stream.
type Event struct {
	ConversationID string
	Content        string
	IsNewMessage   bool
	Done           bool
}

// Listener receives published events. Listeners run synchronously on the
// publisher's goroutine and must not block.
type Listener func(Event)

// Bus fans events out to all currently registered listeners, in subscription
// order, synchronously. No persistence, no delivery guarantee beyond that.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	order     []int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// Subscribe registers a listener and returns its unsubscribe handle. The
// handle is idempotent.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.listeners[id]; !ok {
			return
		}
		delete(b.listeners, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to every listener registered at publish time.
// A panicking listener is logged and skipped; it does not poison the fan-out.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		targets = append(targets, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		b.invoke(fn, event)
	}
}

// SubscriberCount returns the number of registered listeners.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) invoke(fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bus] Listener panicked for conversation %s: %v", event.ConversationID, r)
		}
	}()
	fn(event)
}
