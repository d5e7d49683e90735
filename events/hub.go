// Package events delivers connection events to any number of independent
// listeners. A Hub exists per event kind; the client and server own their
// hubs and listeners subscribe with plain functions, so the core never
// depends on a listener's type.
package events

import (
	"fmt"
	"sync"

	"github.com/cyberinferno/securesocket/logger"
)

// Handler receives one event. Handlers run on the goroutine that emitted the
// event (a read loop, the accept loop or the tick broadcaster) and should
// return promptly; a slow handler delays that goroutine.
type Handler[E any] func(event E)

type subscription[E any] struct {
	id      uint64
	handler Handler[E]
}

// Hub fans an event out to its subscribers in subscription order.
// It is safe for concurrent use.
type Hub[E any] struct {
	name   string
	log    logger.Logger
	mu     sync.RWMutex
	subs   []subscription[E]
	nextID uint64
}

// NewHub creates an empty Hub. The name is used in log entries.
//
// Parameters:
//   - name: Event kind name, e.g. "text_received"
//   - log: Logger for handler panics; nil discards them
//
// Returns:
//   - A new *Hub
func NewHub[E any](name string, log logger.Logger) *Hub[E] {
	return &Hub[E]{
		name: name,
		log:  logger.OrNop(log),
	}
}

// Subscribe registers handler and returns a function that removes it again.
// The returned function is idempotent.
//
// Parameters:
//   - handler: Function to call for each event; nil is ignored
//
// Returns:
//   - An unsubscribe function
func (h *Hub[E]) Subscribe(handler Handler[E]) func() {
	if handler == nil {
		return func() {}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription[E]{id: id, handler: handler})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.remove(id)
		})
	}
}

func (h *Hub[E]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := make([]subscription[E], 0, len(h.subs))
	for _, s := range h.subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	h.subs = kept
}

// Emit delivers event to every current subscriber. A panicking handler is
// recovered and logged and does not prevent delivery to the others.
func (h *Hub[E]) Emit(event E) {
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()

	for _, s := range subs {
		h.call(s, event)
	}
}

func (h *Hub[E]) call(s subscription[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event handler panicked",
				logger.Field{Key: "event", Value: h.name},
				logger.Field{Key: "handler", Value: s.id},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)},
			)
		}
	}()

	s.handler(event)
}

// Len returns the number of subscribers.
func (h *Hub[E]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
