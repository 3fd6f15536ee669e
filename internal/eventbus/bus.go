// Package eventbus is the in-process publish/subscribe fabric for domain
// events. It is injected into every service; nothing goes through a global.
package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/maestro/internal/event"
)

// Handler receives events matching the pattern it was registered with.
// Handlers run synchronously, in registration order, on the publishing
// goroutine; a slow handler delays the publisher, so long work belongs in
// a channel subscriber instead.
type Handler func(ctx context.Context, ev event.Event)

type registration struct {
	pattern string
	handler Handler
}

// Bus fans domain events out to two kinds of consumers: synchronous
// pattern-matched handlers and buffered channel subscribers. Publishing
// with no consumers registered is a no-op.
type Bus struct {
	mu          sync.RWMutex
	handlers    []registration
	subscribers map[string]chan event.Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan event.Event),
	}
}

// Subscribe registers a synchronous handler for events whose name matches
// pattern. Patterns are "*" (everything), "prefix:*" (name prefix, e.g.
// "notify:*"), or an exact event name.
func (b *Bus) Subscribe(pattern string, h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, registration{pattern: pattern, handler: h})
	b.mu.Unlock()
}

// Channel registers a buffered channel subscriber receiving every event.
// Events are delivered with a non-blocking send: if the buffer is full the
// event is dropped for that subscriber. The returned id is used to
// unsubscribe.
func (b *Bus) Channel(bufSize int) (string, <-chan event.Event) {
	id := ulid.Make().String()
	ch := make(chan event.Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers ev to all matching handlers in registration order, then
// to every channel subscriber. The handler pass completes before Publish
// returns; ordering across concurrent publishes from different operations
// is not defined.
func (b *Bus) Publish(ctx context.Context, ev event.Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	name := ev.Name()
	for _, reg := range handlers {
		if matches(reg.pattern, name) {
			reg.handler(ctx, ev)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func matches(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
