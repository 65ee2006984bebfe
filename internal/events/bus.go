package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc consumes one event. Errors are logged, not propagated; the
// emitter never learns about a failing consumer.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus decouples the protocol engine from the consumers of its state
// changes (API, telemetry, activation log). Delivery is asynchronous, one
// goroutine per handler, so a slow consumer can never stall the relay loop.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name string
	fn   HandlerFunc
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]handlerEntry)}
}

// Subscribe registers a handler for one event type. The name identifies the
// consumer in logs.
func (b *EventBus) Subscribe(eventType EventType, name string, fn HandlerFunc) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{name: name, fn: fn})
	b.mu.Unlock()

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Emit delivers an event to every subscriber of its type. Returns
// immediately; emits after Stop are dropped.
func (b *EventBus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}
	for _, h := range b.handlers[event.Type] {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.deliver(ctx, h, event)
		}()
	}
}

// deliver runs one handler with panic isolation.
func (b *EventBus) deliver(ctx context.Context, h handlerEntry, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()

	if err := h.fn(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("event handler failed")
	}
}

// Stop rejects further emits and waits for in-flight handlers to finish.
func (b *EventBus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	b.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of subscribers for an event type.
func (b *EventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}
