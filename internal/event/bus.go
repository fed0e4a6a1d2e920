// Package event fans lifecycle events out to in-process subscribers and,
// optionally, a Redis channel for UI observers.
package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-orchestrator/internal/domain"
)

// Handler receives one event. Handlers must be fast; slow consumers should
// buffer on their side.
type Handler func(ev domain.Event)

// Bus is an in-process publish/subscribe fan-out. It implements
// domain.EventSink.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]Handler
	nextID  int
	remote  *redis.Client
	channel string
}

// NewBus constructs an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: map[int]Handler{}}
}

// WithRedis additionally publishes every event as JSON to the given channel.
func (b *Bus) WithRedis(client *redis.Client, channel string) *Bus {
	b.remote = client
	b.channel = channel
	return b
}

// Subscribe registers a handler and returns an unsubscribe func.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber synchronously, then to
// Redis best-effort. Publish never blocks on a failed remote.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
	if b.remote == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", slog.Any("error", err))
		return
	}
	if err := b.remote.Publish(ctx, b.channel, payload).Err(); err != nil {
		slog.Warn("event redis publish failed", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}
