// Package events fans committed domain events out to in-process
// subscribers. The durable copy lives in the workflow_events outbox; the bus
// only serves collaborators running in the same process.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/animus-labs/crewflow/internal/domain"
)

// Handler receives one event. Handlers run synchronously in publish order
// and must not block for long.
type Handler func(ctx context.Context, event domain.Event)

type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]Handler
	all      []Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: map[domain.EventKind][]Handler{}, logger: logger}
}

// Subscribe registers h for the given kinds, or for every kind when none
// are given.
func (b *Bus) Subscribe(h Handler, kinds ...domain.EventKind) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(kinds) == 0 {
		b.all = append(b.all, h)
		return
	}
	for _, kind := range kinds {
		b.handlers[kind] = append(b.handlers[kind], h)
	}
}

// Publish delivers events in order. A panicking handler is logged and
// skipped so that one collaborator cannot break the others.
func (b *Bus) Publish(ctx context.Context, events []domain.Event) {
	for _, event := range events {
		b.mu.RLock()
		targets := append(append([]Handler(nil), b.handlers[event.Kind]...), b.all...)
		b.mu.RUnlock()
		for _, h := range targets {
			b.deliver(ctx, h, event)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				"event", string(event.Kind),
				"project_id", event.ProjectID,
				"entity", event.Entity.String(),
				"panic", r,
			)
		}
	}()
	h(ctx, event)
}

// LogSubscriber logs every event at Info.
func LogSubscriber(logger *slog.Logger) Handler {
	return func(ctx context.Context, event domain.Event) {
		logger.InfoContext(ctx, "workflow event",
			"event", string(event.Kind),
			"project_id", event.ProjectID,
			"actor", event.ActorUserID,
			"entity_type", string(event.Entity.Type),
			"entity_id", event.Entity.ID,
			"entity_name", event.EntityName,
			"occurred_at", event.OccurredAt,
		)
	}
}

// Recorder keeps published events in memory. Tests and the CLI use it to
// report what a command emitted.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *Recorder) Handle(_ context.Context, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}
