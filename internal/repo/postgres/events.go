package postgres

import (
	"context"
	"errors"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/platform/eventlog"
)

type EventStore struct {
	db DB
}

func NewEventStore(db DB) *EventStore {
	if db == nil {
		return nil
	}
	return &EventStore{db: db}
}

func (s *EventStore) AppendEvent(ctx context.Context, event domain.Event) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("event store not initialized")
	}
	return eventlog.Insert(ctx, s.db, eventlog.Record{
		OccurredAt:  event.OccurredAt,
		ProjectID:   event.ProjectID,
		Kind:        string(event.Kind),
		ActorUserID: event.ActorUserID,
		EntityType:  string(event.Entity.Type),
		EntityID:    event.Entity.ID,
		EntityName:  event.EntityName,
		Payload:     event.Payload,
	})
}
