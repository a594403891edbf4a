package domain

import "time"

// EventKind names a domain event emitted after a committed transition.
type EventKind string

const (
	EventStageStarted         EventKind = "StageStarted"
	EventStageCompleted       EventKind = "StageCompleted"
	EventStagePaused          EventKind = "StagePaused"
	EventStageResumed         EventKind = "StageResumed"
	EventTaskStarted          EventKind = "TaskStarted"
	EventTaskCompleted        EventKind = "TaskCompleted"
	EventStepReadyToStart     EventKind = "StepReadyToStart"
	EventStepStarted          EventKind = "StepStarted"
	EventStepCompleted        EventKind = "StepCompleted"
	EventStepBlocked          EventKind = "StepBlocked"
	EventEntityCancelled      EventKind = "EntityCancelled"
	EventAssignmentAccepted   EventKind = "AssignmentAccepted"
	EventAssignmentDeclined   EventKind = "AssignmentDeclined"
	EventAssignmentCancelled  EventKind = "AssignmentCancelled"
	EventDependencySatisfied  EventKind = "DependencySatisfied"
	EventEntityCascadeApplied EventKind = "EntityCascadeApplied"
	EventScheduleRecalculated EventKind = "ScheduleRecalculated"
)

// Event is consumed by notification and reporting collaborators.
type Event struct {
	Kind        EventKind
	ProjectID   string
	ActorUserID string
	Entity      EntityRef
	EntityName  string
	OccurredAt  time.Time
	Payload     map[string]any
}
