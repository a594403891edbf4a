package repo

import (
	"context"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
)

type UnitFilter struct {
	ProjectID string
	Type      domain.EntityType
	Parent    domain.EntityRef
	Statuses  []domain.Status
}

type NotificationFilter struct {
	ProjectID string
	Kind      domain.NotificationKind
	Limit     int
}

// ProjectRepository manages project records and the schedule-dirty flag.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project domain.Project) error
	GetProject(ctx context.Context, id string) (domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	MarkScheduleDirty(ctx context.Context, id string) error
	ListDirtyProjects(ctx context.Context, limit int) ([]domain.Project, error)
	ClearScheduleDirty(ctx context.Context, id string) error
}

// UnitRepository manages stages, tasks, ad-hoc tasks and steps.
// UpdateUnit performs an optimistic version check and returns ErrConflict
// when the stored version differs from unit.Version.
type UnitRepository interface {
	CreateUnit(ctx context.Context, unit domain.Unit) error
	GetUnit(ctx context.Context, projectID string, ref domain.EntityRef) (domain.Unit, error)
	FindUnit(ctx context.Context, ref domain.EntityRef) (domain.Unit, error)
	ListUnits(ctx context.Context, filter UnitFilter) ([]domain.Unit, error)
	UpdateUnit(ctx context.Context, unit domain.Unit) (domain.Unit, error)
	DeleteUnit(ctx context.Context, projectID string, ref domain.EntityRef) error
}

// DependencyRepository is the Dependency Store: persisted directed edges.
type DependencyRepository interface {
	CreateDependency(ctx context.Context, dep domain.Dependency) error
	GetDependency(ctx context.Context, projectID, id string) (domain.Dependency, error)
	ListByDependent(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error)
	ListByDependsOn(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error)
	ListByProject(ctx context.Context, projectID string) ([]domain.Dependency, error)
	UpdateDependency(ctx context.Context, dep domain.Dependency) (domain.Dependency, error)
	DeleteDependency(ctx context.Context, projectID, id string) error
	DeleteByEntity(ctx context.Context, projectID string, ref domain.EntityRef) (int, error)
}

// AssignmentRepository manages step assignments.
type AssignmentRepository interface {
	CreateAssignment(ctx context.Context, assignment domain.Assignment) error
	GetAssignment(ctx context.Context, projectID, id string) (domain.Assignment, error)
	ListByStep(ctx context.Context, projectID, stepID string) ([]domain.Assignment, error)
	UpdateAssignment(ctx context.Context, assignment domain.Assignment) (domain.Assignment, error)
}

// EventAppender writes domain events to the transactional outbox.
type EventAppender interface {
	AppendEvent(ctx context.Context, event domain.Event) (int64, error)
}

// NotificationRepository stores sweep notifications. Append reports false
// when a notification with the same dedupe key already exists.
type NotificationRepository interface {
	AppendNotification(ctx context.Context, n domain.Notification) (bool, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]domain.Notification, error)
}

// Store bundles the repositories visible inside one unit of work.
type Store interface {
	Projects() ProjectRepository
	Units() UnitRepository
	Dependencies() DependencyRepository
	Assignments() AssignmentRepository
	Events() EventAppender
	Notifications() NotificationRepository
}

// TxRunner executes fn atomically. Implementations lock the rows they read
// for update inside fn and retry fn on ErrConflict or serialization failures,
// so fn must be free of side effects outside the Store.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}

// Database is a Store for committed-snapshot reads plus a TxRunner for writes.
type Database interface {
	TxRunner
	Reader() Store
}

// Clock returns the current time; engine components take one for testability.
type Clock func() time.Time
