package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	platformpg "github.com/animus-labs/crewflow/internal/platform/postgres"
	"github.com/animus-labs/crewflow/internal/repo"
)

//go:embed schema.sql
var schemaSQL string

// Store exposes every repository over one DB handle. Stores built for a
// transaction lock the rows they read.
type Store struct {
	projects      *ProjectStore
	units         *UnitStore
	dependencies  *DependencyStore
	assignments   *AssignmentStore
	events        *EventStore
	notifications *NotificationStore
}

func NewStore(db DB, lock bool) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		projects:      NewProjectStore(db),
		units:         NewUnitStore(db, lock),
		dependencies:  NewDependencyStore(db, lock),
		assignments:   NewAssignmentStore(db, lock),
		events:        NewEventStore(db),
		notifications: NewNotificationStore(db),
	}
}

func (s *Store) Projects() repo.ProjectRepository           { return s.projects }
func (s *Store) Units() repo.UnitRepository                 { return s.units }
func (s *Store) Dependencies() repo.DependencyRepository    { return s.dependencies }
func (s *Store) Assignments() repo.AssignmentRepository     { return s.assignments }
func (s *Store) Events() repo.EventAppender                 { return s.events }
func (s *Store) Notifications() repo.NotificationRepository { return s.notifications }

// Database implements repo.Database on a *sql.DB.
type Database struct {
	db     *sql.DB
	policy platformpg.RetryPolicy
	reader *Store
}

func NewDatabase(db *sql.DB, cfg platformpg.Config) (*Database, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Database{
		db: db,
		policy: cfg.RetryPolicy(func(err error) bool {
			return errors.Is(err, repo.ErrConflict)
		}),
		reader: NewStore(db, false),
	}, nil
}

func (d *Database) Reader() repo.Store {
	return d.reader
}

func (d *Database) WithinTx(ctx context.Context, fn func(ctx context.Context, store repo.Store) error) error {
	return platformpg.WithTx(ctx, d.db, d.policy, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, NewStore(tx, true))
	})
}

// Ping checks connectivity for readiness checks.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// EnsureSchema applies the idempotent table definitions.
func (d *Database) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
