// Package memory implements repo.Database in process. Transactions work on a
// copy of the whole state and swap it in on success, so a failed unit of work
// leaves nothing behind. Writers are serialized by a single mutex.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
)

type DB struct {
	mu    sync.RWMutex
	state *state
	now   repo.Clock
}

type state struct {
	projects      map[string]domain.Project
	units         map[domain.EntityRef]domain.Unit
	deps          map[string]domain.Dependency
	assignments   map[string]domain.Assignment
	events        []domain.Event
	notifications []domain.Notification
}

func New() *DB {
	return NewWithClock(func() time.Time { return time.Now().UTC() })
}

func NewWithClock(now repo.Clock) *DB {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &DB{
		state: &state{
			projects:    map[string]domain.Project{},
			units:       map[domain.EntityRef]domain.Unit{},
			deps:        map[string]domain.Dependency{},
			assignments: map[string]domain.Assignment{},
		},
		now: now,
	}
}

func (s *state) clone() *state {
	out := &state{
		projects:      make(map[string]domain.Project, len(s.projects)),
		units:         make(map[domain.EntityRef]domain.Unit, len(s.units)),
		deps:          make(map[string]domain.Dependency, len(s.deps)),
		assignments:   make(map[string]domain.Assignment, len(s.assignments)),
		events:        append([]domain.Event(nil), s.events...),
		notifications: append([]domain.Notification(nil), s.notifications...),
	}
	for k, v := range s.projects {
		out.projects[k] = v
	}
	for k, v := range s.units {
		out.units[k] = v.Clone()
	}
	for k, v := range s.deps {
		out.deps[k] = v
	}
	for k, v := range s.assignments {
		out.assignments[k] = v
	}
	return out
}

// WithinTx runs fn against a private copy of the state. fn must not call
// Reader on the same DB: the write lock is held for the duration.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context, store repo.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	work := db.state.clone()
	if err := fn(ctx, &store{db: db, st: work}); err != nil {
		return err
	}
	db.state = work
	return nil
}

// Reader returns a Store reading the last committed state.
func (db *DB) Reader() repo.Store {
	return &store{db: db}
}

// Events returns a copy of every committed event, oldest first.
func (db *DB) Events() []domain.Event {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]domain.Event(nil), db.state.events...)
}

type store struct {
	db *DB
	st *state
}

func (s *store) view(fn func(st *state) error) error {
	if s.st != nil {
		return fn(s.st)
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return fn(s.db.state)
}

func (s *store) update(fn func(st *state) error) error {
	if s.st != nil {
		return fn(s.st)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return fn(s.db.state)
}

func (s *store) Projects() repo.ProjectRepository           { return projectStore{s} }
func (s *store) Units() repo.UnitRepository                 { return unitStore{s} }
func (s *store) Dependencies() repo.DependencyRepository    { return dependencyStore{s} }
func (s *store) Assignments() repo.AssignmentRepository     { return assignmentStore{s} }
func (s *store) Events() repo.EventAppender                 { return eventStore{s} }
func (s *store) Notifications() repo.NotificationRepository { return notificationStore{s} }

type projectStore struct{ s *store }

func (p projectStore) CreateProject(ctx context.Context, project domain.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}
	return p.s.update(func(st *state) error {
		if _, ok := st.projects[project.ID]; ok {
			return repo.ErrDuplicate
		}
		if project.CreatedAt.IsZero() {
			project.CreatedAt = p.s.db.now()
		}
		st.projects[project.ID] = project
		return nil
	})
}

func (p projectStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var out domain.Project
	err := p.s.view(func(st *state) error {
		project, ok := st.projects[strings.TrimSpace(id)]
		if !ok {
			return repo.ErrNotFound
		}
		out = project
		return nil
	})
	return out, err
}

func (p projectStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var out []domain.Project
	err := p.s.view(func(st *state) error {
		for _, project := range st.projects {
			out = append(out, project)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (p projectStore) MarkScheduleDirty(ctx context.Context, id string) error {
	return p.setDirty(id, true)
}

func (p projectStore) ClearScheduleDirty(ctx context.Context, id string) error {
	return p.setDirty(id, false)
}

func (p projectStore) setDirty(id string, dirty bool) error {
	return p.s.update(func(st *state) error {
		project, ok := st.projects[id]
		if !ok {
			return repo.ErrNotFound
		}
		project.ScheduleDirty = dirty
		st.projects[id] = project
		return nil
	})
}

func (p projectStore) ListDirtyProjects(ctx context.Context, limit int) ([]domain.Project, error) {
	all, err := p.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Project, 0)
	for _, project := range all {
		if !project.ScheduleDirty {
			continue
		}
		out = append(out, project)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type unitStore struct{ s *store }

func (u unitStore) CreateUnit(ctx context.Context, unit domain.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	return u.s.update(func(st *state) error {
		if _, ok := st.projects[unit.ProjectID]; !ok {
			return repo.ErrNotFound
		}
		if _, ok := st.units[unit.Ref]; ok {
			return repo.ErrDuplicate
		}
		now := u.s.db.now()
		if unit.CreatedAt.IsZero() {
			unit.CreatedAt = now
		}
		unit.UpdatedAt = now
		unit.Version = 1
		st.units[unit.Ref] = unit.Clone()
		return nil
	})
}

func (u unitStore) GetUnit(ctx context.Context, projectID string, ref domain.EntityRef) (domain.Unit, error) {
	unit, err := u.FindUnit(ctx, ref)
	if err != nil {
		return domain.Unit{}, err
	}
	if unit.ProjectID != projectID {
		return domain.Unit{}, repo.ErrNotFound
	}
	return unit, nil
}

func (u unitStore) FindUnit(ctx context.Context, ref domain.EntityRef) (domain.Unit, error) {
	var out domain.Unit
	err := u.s.view(func(st *state) error {
		unit, ok := st.units[ref]
		if !ok {
			return repo.ErrNotFound
		}
		out = unit.Clone()
		return nil
	})
	return out, err
}

func (u unitStore) ListUnits(ctx context.Context, filter repo.UnitFilter) ([]domain.Unit, error) {
	statuses := map[domain.Status]bool{}
	for _, status := range filter.Statuses {
		statuses[status] = true
	}
	var out []domain.Unit
	err := u.s.view(func(st *state) error {
		for _, unit := range st.units {
			if filter.ProjectID != "" && unit.ProjectID != filter.ProjectID {
				continue
			}
			if filter.Type != "" && unit.Ref.Type != filter.Type {
				continue
			}
			if !filter.Parent.IsZero() && unit.Parent != filter.Parent {
				continue
			}
			if len(statuses) > 0 && !statuses[unit.Status] {
				continue
			}
			out = append(out, unit.Clone())
		}
		return nil
	})
	sortUnits(out)
	return out, err
}

func sortUnits(units []domain.Unit) {
	sort.Slice(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if la, lb := a.Ref.Type.Level(), b.Ref.Type.Level(); la != lb {
			return la < lb
		}
		if a.Parent.ID != b.Parent.ID {
			return a.Parent.ID < b.Parent.ID
		}
		if a.OrderIndex != b.OrderIndex {
			return a.OrderIndex < b.OrderIndex
		}
		return a.Ref.String() < b.Ref.String()
	})
}

func (u unitStore) UpdateUnit(ctx context.Context, unit domain.Unit) (domain.Unit, error) {
	if err := unit.Validate(); err != nil {
		return domain.Unit{}, err
	}
	var out domain.Unit
	err := u.s.update(func(st *state) error {
		stored, ok := st.units[unit.Ref]
		if !ok || stored.ProjectID != unit.ProjectID {
			return repo.ErrNotFound
		}
		if stored.Version != unit.Version {
			return repo.ErrConflict
		}
		unit.Version++
		unit.CreatedAt = stored.CreatedAt
		unit.UpdatedAt = u.s.db.now()
		st.units[unit.Ref] = unit.Clone()
		out = unit.Clone()
		return nil
	})
	return out, err
}

func (u unitStore) DeleteUnit(ctx context.Context, projectID string, ref domain.EntityRef) error {
	return u.s.update(func(st *state) error {
		stored, ok := st.units[ref]
		if !ok || stored.ProjectID != projectID {
			return repo.ErrNotFound
		}
		delete(st.units, ref)
		return nil
	})
}

type dependencyStore struct{ s *store }

func (d dependencyStore) CreateDependency(ctx context.Context, dep domain.Dependency) error {
	if err := dep.Validate(); err != nil {
		return err
	}
	return d.s.update(func(st *state) error {
		if _, ok := st.deps[dep.ID]; ok {
			return repo.ErrDuplicate
		}
		for _, existing := range st.deps {
			if existing.ProjectID == dep.ProjectID && existing.Dependent == dep.Dependent && existing.DependsOn == dep.DependsOn {
				return repo.ErrDuplicate
			}
		}
		if dep.CreatedAt.IsZero() {
			dep.CreatedAt = d.s.db.now()
		}
		dep.Version = 1
		st.deps[dep.ID] = dep
		return nil
	})
}

func (d dependencyStore) GetDependency(ctx context.Context, projectID, id string) (domain.Dependency, error) {
	var out domain.Dependency
	err := d.s.view(func(st *state) error {
		dep, ok := st.deps[id]
		if !ok || dep.ProjectID != projectID {
			return repo.ErrNotFound
		}
		out = dep
		return nil
	})
	return out, err
}

func (d dependencyStore) list(match func(domain.Dependency) bool) ([]domain.Dependency, error) {
	var out []domain.Dependency
	err := d.s.view(func(st *state) error {
		for _, dep := range st.deps {
			if match(dep) {
				out = append(out, dep)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (d dependencyStore) ListByDependent(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	return d.list(func(dep domain.Dependency) bool {
		return dep.ProjectID == projectID && dep.Dependent == ref
	})
}

func (d dependencyStore) ListByDependsOn(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	return d.list(func(dep domain.Dependency) bool {
		return dep.ProjectID == projectID && dep.DependsOn == ref
	})
}

func (d dependencyStore) ListByProject(ctx context.Context, projectID string) ([]domain.Dependency, error) {
	return d.list(func(dep domain.Dependency) bool {
		return dep.ProjectID == projectID
	})
}

func (d dependencyStore) UpdateDependency(ctx context.Context, dep domain.Dependency) (domain.Dependency, error) {
	if err := dep.Validate(); err != nil {
		return domain.Dependency{}, err
	}
	err := d.s.update(func(st *state) error {
		stored, ok := st.deps[dep.ID]
		if !ok || stored.ProjectID != dep.ProjectID {
			return repo.ErrNotFound
		}
		if stored.Version != dep.Version {
			return repo.ErrConflict
		}
		dep.Version++
		st.deps[dep.ID] = dep
		return nil
	})
	return dep, err
}

func (d dependencyStore) DeleteDependency(ctx context.Context, projectID, id string) error {
	return d.s.update(func(st *state) error {
		dep, ok := st.deps[id]
		if !ok || dep.ProjectID != projectID {
			return repo.ErrNotFound
		}
		delete(st.deps, id)
		return nil
	})
}

func (d dependencyStore) DeleteByEntity(ctx context.Context, projectID string, ref domain.EntityRef) (int, error) {
	removed := 0
	err := d.s.update(func(st *state) error {
		for id, dep := range st.deps {
			if dep.ProjectID != projectID {
				continue
			}
			if dep.Dependent == ref || dep.DependsOn == ref {
				delete(st.deps, id)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

type assignmentStore struct{ s *store }

func (a assignmentStore) CreateAssignment(ctx context.Context, assignment domain.Assignment) error {
	if err := assignment.Validate(); err != nil {
		return err
	}
	return a.s.update(func(st *state) error {
		if _, ok := st.assignments[assignment.ID]; ok {
			return repo.ErrDuplicate
		}
		if assignment.AssignedDate.IsZero() {
			assignment.AssignedDate = a.s.db.now()
		}
		assignment.Version = 1
		st.assignments[assignment.ID] = assignment
		return nil
	})
}

func (a assignmentStore) GetAssignment(ctx context.Context, projectID, id string) (domain.Assignment, error) {
	var out domain.Assignment
	err := a.s.view(func(st *state) error {
		assignment, ok := st.assignments[id]
		if !ok || assignment.ProjectID != projectID {
			return repo.ErrNotFound
		}
		out = assignment
		return nil
	})
	return out, err
}

func (a assignmentStore) ListByStep(ctx context.Context, projectID, stepID string) ([]domain.Assignment, error) {
	var out []domain.Assignment
	err := a.s.view(func(st *state) error {
		for _, assignment := range st.assignments {
			if assignment.ProjectID == projectID && assignment.StepID == stepID {
				out = append(out, assignment)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (a assignmentStore) UpdateAssignment(ctx context.Context, assignment domain.Assignment) (domain.Assignment, error) {
	if err := assignment.Validate(); err != nil {
		return domain.Assignment{}, err
	}
	err := a.s.update(func(st *state) error {
		stored, ok := st.assignments[assignment.ID]
		if !ok || stored.ProjectID != assignment.ProjectID {
			return repo.ErrNotFound
		}
		if stored.Version != assignment.Version {
			return repo.ErrConflict
		}
		assignment.Version++
		st.assignments[assignment.ID] = assignment
		return nil
	})
	return assignment, err
}

type eventStore struct{ s *store }

func (e eventStore) AppendEvent(ctx context.Context, event domain.Event) (int64, error) {
	var id int64
	err := e.s.update(func(st *state) error {
		if event.OccurredAt.IsZero() {
			event.OccurredAt = e.s.db.now()
		}
		st.events = append(st.events, event)
		id = int64(len(st.events))
		return nil
	})
	return id, err
}

type notificationStore struct{ s *store }

func (n notificationStore) AppendNotification(ctx context.Context, notification domain.Notification) (bool, error) {
	inserted := false
	err := n.s.update(func(st *state) error {
		for _, existing := range st.notifications {
			if existing.DedupeKey == notification.DedupeKey {
				return nil
			}
		}
		if notification.CreatedAt.IsZero() {
			notification.CreatedAt = n.s.db.now()
		}
		st.notifications = append(st.notifications, notification)
		inserted = true
		return nil
	})
	return inserted, err
}

func (n notificationStore) ListNotifications(ctx context.Context, filter repo.NotificationFilter) ([]domain.Notification, error) {
	var out []domain.Notification
	err := n.s.view(func(st *state) error {
		for _, notification := range st.notifications {
			if filter.ProjectID != "" && notification.ProjectID != filter.ProjectID {
				continue
			}
			if filter.Kind != "" && notification.Kind != filter.Kind {
				continue
			}
			out = append(out, notification)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Seed writes a project with its units, edges and assignments in one
// transaction. Units are created parents first.
func (db *DB) Seed(ctx context.Context, project domain.Project, units []domain.Unit, deps []domain.Dependency, assignments []domain.Assignment) error {
	return db.WithinTx(ctx, func(ctx context.Context, s repo.Store) error {
		if err := s.Projects().CreateProject(ctx, project); err != nil {
			return err
		}
		ordered := append([]domain.Unit(nil), units...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Ref.Type.Level() < ordered[j].Ref.Type.Level()
		})
		for _, u := range ordered {
			if u.ProjectID == "" {
				u.ProjectID = project.ID
			}
			if u.Status == "" {
				u.Status = domain.StatusNotStarted
			}
			if err := s.Units().CreateUnit(ctx, u); err != nil {
				return err
			}
		}
		for _, d := range deps {
			if d.ProjectID == "" {
				d.ProjectID = project.ID
			}
			if d.Status == "" {
				d.Status = domain.DependencyPending
			}
			if d.Type == "" {
				d.Type = domain.FinishToStart
			}
			if err := s.Dependencies().CreateDependency(ctx, d); err != nil {
				return err
			}
		}
		for _, a := range assignments {
			if a.ProjectID == "" {
				a.ProjectID = project.ID
			}
			if err := s.Assignments().CreateAssignment(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
}
