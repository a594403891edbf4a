// Package cascade is the state manager. It is the only writer of unit
// statuses and dependency edge statuses, and it runs every cascade a
// transition triggers inside the caller's unit of work.
//
// Cascades are processed as a worklist of completion, start, resume and
// cancellation events rather than recursive calls:
//   - a completed unit satisfies its outgoing edges, re-checks the readiness
//     of their dependents and may complete its parent;
//   - a completed stage starts the next stage by order index when that stage
//     has nothing left to wait on;
//   - a started unit satisfies its START_TO_START edges and, for stages and
//     tasks, promotes the steps underneath that are ready;
//   - a resumed container completes when its children finished while it was
//     paused;
//   - a paused or cancelled unit blocks its unsatisfied outgoing edges.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
	"github.com/animus-labs/crewflow/internal/execution/statemachine"
	"github.com/animus-labs/crewflow/internal/repo"
)

type Options struct {
	// RequireAcceptedAssignment keeps steps out of READY_TO_START until they
	// have an accepted assignment and no pending ones.
	RequireAcceptedAssignment bool
}

// Change records one status move applied during a unit of work.
type Change struct {
	Entity  domain.EntityRef `json:"entity"`
	Name    string           `json:"name"`
	From    domain.Status    `json:"from"`
	To      domain.Status    `json:"to"`
	Passive bool             `json:"passive"`
}

// Completion carries the optional values recorded when a unit completes.
type Completion struct {
	At                 time.Time
	Notes              string
	QualityCheckPassed *bool
}

type itemKind int

const (
	itemCompleted itemKind = iota + 1
	itemStarted
	itemResumed
	itemCancelled
)

type item struct {
	kind itemKind
	ref  domain.EntityRef
}

// Manager is bound to one store (normally a transaction) and one project.
// It is not safe for concurrent use.
type Manager struct {
	store    repo.Store
	resolver *dependency.Resolver
	project  string
	actor    string
	now      repo.Clock
	opts     Options

	queue   []item
	seen    map[item]bool
	changes []Change
	events  []domain.Event
	dirty   bool
}

func New(store repo.Store, projectID, actorUserID string, now repo.Clock, opts Options) *Manager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:    store,
		resolver: dependency.NewResolver(store),
		project:  projectID,
		actor:    actorUserID,
		now:      now,
		opts:     opts,
		seen:     map[item]bool{},
	}
}

// Changes returns every status move applied so far, in order.
func (m *Manager) Changes() []Change {
	return append([]Change(nil), m.changes...)
}

// Events returns the events appended to the outbox so far, in order.
func (m *Manager) Events() []domain.Event {
	return append([]domain.Event(nil), m.events...)
}

// PassiveChanges counts the moves made by cascades rather than by the caller.
func (m *Manager) PassiveChanges() int {
	n := 0
	for _, c := range m.changes {
		if c.Passive {
			n++
		}
	}
	return n
}

// Start moves ref to IN_PROGRESS. NOT_STARTED ancestors are started first,
// outermost first; ancestors already running are left alone.
func (m *Manager) Start(ctx context.Context, ref domain.EntityRef, at time.Time) (domain.Unit, error) {
	u, err := m.load(ctx, ref)
	if err != nil {
		return domain.Unit{}, err
	}
	ancestors, err := m.ancestors(ctx, u)
	if err != nil {
		return domain.Unit{}, err
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		if ancestors[i].Status != domain.StatusNotStarted {
			continue
		}
		if _, err := m.setStatus(ctx, ancestors[i].Ref, domain.StatusInProgress, at, true, nil); err != nil {
			return domain.Unit{}, err
		}
		m.push(itemStarted, ancestors[i].Ref)
	}
	updated, err := m.setStatus(ctx, ref, domain.StatusInProgress, at, false, nil)
	if err != nil {
		return domain.Unit{}, err
	}
	m.push(itemStarted, ref)
	return updated, m.drain(ctx)
}

// Complete moves ref to COMPLETED and runs the completion cascade.
func (m *Manager) Complete(ctx context.Context, ref domain.EntityRef, c Completion) (domain.Unit, error) {
	at := c.At
	if at.IsZero() {
		at = m.now()
	}
	updated, err := m.setStatus(ctx, ref, domain.StatusCompleted, at, false, func(u *domain.Unit) {
		if c.Notes != "" {
			u.CompletionNotes = c.Notes
		}
		if c.QualityCheckPassed != nil {
			v := *c.QualityCheckPassed
			u.QualityCheckPassed = &v
		}
	})
	if err != nil {
		return domain.Unit{}, err
	}
	m.push(itemCompleted, ref)
	return updated, m.drain(ctx)
}

// Pause moves a stage or step to BLOCKED. Edges still waiting on it are
// BLOCKED until it resumes.
func (m *Manager) Pause(ctx context.Context, ref domain.EntityRef, at time.Time) (domain.Unit, error) {
	updated, err := m.setStatus(ctx, ref, domain.StatusBlocked, at, false, nil)
	if err != nil {
		return domain.Unit{}, err
	}
	if err := m.blockOutgoing(ctx, ref); err != nil {
		return domain.Unit{}, err
	}
	return updated, nil
}

// Resume moves a paused unit back to IN_PROGRESS and reopens the edges its
// pause blocked. A container whose children all finished meanwhile completes.
func (m *Manager) Resume(ctx context.Context, ref domain.EntityRef, at time.Time) (domain.Unit, error) {
	updated, err := m.setStatus(ctx, ref, domain.StatusInProgress, at, false, nil)
	if err != nil {
		return domain.Unit{}, err
	}
	edges, err := m.resolver.DependentsOf(ctx, m.project, ref)
	if err != nil {
		return domain.Unit{}, err
	}
	for _, edge := range edges {
		if edge.Status != domain.DependencyBlocked {
			continue
		}
		edge.Status = domain.DependencyPending
		if _, err := m.store.Dependencies().UpdateDependency(ctx, edge); err != nil {
			return domain.Unit{}, fmt.Errorf("reopen dependency %s: %w", edge.ID, err)
		}
		m.dirty = true
	}
	m.push(itemResumed, ref)
	return updated, m.drain(ctx)
}

// Cancel moves ref and every open unit beneath it to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, ref domain.EntityRef, at time.Time) (domain.Unit, error) {
	updated, err := m.setStatus(ctx, ref, domain.StatusCancelled, at, false, nil)
	if err != nil {
		return domain.Unit{}, err
	}
	descendants, err := m.descendants(ctx, ref)
	if err != nil {
		return domain.Unit{}, err
	}
	for _, d := range descendants {
		if d.Status.IsTerminal() {
			continue
		}
		if _, err := m.setStatus(ctx, d.Ref, domain.StatusCancelled, at, true, nil); err != nil {
			return domain.Unit{}, err
		}
		m.push(itemCancelled, d.Ref)
	}
	m.push(itemCancelled, ref)
	return updated, m.drain(ctx)
}

// SetAssignmentStatus applies an assignment transition and re-checks the
// readiness of its step.
func (m *Manager) SetAssignmentStatus(ctx context.Context, a domain.Assignment, to domain.AssignmentStatus, at time.Time) (domain.Assignment, error) {
	from := a.Status
	a.Status = to
	switch to {
	case domain.AssignmentAccepted:
		a.AcceptedDate = &at
	case domain.AssignmentDeclined:
		a.DeclinedDate = &at
	}
	updated, err := m.store.Assignments().UpdateAssignment(ctx, a)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("update assignment %s: %w", a.ID, err)
	}
	step, err := m.load(ctx, domain.Ref(domain.EntityStep, a.StepID))
	if err != nil {
		return domain.Assignment{}, err
	}
	kind := map[domain.AssignmentStatus]domain.EventKind{
		domain.AssignmentAccepted:  domain.EventAssignmentAccepted,
		domain.AssignmentDeclined:  domain.EventAssignmentDeclined,
		domain.AssignmentCancelled: domain.EventAssignmentCancelled,
	}[to]
	if kind != "" {
		if err := m.emit(ctx, kind, step, map[string]any{
			"assignment_id": a.ID,
			"assignee":      a.Assignee(),
			"from":          string(from),
			"to":            string(to),
		}); err != nil {
			return domain.Assignment{}, err
		}
	}
	if err := m.reconcileStep(ctx, step); err != nil {
		return domain.Assignment{}, err
	}
	return updated, m.drain(ctx)
}

// Cascade re-runs the cascade for ref from its current status. It is safe to
// call repeatedly: completed work satisfies its edges and completes parents,
// started work satisfies START_TO_START edges, anything else only re-checks
// readiness.
func (m *Manager) Cascade(ctx context.Context, ref domain.EntityRef) error {
	u, err := m.load(ctx, ref)
	if err != nil {
		return err
	}
	switch u.Status {
	case domain.StatusCompleted:
		m.push(itemCompleted, ref)
	case domain.StatusInProgress:
		m.push(itemStarted, ref)
	case domain.StatusCancelled:
		m.push(itemCancelled, ref)
	default:
		if err := m.reconcile(ctx, u); err != nil {
			return err
		}
	}
	return m.drain(ctx)
}

// Promote re-checks readiness of ref, or of the steps beneath it.
func (m *Manager) Promote(ctx context.Context, ref domain.EntityRef) error {
	u, err := m.load(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.reconcile(ctx, u); err != nil {
		return err
	}
	return m.drain(ctx)
}

// Finish appends the EntityCascadeApplied summary for root when cascades
// changed anything and flags the project schedule for recomputation.
func (m *Manager) Finish(ctx context.Context, root domain.EntityRef) error {
	if passive := m.PassiveChanges(); passive > 0 {
		entities := make([]string, 0, passive)
		for _, c := range m.changes {
			if c.Passive {
				entities = append(entities, c.Entity.String()+"="+string(c.To))
			}
		}
		u := domain.Unit{Ref: root}
		if loaded, err := m.load(ctx, root); err == nil {
			u = loaded
		}
		if err := m.emit(ctx, domain.EventEntityCascadeApplied, u, map[string]any{
			"changes":  passive,
			"entities": entities,
		}); err != nil {
			return err
		}
	}
	if !m.dirty {
		return nil
	}
	if err := m.store.Projects().MarkScheduleDirty(ctx, m.project); err != nil {
		return fmt.Errorf("mark schedule dirty: %w", err)
	}
	return nil
}

func (m *Manager) push(kind itemKind, ref domain.EntityRef) {
	it := item{kind: kind, ref: ref}
	if m.seen[it] {
		return
	}
	m.seen[it] = true
	m.queue = append(m.queue, it)
}

// drain processes the worklist breadth first. Every item moves statuses
// forward only, and each (kind, ref) pair is queued at most once.
func (m *Manager) drain(ctx context.Context) error {
	for len(m.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := m.queue[0]
		m.queue = m.queue[1:]
		var err error
		switch it.kind {
		case itemCompleted:
			err = m.onCompleted(ctx, it.ref)
		case itemStarted:
			err = m.onStarted(ctx, it.ref)
		case itemResumed:
			err = m.onResumed(ctx, it.ref)
		case itemCancelled:
			err = m.onCancelled(ctx, it.ref)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) onCompleted(ctx context.Context, ref domain.EntityRef) error {
	u, err := m.load(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.satisfyOutgoing(ctx, u); err != nil {
		return err
	}
	if err := m.completeParent(ctx, u); err != nil {
		return err
	}
	if ref.Type == domain.EntityStage {
		return m.startNextStage(ctx, u)
	}
	return nil
}

func (m *Manager) onStarted(ctx context.Context, ref domain.EntityRef) error {
	u, err := m.load(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.satisfyOutgoing(ctx, u); err != nil {
		return err
	}
	if ref.Type == domain.EntityStep {
		return nil
	}
	return m.reconcile(ctx, u)
}

func (m *Manager) onResumed(ctx context.Context, ref domain.EntityRef) error {
	u, err := m.load(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.satisfyOutgoing(ctx, u); err != nil {
		return err
	}
	if ref.Type == domain.EntityStep {
		return nil
	}
	done, err := m.completeIfDone(ctx, u)
	if err != nil || done {
		return err
	}
	return m.reconcile(ctx, u)
}

func (m *Manager) onCancelled(ctx context.Context, ref domain.EntityRef) error {
	u, err := m.load(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.blockOutgoing(ctx, ref); err != nil {
		return err
	}
	return m.completeParent(ctx, u)
}

// blockOutgoing moves the pending edges out of ref to BLOCKED.
func (m *Manager) blockOutgoing(ctx context.Context, ref domain.EntityRef) error {
	edges, err := m.resolver.DependentsOf(ctx, m.project, ref)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.Status != domain.DependencyPending {
			continue
		}
		edge.Status = domain.DependencyBlocked
		if _, err := m.store.Dependencies().UpdateDependency(ctx, edge); err != nil {
			return fmt.Errorf("block dependency %s: %w", edge.ID, err)
		}
		m.dirty = true
	}
	return nil
}

// satisfyOutgoing marks every pending edge out of u whose condition u now
// meets, then re-checks the dependents.
func (m *Manager) satisfyOutgoing(ctx context.Context, u domain.Unit) error {
	edges, err := m.resolver.DependentsOf(ctx, m.project, u.Ref)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.Status != domain.DependencyPending || !edge.Type.SatisfiedBy(u.Status) {
			continue
		}
		now := m.now()
		edge.Status = domain.DependencySatisfied
		edge.SatisfiedAt = &now
		if _, err := m.store.Dependencies().UpdateDependency(ctx, edge); err != nil {
			return fmt.Errorf("satisfy dependency %s: %w", edge.ID, err)
		}
		m.dirty = true
		dependent, err := m.load(ctx, edge.Dependent)
		if err != nil {
			return err
		}
		if err := m.emit(ctx, domain.EventDependencySatisfied, dependent, map[string]any{
			"dependency_id":   edge.ID,
			"depends_on":      edge.DependsOn.String(),
			"dependency_type": string(edge.Type),
		}); err != nil {
			return err
		}
		if err := m.reconcile(ctx, dependent); err != nil {
			return err
		}
	}
	return nil
}

// completeParent completes u's parent once its children are done. A paused
// parent is left alone and re-checked when it resumes.
func (m *Manager) completeParent(ctx context.Context, u domain.Unit) error {
	if u.Parent.IsZero() {
		return nil
	}
	parent, err := m.load(ctx, u.Parent)
	if err != nil {
		return err
	}
	_, err = m.completeIfDone(ctx, parent)
	return err
}

// completeIfDone completes parent once every child is terminal and at least
// one of them completed. The parent's actual end is the latest child end.
func (m *Manager) completeIfDone(ctx context.Context, parent domain.Unit) (bool, error) {
	if parent.Status != domain.StatusInProgress && parent.Status != domain.StatusNotStarted {
		return false, nil
	}
	children, err := m.children(ctx, parent.Ref)
	if err != nil {
		return false, err
	}
	var (
		end       time.Time
		start     *time.Time
		completed int
	)
	for _, child := range children {
		if !child.Status.IsTerminal() {
			return false, nil
		}
		if child.Status != domain.StatusCompleted {
			continue
		}
		completed++
		if child.ActualEnd != nil && child.ActualEnd.After(end) {
			end = *child.ActualEnd
		}
		if child.ActualStart != nil && (start == nil || child.ActualStart.Before(*start)) {
			start = child.ActualStart
		}
	}
	if completed == 0 {
		return false, nil
	}
	if end.IsZero() {
		end = m.now()
	}
	if _, err := m.setStatus(ctx, parent.Ref, domain.StatusCompleted, end, true, func(p *domain.Unit) {
		if p.ActualStart == nil && start != nil {
			v := *start
			p.ActualStart = &v
		}
	}); err != nil {
		return false, err
	}
	m.push(itemCompleted, parent.Ref)
	return true, nil
}

// startNextStage starts the stage following completed by order index when
// it has not started and nothing gates it.
func (m *Manager) startNextStage(ctx context.Context, completed domain.Unit) error {
	stages, err := m.store.Units().ListUnits(ctx, repo.UnitFilter{ProjectID: m.project, Type: domain.EntityStage})
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	var next *domain.Unit
	for i := range stages {
		s := stages[i]
		if s.Ref == completed.Ref || s.Status == domain.StatusCancelled || !after(s, completed) {
			continue
		}
		if next == nil || after(*next, s) {
			next = &stages[i]
		}
	}
	if next == nil || next.Status != domain.StatusNotStarted {
		return nil
	}
	pending, err := m.resolver.Unsatisfied(ctx, m.project, next.Ref)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}
	if _, err := m.setStatus(ctx, next.Ref, domain.StatusInProgress, m.now(), true, nil); err != nil {
		return err
	}
	m.push(itemStarted, next.Ref)
	return nil
}

func after(a, b domain.Unit) bool {
	if a.OrderIndex != b.OrderIndex {
		return a.OrderIndex > b.OrderIndex
	}
	return dependency.CompareRefs(a.Ref, b.Ref) > 0
}

// setStatus reloads ref, applies edit and moves it to status to. Moves the
// state machine does not allow are internal errors: callers validate user
// actions before reaching here.
func (m *Manager) setStatus(ctx context.Context, ref domain.EntityRef, to domain.Status, at time.Time, passive bool, edit func(*domain.Unit)) (domain.Unit, error) {
	u, err := m.load(ctx, ref)
	if err != nil {
		return domain.Unit{}, err
	}
	from := u.Status
	if !statemachine.CanTransition(u.Ref.Type, from, to) {
		return domain.Unit{}, fmt.Errorf("%s: transition %s -> %s is not allowed", ref, from, to)
	}
	if at.IsZero() {
		at = m.now()
	}
	u.Status = to
	switch to {
	case domain.StatusInProgress:
		if u.ActualStart == nil {
			v := at
			u.ActualStart = &v
		}
	case domain.StatusCompleted:
		if u.ActualStart == nil {
			v := at
			u.ActualStart = &v
		}
		v := at
		u.ActualEnd = &v
	}
	if edit != nil {
		edit(&u)
	}
	updated, err := m.store.Units().UpdateUnit(ctx, u)
	if err != nil {
		return domain.Unit{}, fmt.Errorf("update %s: %w", ref, err)
	}
	m.dirty = true
	m.changes = append(m.changes, Change{Entity: ref, Name: u.Name, From: from, To: to, Passive: passive})
	if kind, ok := eventKind(ref.Type, from, to); ok {
		if err := m.emit(ctx, kind, updated, map[string]any{
			"from":    string(from),
			"to":      string(to),
			"cascade": passive,
		}); err != nil {
			return domain.Unit{}, err
		}
	}
	return updated, nil
}

func eventKind(t domain.EntityType, from, to domain.Status) (domain.EventKind, bool) {
	if to == domain.StatusCancelled {
		return domain.EventEntityCancelled, true
	}
	switch t {
	case domain.EntityStage:
		switch {
		case to == domain.StatusInProgress && from == domain.StatusBlocked:
			return domain.EventStageResumed, true
		case to == domain.StatusInProgress:
			return domain.EventStageStarted, true
		case to == domain.StatusBlocked:
			return domain.EventStagePaused, true
		case to == domain.StatusCompleted:
			return domain.EventStageCompleted, true
		}
	case domain.EntityTask, domain.EntityAdhocTask:
		switch to {
		case domain.StatusInProgress:
			return domain.EventTaskStarted, true
		case domain.StatusCompleted:
			return domain.EventTaskCompleted, true
		}
	case domain.EntityStep:
		switch to {
		case domain.StatusReadyToStart:
			return domain.EventStepReadyToStart, true
		case domain.StatusInProgress:
			return domain.EventStepStarted, true
		case domain.StatusCompleted:
			return domain.EventStepCompleted, true
		case domain.StatusBlocked:
			return domain.EventStepBlocked, true
		}
	}
	return "", false
}

func (m *Manager) emit(ctx context.Context, kind domain.EventKind, u domain.Unit, payload map[string]any) error {
	event := domain.Event{
		Kind:        kind,
		ProjectID:   m.project,
		ActorUserID: m.actor,
		Entity:      u.Ref,
		EntityName:  u.Name,
		OccurredAt:  m.now(),
		Payload:     payload,
	}
	if _, err := m.store.Events().AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append %s event: %w", kind, err)
	}
	m.events = append(m.events, event)
	return nil
}

func (m *Manager) load(ctx context.Context, ref domain.EntityRef) (domain.Unit, error) {
	u, err := m.store.Units().GetUnit(ctx, m.project, ref)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Unit{}, domain.NotFound(ref)
		}
		return domain.Unit{}, fmt.Errorf("load %s: %w", ref, err)
	}
	return u, nil
}

// ancestors returns u's parents, nearest first.
func (m *Manager) ancestors(ctx context.Context, u domain.Unit) ([]domain.Unit, error) {
	var out []domain.Unit
	for cur := u; !cur.Parent.IsZero(); {
		parent, err := m.load(ctx, cur.Parent)
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}

func (m *Manager) children(ctx context.Context, ref domain.EntityRef) ([]domain.Unit, error) {
	if ref.Type == domain.EntityStep {
		return nil, nil
	}
	units, err := m.store.Units().ListUnits(ctx, repo.UnitFilter{ProjectID: m.project, Parent: ref})
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", ref, err)
	}
	return units, nil
}

// descendants returns every unit beneath ref, parents before children.
func (m *Manager) descendants(ctx context.Context, ref domain.EntityRef) ([]domain.Unit, error) {
	var out []domain.Unit
	frontier := []domain.EntityRef{ref}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		kids, err := m.children(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, k := range kids {
			out = append(out, k)
			frontier = append(frontier, k.Ref)
		}
	}
	return out, nil
}
