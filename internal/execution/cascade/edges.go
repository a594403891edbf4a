package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
)

// AddDependency validates and inserts edge. A rejected edge leaves the graph
// untouched. The initial status follows the dependsOn unit: SATISFIED when it
// already meets the edge condition, BLOCKED when it is cancelled or paused, otherwise
// PENDING, in which case ready dependents are moved back to NOT_STARTED.
func (m *Manager) AddDependency(ctx context.Context, edge domain.Dependency) (domain.Dependency, error) {
	edge.ProjectID = m.project
	edge.Type = domain.NormalizeDependencyType(string(edge.Type))
	if !edge.Type.IsSupported() {
		return domain.Dependency{}, &domain.InvalidDependencyError{
			Reason: fmt.Sprintf("dependency type %s is not supported", edge.Type),
		}
	}
	if edge.Dependent == edge.DependsOn {
		return domain.Dependency{}, &domain.InvalidDependencyError{Reason: "an entity cannot depend on itself"}
	}
	if edge.LagDays < 0 {
		return domain.Dependency{}, &domain.InvalidDependencyError{Reason: "lag days must be >= 0"}
	}
	for _, ref := range []domain.EntityRef{edge.Dependent, edge.DependsOn} {
		if err := ref.Validate(); err != nil {
			return domain.Dependency{}, &domain.InvalidDependencyError{Reason: err.Error()}
		}
	}

	dependent, err := m.load(ctx, edge.Dependent)
	if err != nil {
		return domain.Dependency{}, err
	}
	dependsOn, err := m.load(ctx, edge.DependsOn)
	if err != nil {
		return domain.Dependency{}, err
	}
	if err := m.checkHierarchy(ctx, dependent, dependsOn); err != nil {
		return domain.Dependency{}, err
	}

	existing, err := m.resolver.DependenciesOf(ctx, m.project, edge.Dependent)
	if err != nil {
		return domain.Dependency{}, err
	}
	for _, e := range existing {
		if e.DependsOn == edge.DependsOn {
			return domain.Dependency{}, &domain.InvalidDependencyError{
				Reason: fmt.Sprintf("%s already depends on %s", edge.Dependent, edge.DependsOn),
			}
		}
	}
	if err := m.resolver.CheckCycle(ctx, edge); err != nil {
		return domain.Dependency{}, err
	}

	if strings.TrimSpace(edge.ID) == "" {
		edge.ID = uuid.NewString()
	}
	now := m.now()
	edge.CreatedAt = now
	edge.CreatedBy = m.actor
	edge.SatisfiedAt = nil
	switch {
	case dependsOn.Status == domain.StatusCancelled || dependsOn.Status == domain.StatusBlocked:
		edge.Status = domain.DependencyBlocked
	case edge.Type.SatisfiedBy(dependsOn.Status):
		edge.Status = domain.DependencySatisfied
		edge.SatisfiedAt = &now
	default:
		edge.Status = domain.DependencyPending
	}
	if err := m.store.Dependencies().CreateDependency(ctx, edge); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Dependency{}, &domain.InvalidDependencyError{
				Reason: fmt.Sprintf("%s already depends on %s", edge.Dependent, edge.DependsOn),
			}
		}
		return domain.Dependency{}, fmt.Errorf("create dependency: %w", err)
	}
	m.dirty = true
	if edge.Status != domain.DependencySatisfied {
		if err := m.reconcile(ctx, dependent); err != nil {
			return domain.Dependency{}, err
		}
	}
	return edge, m.drain(ctx)
}

// checkHierarchy rejects edges between a unit and its own ancestor or
// descendant; the hierarchy already orders those.
func (m *Manager) checkHierarchy(ctx context.Context, dependent, dependsOn domain.Unit) error {
	for _, pair := range [][2]domain.Unit{{dependent, dependsOn}, {dependsOn, dependent}} {
		ancestors, err := m.ancestors(ctx, pair[0])
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			if a.Ref == pair[1].Ref {
				return &domain.InvalidDependencyError{
					Reason: fmt.Sprintf("%s is an ancestor of %s", pair[1].Ref, pair[0].Ref),
				}
			}
		}
	}
	return nil
}

// RemoveDependency deletes an edge and re-checks its dependent, which may
// now be ready.
func (m *Manager) RemoveDependency(ctx context.Context, id string) (domain.Dependency, error) {
	edge, err := m.store.Dependencies().GetDependency(ctx, m.project, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Dependency{}, &domain.EntityNotFoundError{Kind: "dependency", ID: id}
		}
		return domain.Dependency{}, fmt.Errorf("load dependency %s: %w", id, err)
	}
	if err := m.store.Dependencies().DeleteDependency(ctx, m.project, id); err != nil {
		return domain.Dependency{}, fmt.Errorf("delete dependency %s: %w", id, err)
	}
	m.dirty = true
	dependent, err := m.load(ctx, edge.Dependent)
	if err != nil {
		return domain.Dependency{}, err
	}
	if err := m.reconcile(ctx, dependent); err != nil {
		return domain.Dependency{}, err
	}
	return edge, m.drain(ctx)
}

// DeleteUnit removes ref, everything beneath it and every edge touching any
// of them. Dependents that survive are re-checked and the parent may
// complete if the deleted unit was its last open child.
func (m *Manager) DeleteUnit(ctx context.Context, ref domain.EntityRef) (int, error) {
	u, err := m.load(ctx, ref)
	if err != nil {
		return 0, err
	}
	descendants, err := m.descendants(ctx, ref)
	if err != nil {
		return 0, err
	}
	doomed := append([]domain.Unit{u}, descendants...)
	gone := make(map[domain.EntityRef]bool, len(doomed))
	for _, d := range doomed {
		gone[d.Ref] = true
	}

	var survivors []domain.EntityRef
	for _, d := range doomed {
		edges, err := m.resolver.DependentsOf(ctx, m.project, d.Ref)
		if err != nil {
			return 0, err
		}
		for _, e := range edges {
			if !gone[e.Dependent] {
				survivors = append(survivors, e.Dependent)
			}
		}
	}

	removedEdges := 0
	for i := len(doomed) - 1; i >= 0; i-- {
		n, err := m.store.Dependencies().DeleteByEntity(ctx, m.project, doomed[i].Ref)
		if err != nil {
			return 0, fmt.Errorf("delete dependencies of %s: %w", doomed[i].Ref, err)
		}
		removedEdges += n
		if err := m.store.Units().DeleteUnit(ctx, m.project, doomed[i].Ref); err != nil {
			return 0, fmt.Errorf("delete %s: %w", doomed[i].Ref, err)
		}
	}
	m.dirty = true

	for _, ref := range survivors {
		dependent, err := m.load(ctx, ref)
		if err != nil {
			return 0, err
		}
		if err := m.reconcile(ctx, dependent); err != nil {
			return 0, err
		}
	}
	if !u.Parent.IsZero() {
		if err := m.completeParent(ctx, u); err != nil {
			return 0, err
		}
	}
	return removedEdges, m.drain(ctx)
}
