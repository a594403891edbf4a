// Package dependency answers read-only questions about a project's
// dependency graph. Every mutation of edges lives in the cascade package.
package dependency

import (
	"context"
	"errors"
	"fmt"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
)

type Resolver struct {
	units repo.UnitRepository
	deps  repo.DependencyRepository
}

func NewResolver(store repo.Store) *Resolver {
	return &Resolver{units: store.Units(), deps: store.Dependencies()}
}

// DependenciesOf returns the edges where ref is the dependent.
func (r *Resolver) DependenciesOf(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	edges, err := r.deps.ListByDependent(ctx, projectID, ref)
	if err != nil {
		return nil, fmt.Errorf("dependencies of %s: %w", ref, err)
	}
	return edges, nil
}

// DependentsOf returns the edges where ref is the dependsOn side.
func (r *Resolver) DependentsOf(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	edges, err := r.deps.ListByDependsOn(ctx, projectID, ref)
	if err != nil {
		return nil, fmt.Errorf("dependents of %s: %w", ref, err)
	}
	return edges, nil
}

// IsSatisfied is true when every incoming edge of ref is SATISFIED.
func (r *Resolver) IsSatisfied(ctx context.Context, projectID string, ref domain.EntityRef) (bool, error) {
	pending, err := r.Unsatisfied(ctx, projectID, ref)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

// Unsatisfied returns the incoming edges of ref that still gate it.
func (r *Resolver) Unsatisfied(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	edges, err := r.DependenciesOf(ctx, projectID, ref)
	if err != nil {
		return nil, err
	}
	var out []domain.Dependency
	for _, edge := range edges {
		if !edge.IsSatisfied() {
			out = append(out, edge)
		}
	}
	return out, nil
}

// EffectiveUnsatisfied returns the gating edges of unit and of every ancestor
// in the hierarchy. A step under a task that still waits on another task is
// not startable even when the step itself has no edges.
func (r *Resolver) EffectiveUnsatisfied(ctx context.Context, unit domain.Unit) ([]domain.Dependency, error) {
	var out []domain.Dependency
	current := unit
	for {
		pending, err := r.Unsatisfied(ctx, unit.ProjectID, current.Ref)
		if err != nil {
			return nil, err
		}
		out = append(out, pending...)
		if current.Parent.IsZero() {
			return out, nil
		}
		parent, err := r.units.GetUnit(ctx, unit.ProjectID, current.Parent)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, domain.NotFound(current.Parent)
			}
			return nil, fmt.Errorf("load parent of %s: %w", current.Ref, err)
		}
		current = parent
	}
}

// Graph loads every edge of the project.
func (r *Resolver) Graph(ctx context.Context, projectID string) (*Graph, error) {
	edges, err := r.deps.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project dependencies: %w", err)
	}
	return NewGraph(edges), nil
}

// TransitiveDependencies returns every unit ref waits on, directly or not.
func (r *Resolver) TransitiveDependencies(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.EntityRef, error) {
	g, err := r.Graph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return g.Ancestors(ref), nil
}

// TransitiveDependents returns every unit that waits on ref, directly or not.
func (r *Resolver) TransitiveDependents(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.EntityRef, error) {
	g, err := r.Graph(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return g.Descendants(ref), nil
}

// waitNode is one side of a unit in the wait graph: its start or its finish.
type waitNode struct {
	ref    domain.EntityRef
	finish bool
}

// WouldCreateCycle returns the cycle edge would close, or nil. The search
// runs over the wait graph rather than the bare edges: a unit starts only
// after its parent may start and after whatever its own edges wait on, and it
// finishes only after it started and every child finished. An edge on a task
// therefore binds the steps beneath it, and a cycle may pass through the
// hierarchy.
func (r *Resolver) WouldCreateCycle(ctx context.Context, edge domain.Dependency) ([]domain.EntityRef, error) {
	if edge.Dependent == edge.DependsOn {
		return []domain.EntityRef{edge.Dependent, edge.Dependent}, nil
	}
	units, err := r.units.ListUnits(ctx, repo.UnitFilter{ProjectID: edge.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("load project units: %w", err)
	}
	edges, err := r.deps.ListByProject(ctx, edge.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project dependencies: %w", err)
	}
	parent := make(map[domain.EntityRef]domain.EntityRef, len(units))
	children := make(map[domain.EntityRef][]domain.EntityRef)
	for _, u := range units {
		if !u.Parent.IsZero() {
			parent[u.Ref] = u.Parent
			children[u.Parent] = append(children[u.Parent], u.Ref)
		}
	}
	waits := make(map[domain.EntityRef][]domain.Dependency)
	for _, e := range edges {
		waits[e.Dependent] = append(waits[e.Dependent], e)
	}
	side := func(ref domain.EntityRef, t domain.DependencyType) waitNode {
		return waitNode{ref: ref, finish: t != domain.StartToStart}
	}
	next := func(n waitNode) []waitNode {
		var out []waitNode
		if n.finish {
			out = append(out, waitNode{ref: n.ref})
			for _, c := range children[n.ref] {
				out = append(out, waitNode{ref: c, finish: true})
			}
			return out
		}
		if p, ok := parent[n.ref]; ok {
			out = append(out, waitNode{ref: p})
		}
		for _, e := range waits[n.ref] {
			out = append(out, side(e.DependsOn, e.Type))
		}
		return out
	}

	from := side(edge.DependsOn, domain.NormalizeDependencyType(string(edge.Type)))
	to := waitNode{ref: edge.Dependent}
	prev := map[waitNode]waitNode{from: from}
	queue := []waitNode{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var nodes []waitNode
			for n := cur; n != from; n = prev[n] {
				nodes = append(nodes, n)
			}
			nodes = append(nodes, from)
			cycle := []domain.EntityRef{edge.Dependent}
			for i := len(nodes) - 1; i >= 0; i-- {
				if ref := nodes[i].ref; cycle[len(cycle)-1] != ref {
					cycle = append(cycle, ref)
				}
			}
			return cycle, nil
		}
		for _, n := range next(cur) {
			if _, seen := prev[n]; seen {
				continue
			}
			prev[n] = cur
			queue = append(queue, n)
		}
	}
	return nil, nil
}

// CheckCycle wraps WouldCreateCycle into a CircularDependencyError.
func (r *Resolver) CheckCycle(ctx context.Context, edge domain.Dependency) error {
	cycle, err := r.WouldCreateCycle(ctx, edge)
	if err != nil {
		return err
	}
	if cycle != nil {
		return &domain.CircularDependencyError{Cycle: cycle}
	}
	return nil
}
