package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/cascade"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
	"github.com/animus-labs/crewflow/internal/execution/schedule"
	"github.com/animus-labs/crewflow/internal/repo"
)

// Dependencies returns the edges where ref is the dependent.
func (e *Engine) Dependencies(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	return dependency.NewResolver(e.db.Reader()).DependenciesOf(ctx, projectID, ref)
}

// Dependents returns the edges where ref is the dependsOn side.
func (e *Engine) Dependents(ctx context.Context, projectID string, ref domain.EntityRef) ([]domain.Dependency, error) {
	return dependency.NewResolver(e.db.Reader()).DependentsOf(ctx, projectID, ref)
}

// ComputeCriticalPath runs the calculator on committed state.
func (e *Engine) ComputeCriticalPath(ctx context.Context, projectID string) (domain.CriticalPathResult, error) {
	in, err := schedule.Load(ctx, e.db.Reader(), projectID)
	if err != nil {
		return domain.CriticalPathResult{}, err
	}
	return schedule.Compute(in), nil
}

// GraphChange is the outcome of an edge or unit mutation.
type GraphChange struct {
	Dependency   *domain.Dependency `json:"dependency,omitempty"`
	RemovedEdges int                `json:"removedEdges,omitempty"`
	Changes      []cascade.Change   `json:"changes,omitempty"`
}

// AddDependency inserts edge. Rejected edges return CircularDependencyError,
// InvalidDependencyError or EntityNotFoundError and change nothing.
func (e *Engine) AddDependency(ctx context.Context, actorUserID string, edge domain.Dependency) (GraphChange, error) {
	var out GraphChange
	err := e.mutate(ctx, edge.ProjectID, actorUserID, edge.Dependent, func(ctx context.Context, m *cascade.Manager) error {
		created, err := m.AddDependency(ctx, edge)
		if err != nil {
			return err
		}
		out.Dependency = &created
		return nil
	}, &out)
	if err != nil {
		return GraphChange{}, err
	}
	e.logger.InfoContext(ctx, "dependency added",
		"project_id", edge.ProjectID,
		"dependency_id", out.Dependency.ID,
		"dependent", edge.Dependent.String(),
		"depends_on", edge.DependsOn.String(),
		"status", string(out.Dependency.Status),
	)
	return out, nil
}

// RemoveDependency deletes an edge and re-checks its dependent.
func (e *Engine) RemoveDependency(ctx context.Context, projectID, actorUserID, id string) (GraphChange, error) {
	var out GraphChange
	err := e.mutate(ctx, projectID, actorUserID, domain.EntityRef{}, func(ctx context.Context, m *cascade.Manager) error {
		removed, err := m.RemoveDependency(ctx, id)
		if err != nil {
			return err
		}
		out.Dependency = &removed
		out.RemovedEdges = 1
		return nil
	}, &out)
	return out, err
}

// DeleteUnit removes a unit, its descendants and every edge touching them.
func (e *Engine) DeleteUnit(ctx context.Context, projectID, actorUserID string, ref domain.EntityRef) (GraphChange, error) {
	var out GraphChange
	err := e.mutate(ctx, projectID, actorUserID, domain.EntityRef{}, func(ctx context.Context, m *cascade.Manager) error {
		n, err := m.DeleteUnit(ctx, ref)
		out.RemovedEdges = n
		return err
	}, &out)
	return out, err
}

// RunCascade re-runs the cascade for ref from its current status. External
// completions (for example a step closed by a document workflow) call this
// so that dependents and parents catch up.
func (e *Engine) RunCascade(ctx context.Context, projectID, actorUserID string, ref domain.EntityRef) (GraphChange, error) {
	var out GraphChange
	err := e.mutate(ctx, projectID, actorUserID, ref, func(ctx context.Context, m *cascade.Manager) error {
		return m.Cascade(ctx, ref)
	}, &out)
	return out, err
}

// Promote re-checks readiness of ref or of every step beneath it.
func (e *Engine) Promote(ctx context.Context, projectID, actorUserID string, ref domain.EntityRef) (GraphChange, error) {
	var out GraphChange
	err := e.mutate(ctx, projectID, actorUserID, ref, func(ctx context.Context, m *cascade.Manager) error {
		return m.Promote(ctx, ref)
	}, &out)
	return out, err
}

func (e *Engine) mutate(ctx context.Context, projectID, actorUserID string, root domain.EntityRef, fn func(context.Context, *cascade.Manager) error, out *GraphChange) error {
	if strings.TrimSpace(projectID) == "" {
		return &domain.InvalidRequestError{Reason: "project id is required"}
	}
	var mgr *cascade.Manager
	err := e.db.WithinTx(ctx, func(ctx context.Context, store repo.Store) error {
		if _, err := store.Projects().GetProject(ctx, projectID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return &domain.EntityNotFoundError{Kind: "project", ID: projectID}
			}
			return fmt.Errorf("load project: %w", err)
		}
		mgr = cascade.New(store, projectID, actorUserID, e.now, e.cascade)
		if err := fn(ctx, mgr); err != nil {
			return err
		}
		return mgr.Finish(ctx, root)
	})
	if err != nil {
		if !domain.IsRefusal(err) {
			e.logger.ErrorContext(ctx, "graph mutation failed", "project_id", projectID, "actor", actorUserID, "error", err)
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		return err
	}
	out.Changes = mgr.Changes()
	e.publish(ctx, mgr.Events())
	return nil
}
