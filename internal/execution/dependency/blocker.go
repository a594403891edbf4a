package dependency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
)

// Blocker is an unsatisfied edge together with the unit it waits on.
type Blocker struct {
	Edge      domain.Dependency
	Name      string
	Status    domain.Status
	Inherited bool
}

// Reason renders the blocker for end users, e.g.
// `depends on task "Framing" which is not yet complete`.
func (b Blocker) Reason() string {
	subject := fmt.Sprintf("%s %q", describe(b.Edge.DependsOn.Type), b.Name)
	if b.Name == "" {
		subject = b.Edge.DependsOn.String()
	}
	var condition string
	switch {
	case b.Status == domain.StatusCancelled:
		condition = "which was cancelled"
	case b.Status == domain.StatusBlocked:
		condition = "which is paused"
	case b.Edge.Status == domain.DependencyBlocked:
		condition = "which was cancelled"
	case b.Edge.Type == domain.StartToStart:
		condition = "which has not started"
	default:
		condition = "which is not yet complete"
	}
	prefix := "depends on"
	if b.Inherited {
		prefix = fmt.Sprintf("parent %s depends on", describe(b.Edge.Dependent.Type))
	}
	return prefix + " " + subject + " " + condition
}

// Blockers resolves EffectiveUnsatisfied into named blockers.
func (r *Resolver) Blockers(ctx context.Context, unit domain.Unit) ([]Blocker, error) {
	edges, err := r.EffectiveUnsatisfied(ctx, unit)
	if err != nil {
		return nil, err
	}
	out := make([]Blocker, 0, len(edges))
	for _, edge := range edges {
		b := Blocker{Edge: edge, Inherited: edge.Dependent != unit.Ref}
		dependsOn, err := r.units.GetUnit(ctx, unit.ProjectID, edge.DependsOn)
		switch {
		case err == nil:
			b.Name = dependsOn.Name
			b.Status = dependsOn.Status
		case errors.Is(err, repo.ErrNotFound):
		default:
			return nil, fmt.Errorf("load %s: %w", edge.DependsOn, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Reasons renders each blocker.
func Reasons(blockers []Blocker) []string {
	out := make([]string, 0, len(blockers))
	for _, b := range blockers {
		out = append(out, b.Reason())
	}
	return out
}

func describe(t domain.EntityType) string {
	if t == domain.EntityAdhocTask {
		return "ad-hoc task"
	}
	return strings.ToLower(string(t))
}
