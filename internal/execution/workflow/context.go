package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
	"github.com/animus-labs/crewflow/internal/execution/rules"
	"github.com/animus-labs/crewflow/internal/execution/statemachine"
	"github.com/animus-labs/crewflow/internal/repo"
)

// actionContext is the aggregate an action is checked and applied against.
type actionContext struct {
	req         Request
	action      domain.Action
	project     domain.Project
	target      *domain.Unit
	ancestors   []domain.Unit
	children    []domain.Unit
	blockers    []dependency.Blocker
	assignment  *domain.Assignment
	assignments []domain.Assignment
}

func (ac *actionContext) entity() domain.EntityRef {
	switch {
	case ac.target != nil:
		return ac.target.Ref
	case ac.assignment != nil:
		return domain.EntityRef{Type: "ASSIGNMENT", ID: ac.assignment.ID}
	default:
		return domain.EntityRef{}
	}
}

func (ac *actionContext) subject() statemachine.Subject {
	return statemachine.Subject{Unit: ac.target, Ancestors: ac.ancestors, Assignment: ac.assignment}
}

func (ac *actionContext) facts(now time.Time) rules.Facts {
	return rules.Facts{
		Action:      ac.action,
		ActorUserID: ac.req.ActorUserID,
		Project:     ac.project,
		Target:      ac.target,
		Ancestors:   ac.ancestors,
		Children:    ac.children,
		Blockers:    ac.blockers,
		Assignments: ac.assignments,
		Assignment:  ac.assignment,
		Metadata:    ac.req.Metadata,
		Now:         now,
	}
}

// buildContext loads the project and the target aggregate for req.
func buildContext(ctx context.Context, store repo.Store, req Request) (*actionContext, error) {
	if req.Action == "" {
		return nil, &domain.InvalidRequestError{Reason: "unsupported action"}
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, &domain.InvalidRequestError{Reason: "project id is required"}
	}
	if strings.TrimSpace(req.ActorUserID) == "" {
		return nil, &domain.InvalidRequestError{Reason: "user id is required"}
	}
	project, err := store.Projects().GetProject(ctx, req.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &domain.EntityNotFoundError{Kind: "project", ID: req.ProjectID}
		}
		return nil, fmt.Errorf("load project: %w", err)
	}
	ac := &actionContext{req: req, action: req.Action, project: project}
	units := store.Units()

	if req.Action.Target() == domain.LevelAssignment {
		id := strings.TrimSpace(req.AssignmentID)
		if id == "" {
			return nil, &domain.InvalidRequestError{Reason: "assignment id is required"}
		}
		a, err := store.Assignments().GetAssignment(ctx, req.ProjectID, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, &domain.EntityNotFoundError{Kind: "assignment", ID: id}
			}
			return nil, fmt.Errorf("load assignment: %w", err)
		}
		ac.assignment = &a
		if req.StepID != "" && req.StepID != a.StepID {
			return nil, &domain.InvalidRequestError{Reason: fmt.Sprintf("assignment %s does not belong to step %s", id, req.StepID)}
		}
		return ac, nil
	}

	ref, err := targetRef(ctx, units, req)
	if err != nil {
		return nil, err
	}
	target, err := units.GetUnit(ctx, req.ProjectID, ref)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.NotFound(ref)
		}
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	ac.target = &target

	for cur := target; !cur.Parent.IsZero(); {
		parent, err := units.GetUnit(ctx, req.ProjectID, cur.Parent)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, domain.NotFound(cur.Parent)
			}
			return nil, fmt.Errorf("load %s: %w", cur.Parent, err)
		}
		ac.ancestors = append(ac.ancestors, parent)
		cur = parent
	}
	if err := ac.checkHierarchy(); err != nil {
		return nil, err
	}

	if target.Ref.Type != domain.EntityStep {
		ac.children, err = units.ListUnits(ctx, repo.UnitFilter{ProjectID: req.ProjectID, Parent: target.Ref})
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", target.Ref, err)
		}
	} else {
		ac.assignments, err = store.Assignments().ListByStep(ctx, req.ProjectID, target.Ref.ID)
		if err != nil {
			return nil, fmt.Errorf("list assignments of %s: %w", target.Ref, err)
		}
	}

	switch req.Action {
	case domain.ActionStartStage, domain.ActionStartTask, domain.ActionStartStep:
		ac.blockers, err = dependency.NewResolver(store).Blockers(ctx, target)
		if err != nil {
			return nil, err
		}
	}
	return ac, nil
}

// targetRef picks the unit the action addresses. Task ids resolve to regular
// tasks first, then to ad-hoc tasks.
func targetRef(ctx context.Context, units repo.UnitRepository, req Request) (domain.EntityRef, error) {
	switch req.Action.Target() {
	case domain.LevelStage:
		if strings.TrimSpace(req.StageID) == "" {
			return domain.EntityRef{}, &domain.InvalidRequestError{Reason: "stage id is required"}
		}
		return domain.Ref(domain.EntityStage, req.StageID), nil
	case domain.LevelStep:
		if strings.TrimSpace(req.StepID) == "" {
			return domain.EntityRef{}, &domain.InvalidRequestError{Reason: "step id is required"}
		}
		return domain.Ref(domain.EntityStep, req.StepID), nil
	case domain.LevelTask:
		if strings.TrimSpace(req.TaskID) == "" {
			return domain.EntityRef{}, &domain.InvalidRequestError{Reason: "task id is required"}
		}
		ref := domain.Ref(domain.EntityTask, req.TaskID)
		if _, err := units.GetUnit(ctx, req.ProjectID, ref); err == nil {
			return ref, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.EntityRef{}, fmt.Errorf("load %s: %w", ref, err)
		}
		return domain.Ref(domain.EntityAdhocTask, req.TaskID), nil
	default:
		return domain.EntityRef{}, &domain.InvalidRequestError{Reason: fmt.Sprintf("unsupported action %q", req.Action)}
	}
}

// checkHierarchy rejects requests whose stage or task ids name a different
// branch than the one the target sits in.
func (ac *actionContext) checkHierarchy() error {
	want := map[domain.TargetLevel]string{
		domain.LevelStage: strings.TrimSpace(ac.req.StageID),
		domain.LevelTask:  strings.TrimSpace(ac.req.TaskID),
	}
	for _, a := range ac.ancestors {
		var level domain.TargetLevel
		switch {
		case a.Ref.Type == domain.EntityStage:
			level = domain.LevelStage
		case a.Ref.Type.IsTaskLevel():
			level = domain.LevelTask
		default:
			continue
		}
		if id := want[level]; id != "" && id != a.Ref.ID {
			return &domain.InvalidRequestError{
				Reason: fmt.Sprintf("%s does not belong to %s %s", ac.target.Ref, strings.ToLower(string(level)), id),
			}
		}
	}
	return nil
}
