package workflow

import (
	"context"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/cascade"
)

// handler applies a validated action and returns the target's new status.
type handler func(ctx context.Context, m *cascade.Manager, ac *actionContext, at time.Time) (string, error)

// handlers is the fixed dispatch table; a test checks it covers every action.
var handlers = map[domain.Action]handler{
	domain.ActionStartStage:        startUnit,
	domain.ActionCompleteStage:     completeUnit,
	domain.ActionPauseStage:        pauseUnit,
	domain.ActionResumeStage:       resumeUnit,
	domain.ActionCancelStage:       cancelUnit,
	domain.ActionStartTask:         startUnit,
	domain.ActionCompleteTask:      completeUnit,
	domain.ActionCancelTask:        cancelUnit,
	domain.ActionStartStep:         startUnit,
	domain.ActionCompleteStep:      completeUnit,
	domain.ActionBlockStep:         pauseUnit,
	domain.ActionResumeStep:        resumeUnit,
	domain.ActionCancelStep:        cancelUnit,
	domain.ActionAcceptAssignment:  assignmentTo(domain.AssignmentAccepted),
	domain.ActionDeclineAssignment: assignmentTo(domain.AssignmentDeclined),
	domain.ActionCancelAssignment:  assignmentTo(domain.AssignmentCancelled),
}

func startUnit(ctx context.Context, m *cascade.Manager, ac *actionContext, at time.Time) (string, error) {
	u, err := m.Start(ctx, ac.target.Ref, at)
	return string(u.Status), err
}

func completeUnit(ctx context.Context, m *cascade.Manager, ac *actionContext, at time.Time) (string, error) {
	c := cascade.Completion{
		At:    at,
		Notes: ac.req.Metadata.String(domain.MetaCompletionNotes),
	}
	if passed, ok := ac.req.Metadata.Bool(domain.MetaQualityCheckPassed); ok {
		c.QualityCheckPassed = &passed
	}
	u, err := m.Complete(ctx, ac.target.Ref, c)
	return string(u.Status), err
}

func pauseUnit(ctx context.Context, m *cascade.Manager, ac *actionContext, at time.Time) (string, error) {
	u, err := m.Pause(ctx, ac.target.Ref, at)
	return string(u.Status), err
}

func resumeUnit(ctx context.Context, m *cascade.Manager, ac *actionContext, at time.Time) (string, error) {
	u, err := m.Resume(ctx, ac.target.Ref, at)
	return string(u.Status), err
}

func cancelUnit(ctx context.Context, m *cascade.Manager, ac *actionContext, at time.Time) (string, error) {
	u, err := m.Cancel(ctx, ac.target.Ref, at)
	return string(u.Status), err
}

func assignmentTo(status domain.AssignmentStatus) handler {
	return func(ctx context.Context, m *cascade.Manager, ac *actionContext, at time.Time) (string, error) {
		a, err := m.SetAssignmentStatus(ctx, *ac.assignment, status, at)
		return string(a.Status), err
	}
}
