package cascade

import (
	"context"
	"fmt"

	"github.com/animus-labs/crewflow/internal/domain"
)

// reconcile re-checks u when it is a step, otherwise every step beneath it.
func (m *Manager) reconcile(ctx context.Context, u domain.Unit) error {
	if u.Ref.Type == domain.EntityStep {
		return m.reconcileStep(ctx, u)
	}
	descendants, err := m.descendants(ctx, u.Ref)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if d.Ref.Type != domain.EntityStep {
			continue
		}
		if err := m.reconcileStep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// reconcileStep promotes a NOT_STARTED step that became ready and demotes a
// READY_TO_START step that gained a gate. A paused or closed ancestor keeps a
// step from being promoted but never demotes it.
func (m *Manager) reconcileStep(ctx context.Context, step domain.Unit) error {
	if !step.Status.IsStartable() {
		return nil
	}
	satisfied, err := m.gatesOpen(ctx, step)
	if err != nil {
		return err
	}
	switch {
	case step.Status == domain.StatusNotStarted && satisfied:
		open, err := m.ancestorsOpen(ctx, step)
		if err != nil || !open {
			return err
		}
		_, err = m.setStatus(ctx, step.Ref, domain.StatusReadyToStart, m.now(), true, nil)
		return err
	case step.Status == domain.StatusReadyToStart && !satisfied:
		_, err := m.setStatus(ctx, step.Ref, domain.StatusNotStarted, m.now(), true, nil)
		return err
	}
	return nil
}

// IsReady reports whether u may be started: its own and inherited edges are
// satisfied, no ancestor is paused or closed and, for steps, the assignment
// gate passes.
func (m *Manager) IsReady(ctx context.Context, u domain.Unit) (bool, error) {
	satisfied, err := m.gatesOpen(ctx, u)
	if err != nil || !satisfied {
		return false, err
	}
	return m.ancestorsOpen(ctx, u)
}

func (m *Manager) gatesOpen(ctx context.Context, step domain.Unit) (bool, error) {
	pending, err := m.resolver.EffectiveUnsatisfied(ctx, step)
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		return false, nil
	}
	if !m.opts.RequireAcceptedAssignment || step.Ref.Type != domain.EntityStep {
		return true, nil
	}
	assignments, err := m.store.Assignments().ListByStep(ctx, m.project, step.Ref.ID)
	if err != nil {
		return false, fmt.Errorf("list assignments of %s: %w", step.Ref, err)
	}
	return AssignmentGate(assignments), nil
}

func (m *Manager) ancestorsOpen(ctx context.Context, step domain.Unit) (bool, error) {
	ancestors, err := m.ancestors(ctx, step)
	if err != nil {
		return false, err
	}
	for _, a := range ancestors {
		if a.Status == domain.StatusBlocked || a.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}

// AssignmentGate is true when at least one assignment is accepted and none
// is awaiting an answer.
func AssignmentGate(assignments []domain.Assignment) bool {
	accepted := false
	for _, a := range assignments {
		switch a.Status {
		case domain.AssignmentPending:
			return false
		case domain.AssignmentAccepted:
			accepted = true
		}
	}
	return accepted
}
