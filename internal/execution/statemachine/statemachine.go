// Package statemachine holds the transition tables for stages, tasks, steps
// and assignments, and the validator that checks an action against them.
package statemachine

import (
	"fmt"
	"strings"

	"github.com/animus-labs/crewflow/internal/domain"
)

// anyOpen marks the CANCEL_* actions, legal from every non-terminal status.
const anyOpen = "*"

// Transition describes one user action. Every action except the CANCEL_*
// family has exactly one legal source status.
type Transition struct {
	Action domain.Action
	Level  domain.TargetLevel
	From   string
	To     string
}

// AcceptsFrom reports whether status is a legal source for the transition.
func (t Transition) AcceptsFrom(status string) bool {
	if t.From == anyOpen {
		return !isTerminal(t.Level, status)
	}
	return status == t.From
}

// Expected lists the legal source statuses for error messages.
func (t Transition) Expected() []string {
	if t.From != anyOpen {
		return []string{t.From}
	}
	out := []string{string(domain.StatusNotStarted)}
	if t.Level == domain.LevelStep {
		out = append(out, string(domain.StatusReadyToStart))
	}
	return append(out, string(domain.StatusInProgress), string(domain.StatusBlocked))
}

func isTerminal(level domain.TargetLevel, status string) bool {
	if level == domain.LevelAssignment {
		return !domain.AssignmentStatus(status).IsActive()
	}
	return domain.Status(status).IsTerminal()
}

func unit(action domain.Action, level domain.TargetLevel, from string, to domain.Status) Transition {
	return Transition{Action: action, Level: level, From: from, To: string(to)}
}

var (
	notStarted = string(domain.StatusNotStarted)
	ready      = string(domain.StatusReadyToStart)
	inProgress = string(domain.StatusInProgress)
	blocked    = string(domain.StatusBlocked)
)

var transitions = map[domain.Action]Transition{
	domain.ActionStartStage:    unit(domain.ActionStartStage, domain.LevelStage, notStarted, domain.StatusInProgress),
	domain.ActionCompleteStage: unit(domain.ActionCompleteStage, domain.LevelStage, inProgress, domain.StatusCompleted),
	domain.ActionPauseStage:    unit(domain.ActionPauseStage, domain.LevelStage, inProgress, domain.StatusBlocked),
	domain.ActionResumeStage:   unit(domain.ActionResumeStage, domain.LevelStage, blocked, domain.StatusInProgress),
	domain.ActionCancelStage:   unit(domain.ActionCancelStage, domain.LevelStage, anyOpen, domain.StatusCancelled),
	domain.ActionStartTask:     unit(domain.ActionStartTask, domain.LevelTask, notStarted, domain.StatusInProgress),
	domain.ActionCompleteTask:  unit(domain.ActionCompleteTask, domain.LevelTask, inProgress, domain.StatusCompleted),
	domain.ActionCancelTask:    unit(domain.ActionCancelTask, domain.LevelTask, anyOpen, domain.StatusCancelled),
	domain.ActionStartStep:     unit(domain.ActionStartStep, domain.LevelStep, ready, domain.StatusInProgress),
	domain.ActionCompleteStep:  unit(domain.ActionCompleteStep, domain.LevelStep, inProgress, domain.StatusCompleted),
	domain.ActionBlockStep:     unit(domain.ActionBlockStep, domain.LevelStep, inProgress, domain.StatusBlocked),
	domain.ActionResumeStep:    unit(domain.ActionResumeStep, domain.LevelStep, blocked, domain.StatusInProgress),
	domain.ActionCancelStep:    unit(domain.ActionCancelStep, domain.LevelStep, anyOpen, domain.StatusCancelled),
	domain.ActionAcceptAssignment: {
		Action: domain.ActionAcceptAssignment, Level: domain.LevelAssignment,
		From: string(domain.AssignmentPending), To: string(domain.AssignmentAccepted),
	},
	domain.ActionDeclineAssignment: {
		Action: domain.ActionDeclineAssignment, Level: domain.LevelAssignment,
		From: string(domain.AssignmentPending), To: string(domain.AssignmentDeclined),
	},
	domain.ActionCancelAssignment: {
		Action: domain.ActionCancelAssignment, Level: domain.LevelAssignment,
		From: string(domain.AssignmentAccepted), To: string(domain.AssignmentCancelled),
	},
}

// Lookup returns the transition for action.
func Lookup(action domain.Action) (Transition, bool) {
	t, ok := transitions[action]
	return t, ok
}

// Table returns every transition in action declaration order.
func Table() []Transition {
	out := make([]Transition, 0, len(transitions))
	for _, action := range domain.Actions() {
		if t, ok := transitions[action]; ok {
			out = append(out, t)
		}
	}
	return out
}

// CanTransition reports whether a unit of kind may move from one status to
// another, covering the passive moves the cascade performs.
func CanTransition(kind domain.EntityType, from, to domain.Status) bool {
	if from == to {
		return false
	}
	if to == domain.StatusCancelled {
		return !from.IsTerminal()
	}
	switch kind {
	case domain.EntityStep:
		switch from {
		case domain.StatusNotStarted:
			return to == domain.StatusReadyToStart
		case domain.StatusReadyToStart:
			return to == domain.StatusInProgress || to == domain.StatusNotStarted
		case domain.StatusInProgress:
			return to == domain.StatusCompleted || to == domain.StatusBlocked
		case domain.StatusBlocked:
			return to == domain.StatusInProgress
		}
	case domain.EntityStage, domain.EntityTask, domain.EntityAdhocTask:
		switch from {
		case domain.StatusNotStarted:
			// auto-completion of a container whose children all finished
			return to == domain.StatusInProgress || to == domain.StatusCompleted
		case domain.StatusInProgress:
			return to == domain.StatusCompleted || to == domain.StatusBlocked
		case domain.StatusBlocked:
			return to == domain.StatusInProgress
		}
	}
	return false
}

// Subject is what the validator inspects: the target unit with its
// ancestors (nearest first) or the target assignment with its step.
type Subject struct {
	Unit       *domain.Unit
	Ancestors  []domain.Unit
	Assignment *domain.Assignment
}

// Validate checks action against the subject's current status.
func Validate(action domain.Action, subject Subject) error {
	t, ok := Lookup(action)
	if !ok {
		return &domain.InvalidRequestError{Reason: fmt.Sprintf("unsupported action %q", action)}
	}

	if t.Level == domain.LevelAssignment {
		a := subject.Assignment
		if a == nil {
			return &domain.InvalidRequestError{Reason: "assignment id is required"}
		}
		if !t.AcceptsFrom(string(a.Status)) {
			return &domain.IllegalStateTransitionError{
				Action:   action,
				Entity:   domain.EntityRef{Type: "ASSIGNMENT", ID: a.ID},
				Current:  string(a.Status),
				Expected: t.Expected(),
			}
		}
		return nil
	}

	u := subject.Unit
	if u == nil {
		return &domain.InvalidRequestError{Reason: fmt.Sprintf("%s target is required", t.Level)}
	}
	if !levelMatches(t.Level, u.Ref.Type) {
		return &domain.InvalidRequestError{Reason: fmt.Sprintf("%s cannot be applied to %s", action, u.Ref)}
	}
	if !t.AcceptsFrom(string(u.Status)) {
		return &domain.IllegalStateTransitionError{
			Action:   action,
			Entity:   u.Ref,
			Current:  string(u.Status),
			Expected: t.Expected(),
		}
	}

	switch action {
	case domain.ActionStartStep, domain.ActionStartTask, domain.ActionResumeStep:
		for _, ancestor := range subject.Ancestors {
			if reason := blockingAncestor(ancestor); reason != "" {
				return &domain.IllegalStateTransitionError{
					Action:  action,
					Entity:  u.Ref,
					Current: string(u.Status),
					Reason:  reason,
				}
			}
		}
	}
	return nil
}

func levelMatches(level domain.TargetLevel, kind domain.EntityType) bool {
	switch level {
	case domain.LevelStage:
		return kind == domain.EntityStage
	case domain.LevelTask:
		return kind.IsTaskLevel()
	case domain.LevelStep:
		return kind == domain.EntityStep
	default:
		return false
	}
}

// blockingAncestor explains why an ancestor prevents work underneath it.
// NOT_STARTED ancestors are started by the cascade, IN_PROGRESS ones are fine.
func blockingAncestor(ancestor domain.Unit) string {
	switch ancestor.Status {
	case domain.StatusBlocked:
		return fmt.Sprintf("parent %s %q is paused", describe(ancestor.Ref.Type), ancestor.Name)
	case domain.StatusCompleted, domain.StatusCancelled:
		return fmt.Sprintf("parent %s %q is %s", describe(ancestor.Ref.Type), ancestor.Name, strings.ToLower(string(ancestor.Status)))
	default:
		return ""
	}
}

func describe(t domain.EntityType) string {
	if t == domain.EntityAdhocTask {
		return "ad-hoc task"
	}
	return strings.ToLower(string(t))
}
