package domain

import (
	"errors"
	"fmt"
	"strings"
)

// IllegalStateTransitionError reports an action that is not valid from the
// target's current status.
type IllegalStateTransitionError struct {
	Action   Action
	Entity   EntityRef
	Current  string
	Expected []string
	Reason   string
}

func (e *IllegalStateTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s %s: %s", actionVerb(e.Action), e.Entity, e.Reason)
	}
	return fmt.Sprintf("cannot %s %s: status is %s, expected %s",
		actionVerb(e.Action), e.Entity, e.Current, strings.Join(e.Expected, " or "))
}

// RuleViolationError aggregates the messages of every failing business rule.
type RuleViolationError struct {
	Action  Action
	Entity  EntityRef
	Reasons []string
}

func (e *RuleViolationError) Error() string {
	if len(e.Reasons) == 0 {
		return "rule violation"
	}
	return fmt.Sprintf("cannot %s %s: %s", actionVerb(e.Action), e.Entity, strings.Join(e.Reasons, "; "))
}

func (e *RuleViolationError) Add(reason string) {
	if strings.TrimSpace(reason) == "" {
		return
	}
	e.Reasons = append(e.Reasons, reason)
}

func (e *RuleViolationError) OrNil() error {
	if e == nil || len(e.Reasons) == 0 {
		return nil
	}
	return e
}

// CircularDependencyError is returned when an edge would close a cycle, or
// when a calculation meets an existing one.
type CircularDependencyError struct {
	Cycle []EntityRef
}

func (e *CircularDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return "circular dependency"
	}
	parts := make([]string, 0, len(e.Cycle))
	for _, ref := range e.Cycle {
		parts = append(parts, ref.String())
	}
	return "circular dependency: " + strings.Join(parts, " -> ")
}

// EntityNotFoundError reports a missing unit, edge, assignment or project.
type EntityNotFoundError struct {
	Kind string
	ID   string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", strings.ToLower(e.Kind), e.ID)
}

// NotFound builds an EntityNotFoundError for a unit reference.
func NotFound(ref EntityRef) error {
	return &EntityNotFoundError{Kind: string(ref.Type), ID: ref.ID}
}

// SchedulingConflictError wraps conflicts that prevented part of a schedule
// from being computed. Calculators return conflicts as data; this type lets
// callers that need a hard failure convert them.
type SchedulingConflictError struct {
	Conflicts []SchedulingConflict
}

func (e *SchedulingConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, string(c.Kind)+": "+c.Message)
	}
	return "scheduling conflicts: " + strings.Join(parts, "; ")
}

// InvalidDependencyError rejects an edge for reasons other than a cycle.
type InvalidDependencyError struct {
	Reason string
}

func (e *InvalidDependencyError) Error() string {
	return "invalid dependency: " + e.Reason
}

// InvalidRequestError rejects a malformed action or query.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// IsRefusal reports whether err is a user-recoverable refusal rather than an
// unexpected failure.
func IsRefusal(err error) bool {
	if err == nil {
		return false
	}
	var (
		illegal  *IllegalStateTransitionError
		rule     *RuleViolationError
		cycle    *CircularDependencyError
		notFound *EntityNotFoundError
		invalid  *InvalidDependencyError
		request  *InvalidRequestError
	)
	return errors.As(err, &illegal) ||
		errors.As(err, &rule) ||
		errors.As(err, &cycle) ||
		errors.As(err, &notFound) ||
		errors.As(err, &invalid) ||
		errors.As(err, &request)
}

// Reasons extracts the human-readable reasons carried by a refusal.
func Reasons(err error) []string {
	var rule *RuleViolationError
	if errors.As(err, &rule) {
		return append([]string(nil), rule.Reasons...)
	}
	if err == nil {
		return nil
	}
	return []string{err.Error()}
}

func actionVerb(a Action) string {
	if a == "" {
		return "modify"
	}
	return strings.ToLower(strings.ReplaceAll(string(a), "_", " "))
}
