package rules

import (
	"fmt"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
)

// Built-in rule ids. Rule files may disable them per action.
const (
	RuleChildrenComplete      = "children-complete"
	RuleDependenciesSatisfied = "dependencies-satisfied"
	RuleAssignmentsSettled    = "assignments-settled"
	RuleQualityCheckPassed    = "quality-check-passed"
	RuleCompletionDate        = "completion-date-valid"
)

var builtinIDs = map[string]struct{}{
	RuleChildrenComplete:      {},
	RuleDependenciesSatisfied: {},
	RuleAssignmentsSettled:    {},
	RuleQualityCheckPassed:    {},
	RuleCompletionDate:        {},
}

func Builtins(cfg Config) []Rule {
	return []Rule{
		{
			ID:          RuleChildrenComplete,
			Description: "every non-cancelled child is completed",
			Actions:     []domain.Action{domain.ActionCompleteStage, domain.ActionCompleteTask},
			Check:       childrenComplete,
		},
		{
			ID:          RuleDependenciesSatisfied,
			Description: "every incoming dependency, own or inherited, is satisfied",
			Actions:     []domain.Action{domain.ActionStartStage, domain.ActionStartTask, domain.ActionStartStep},
			Check: func(f Facts) []string {
				return dependency.Reasons(f.Blockers)
			},
		},
		{
			ID:          RuleAssignmentsSettled,
			Description: "no assignment is awaiting an answer",
			Actions:     []domain.Action{domain.ActionStartStep},
			Check: func(f Facts) []string {
				return assignmentsSettled(f, cfg.RequireAcceptedAssignment)
			},
		},
		{
			ID:          RuleQualityCheckPassed,
			Description: "steps that require a quality check pass it before completion",
			Actions:     []domain.Action{domain.ActionCompleteStep},
			Check:       qualityCheckPassed,
		},
		{
			ID:          RuleCompletionDate,
			Description: "completion date parses and is not before the actual start",
			Actions:     []domain.Action{domain.ActionCompleteStep, domain.ActionCompleteTask, domain.ActionCompleteStage},
			Check:       completionDateValid,
		},
	}
}

func childrenComplete(f Facts) []string {
	var out []string
	for _, child := range f.Children {
		if child.Status == domain.StatusCompleted || child.Status == domain.StatusCancelled {
			continue
		}
		out = append(out, fmt.Sprintf("%s %q is not complete", describe(child.Ref.Type), child.Name))
	}
	return out
}

func assignmentsSettled(f Facts, requireAccepted bool) []string {
	var out []string
	accepted := 0
	for _, a := range f.Assignments {
		switch a.Status {
		case domain.AssignmentPending:
			out = append(out, fmt.Sprintf("assignment to %s is still pending", a.Assignee()))
		case domain.AssignmentAccepted:
			accepted++
		}
	}
	if requireAccepted && accepted == 0 && len(out) == 0 {
		out = append(out, "step has no accepted assignment")
	}
	return out
}

func qualityCheckPassed(f Facts) []string {
	if f.Target == nil || !f.Target.RequiresQualityCheck {
		return nil
	}
	if passed, ok := f.Metadata.Bool(domain.MetaQualityCheckPassed); ok {
		if passed {
			return nil
		}
		return []string{"quality check failed"}
	}
	if f.Target.QualityCheckPassed != nil && *f.Target.QualityCheckPassed {
		return nil
	}
	return []string{"quality check has not passed"}
}

func completionDateValid(f Facts) []string {
	at, err := f.Metadata.Time(domain.MetaCompletionDate)
	if err != nil {
		return []string{err.Error()}
	}
	if at == nil || f.Target == nil || f.Target.ActualStart == nil {
		return nil
	}
	if domain.Day(*at).Before(domain.Day(*f.Target.ActualStart)) {
		return []string{fmt.Sprintf("completion date %s is before the actual start %s",
			at.Format("2006-01-02"), f.Target.ActualStart.Format("2006-01-02"))}
	}
	return nil
}

func describe(t domain.EntityType) string {
	switch t {
	case domain.EntityStage:
		return "stage"
	case domain.EntityTask:
		return "task"
	case domain.EntityAdhocTask:
		return "ad-hoc task"
	case domain.EntityStep:
		return "step"
	default:
		return string(t)
	}
}
