// Package rules evaluates business preconditions after the state machine
// has accepted an action. Every applicable rule runs and all failures are
// reported together.
package rules

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
	"github.com/animus-labs/crewflow/internal/platform/env"
)

// Facts is the read-only view a rule inspects.
type Facts struct {
	Action      domain.Action
	ActorUserID string
	Project     domain.Project
	Target      *domain.Unit
	Ancestors   []domain.Unit
	Children    []domain.Unit
	Blockers    []dependency.Blocker
	Assignments []domain.Assignment
	Assignment  *domain.Assignment
	Metadata    domain.Metadata
	Now         time.Time
}

// Rule is one precondition. Check returns the failure messages, or none.
type Rule struct {
	ID          string
	Description string
	Actions     []domain.Action
	Check       func(Facts) []string
}

func (r Rule) AppliesTo(action domain.Action) bool {
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

type Config struct {
	RulesFile                 string
	RequireAcceptedAssignment bool
}

func ConfigFromEnv() (Config, error) {
	requireAccepted, err := env.Bool("CREWFLOW_REQUIRE_ACCEPTED_ASSIGNMENT", false)
	if err != nil {
		return Config{}, err
	}
	return Config{
		RulesFile:                 env.String("CREWFLOW_RULES_FILE", ""),
		RequireAcceptedAssignment: requireAccepted,
	}, nil
}

type Engine struct {
	rules    []Rule
	disabled map[string]map[domain.Action]bool
}

// Load builds an engine from cfg, reading the optional rule file.
func Load(cfg Config) (*Engine, error) {
	var spec *Spec
	if path := strings.TrimSpace(cfg.RulesFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}
		if len(strings.TrimSpace(string(raw))) == 0 {
			return nil, errEmptySpec
		}
		parsed, err := ParseSpec(raw)
		if err != nil {
			return nil, err
		}
		spec = &parsed
	}
	return NewEngine(cfg, spec), nil
}

// NewEngine combines the built-in rules with spec, which may be nil.
func NewEngine(cfg Config, spec *Spec) *Engine {
	e := &Engine{
		rules:    Builtins(cfg),
		disabled: map[string]map[domain.Action]bool{},
	}
	if spec == nil {
		return e
	}
	for _, ref := range spec.Disable {
		id := strings.TrimSpace(ref.Rule)
		if e.disabled[id] == nil {
			e.disabled[id] = map[domain.Action]bool{}
		}
		if len(ref.Actions) == 0 {
			for _, action := range domain.Actions() {
				e.disabled[id][action] = true
			}
			continue
		}
		for _, raw := range ref.Actions {
			e.disabled[id][domain.NormalizeAction(raw)] = true
		}
	}
	for _, sr := range spec.Rules {
		e.rules = append(e.rules, compile(sr))
	}
	return e
}

// Rules returns the rules applicable to action, in evaluation order.
func (e *Engine) Rules(action domain.Action) []Rule {
	var out []Rule
	for _, rule := range e.rules {
		if rule.AppliesTo(action) && !e.disabled[rule.ID][action] {
			out = append(out, rule)
		}
	}
	return out
}

// Evaluate runs every applicable rule and aggregates failures into a
// RuleViolationError.
func (e *Engine) Evaluate(facts Facts) error {
	violation := &domain.RuleViolationError{Action: facts.Action}
	if facts.Target != nil {
		violation.Entity = facts.Target.Ref
	} else if facts.Assignment != nil {
		violation.Entity = domain.EntityRef{Type: "ASSIGNMENT", ID: facts.Assignment.ID}
	}
	for _, rule := range e.Rules(facts.Action) {
		for _, msg := range rule.Check(facts) {
			violation.Add(msg)
		}
	}
	return violation.OrNil()
}

func compile(sr SpecRule) Rule {
	actions := make([]domain.Action, 0, len(sr.Actions))
	for _, raw := range sr.Actions {
		actions = append(actions, domain.NormalizeAction(raw))
	}
	required := append([]string(nil), sr.RequireMetadata...)
	group := sr.DenyWhen
	message := strings.TrimSpace(sr.Message)
	return Rule{
		ID:          strings.TrimSpace(sr.ID),
		Description: strings.TrimSpace(sr.Description),
		Actions:     actions,
		Check: func(f Facts) []string {
			var out []string
			for _, key := range required {
				if _, ok := f.Metadata[strings.TrimSpace(key)]; !ok {
					out = append(out, fmt.Sprintf("metadata %q is required", strings.TrimSpace(key)))
				}
			}
			if !group.IsEmpty() && groupMatches(group, f) {
				out = append(out, message)
			}
			return out
		},
	}
}

func groupMatches(group ConditionGroup, f Facts) bool {
	for _, cond := range group.All {
		if !conditionMatches(cond, f) {
			return false
		}
	}
	if len(group.Any) == 0 {
		return true
	}
	for _, cond := range group.Any {
		if conditionMatches(cond, f) {
			return true
		}
	}
	return false
}

func conditionMatches(cond Condition, f Facts) bool {
	value, ok := f.Field(cond.Field)
	op := strings.ToLower(strings.TrimSpace(cond.Op))
	switch op {
	case "exists":
		return ok
	case "missing":
		return !ok
	}
	if !ok {
		return false
	}
	switch op {
	case "eq":
		return normalize(value) == normalize(cond.Value)
	case "neq":
		return normalize(value) != normalize(cond.Value)
	case "in", "not_in":
		found := false
		for _, v := range cond.Values {
			if normalize(value) == normalize(v) {
				found = true
				break
			}
		}
		return found == (op == "in")
	case "contains":
		if values, isList := value.([]string); isList {
			for _, v := range values {
				if normalize(v) == normalize(cond.Value) {
					return true
				}
			}
			return false
		}
		return strings.Contains(normalize(value), normalize(cond.Value))
	case "gt", "gte", "lt", "lte":
		return compareNumber(value, cond.Value, op)
	default:
		return false
	}
}

// Field resolves a dotted field name used by rule conditions.
func (f Facts) Field(name string) (any, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "action":
		return string(f.Action), true
	case "actor", "actor.id":
		return f.ActorUserID, f.ActorUserID != ""
	case "project.id":
		return f.Project.ID, f.Project.ID != ""
	}
	if strings.HasPrefix(key, "meta.") {
		v, ok := f.Metadata[strings.TrimSpace(name)[len("meta."):]]
		return v, ok
	}
	if strings.HasPrefix(key, "target.") {
		if f.Target == nil {
			return nil, false
		}
		u := f.Target
		switch strings.TrimPrefix(key, "target.") {
		case "type":
			return string(u.Ref.Type), true
		case "id":
			return u.Ref.ID, true
		case "name":
			return u.Name, true
		case "status":
			return string(u.Status), true
		case "estimated_days":
			return u.EstimatedDays, true
		case "required_skills":
			return u.RequiredSkills, len(u.RequiredSkills) > 0
		case "requires_quality_check":
			return u.RequiresQualityCheck, true
		}
		return nil, false
	}
	switch key {
	case "assignments.accepted":
		return countAssignments(f.Assignments, domain.AssignmentAccepted), true
	case "assignments.pending":
		return countAssignments(f.Assignments, domain.AssignmentPending), true
	case "blockers":
		return len(f.Blockers), true
	}
	return nil, false
}

func countAssignments(assignments []domain.Assignment, status domain.AssignmentStatus) int {
	n := 0
	for _, a := range assignments {
		if a.Status == status {
			n++
		}
	}
	return n
}

func normalize(value any) string {
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(value)))
}

func compareNumber(value any, target string, op string) bool {
	left, err := strconv.ParseFloat(normalize(value), 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(target), 64)
	if err != nil {
		return false
	}
	switch op {
	case "gt":
		return left > right
	case "gte":
		return left >= right
	case "lt":
		return left < right
	case "lte":
		return left <= right
	default:
		return false
	}
}
