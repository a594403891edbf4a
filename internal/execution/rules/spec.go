package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/crewflow/internal/domain"
	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "crewflow.rules.v1"

// Spec is the operator-supplied rule file. Custom rules refuse an action
// when their deny_when group matches; Disable switches built-in rules off.
type Spec struct {
	Schema  string       `json:"schema" yaml:"schema"`
	Disable []DisableRef `json:"disable,omitempty" yaml:"disable,omitempty"`
	Rules   []SpecRule   `json:"rules,omitempty" yaml:"rules,omitempty"`
}

type DisableRef struct {
	Rule    string   `json:"rule" yaml:"rule"`
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`
}

type SpecRule struct {
	ID              string         `json:"id" yaml:"id"`
	Description     string         `json:"description,omitempty" yaml:"description,omitempty"`
	Actions         []string       `json:"actions" yaml:"actions"`
	RequireMetadata []string       `json:"require_metadata,omitempty" yaml:"require_metadata,omitempty"`
	DenyWhen        ConditionGroup `json:"deny_when,omitempty" yaml:"deny_when,omitempty"`
	Message         string         `json:"message,omitempty" yaml:"message,omitempty"`
}

type ConditionGroup struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

func (g ConditionGroup) IsEmpty() bool {
	return len(g.All) == 0 && len(g.Any) == 0
}

type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     string   `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode rules: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("rules.schema must be %q", SpecSchemaV1)
	}
	for i, ref := range s.Disable {
		if strings.TrimSpace(ref.Rule) == "" {
			return fmt.Errorf("rules.disable[%d].rule is required", i)
		}
		if err := validateActions(ref.Actions, fmt.Sprintf("rules.disable[%d].actions", i), true); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		id := strings.TrimSpace(rule.ID)
		if id == "" {
			return fmt.Errorf("rules.rules[%d].id is required", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("rules.rules[%d].id must be unique (duplicate %q)", i, id)
		}
		if _, builtin := builtinIDs[id]; builtin {
			return fmt.Errorf("rules.rules[%d].id %q collides with a built-in rule", i, id)
		}
		seen[id] = struct{}{}

		if err := validateActions(rule.Actions, fmt.Sprintf("rules.rules[%d].actions", i), false); err != nil {
			return err
		}
		if len(rule.RequireMetadata) == 0 && rule.DenyWhen.IsEmpty() {
			return fmt.Errorf("rules.rules[%d] must set require_metadata or deny_when", i)
		}
		if !rule.DenyWhen.IsEmpty() && strings.TrimSpace(rule.Message) == "" {
			return fmt.Errorf("rules.rules[%d].message is required with deny_when", i)
		}
		if err := validateConditions(rule.DenyWhen.All, fmt.Sprintf("rules.rules[%d].deny_when.all", i)); err != nil {
			return err
		}
		if err := validateConditions(rule.DenyWhen.Any, fmt.Sprintf("rules.rules[%d].deny_when.any", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateActions(actions []string, prefix string, allowEmpty bool) error {
	if len(actions) == 0 && !allowEmpty {
		return fmt.Errorf("%s must be non-empty", prefix)
	}
	for i, raw := range actions {
		if domain.NormalizeAction(raw) == "" {
			return fmt.Errorf("%s[%d] unsupported: %q", prefix, i, raw)
		}
	}
	return nil
}

func validateConditions(conds []Condition, prefix string) error {
	for i, cond := range conds {
		if strings.TrimSpace(cond.Field) == "" {
			return fmt.Errorf("%s[%d].field is required", prefix, i)
		}
		op := strings.ToLower(strings.TrimSpace(cond.Op))
		if op == "" {
			return fmt.Errorf("%s[%d].op is required", prefix, i)
		}
		if !isOpAllowed(op) {
			return fmt.Errorf("%s[%d].op unsupported: %q", prefix, i, cond.Op)
		}
		switch op {
		case "exists", "missing":
		case "in", "not_in":
			if len(cond.Values) == 0 {
				return fmt.Errorf("%s[%d].values must be non-empty for %s", prefix, i, op)
			}
		default:
			if strings.TrimSpace(cond.Value) == "" {
				return fmt.Errorf("%s[%d].value is required for %s", prefix, i, op)
			}
		}
	}
	return nil
}

func isOpAllowed(op string) bool {
	switch op {
	case "eq", "neq", "in", "not_in", "contains", "exists", "missing", "gt", "gte", "lt", "lte":
		return true
	default:
		return false
	}
}

var errEmptySpec = errors.New("rules file is empty")
