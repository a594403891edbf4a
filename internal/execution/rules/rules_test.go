package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
)

func stepUnit(status domain.Status) *domain.Unit {
	return &domain.Unit{Ref: domain.Ref(domain.EntityStep, "s1"), Name: "Tile", Status: status}
}

func TestChildrenCompleteAggregatesEveryChild(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	err := engine.Evaluate(Facts{
		Action: domain.ActionCompleteTask,
		Target: &domain.Unit{Ref: domain.Ref(domain.EntityTask, "t1"), Name: "Floor", Status: domain.StatusInProgress},
		Children: []domain.Unit{
			{Ref: domain.Ref(domain.EntityStep, "a"), Name: "A", Status: domain.StatusCompleted},
			{Ref: domain.Ref(domain.EntityStep, "b"), Name: "B", Status: domain.StatusInProgress},
			{Ref: domain.Ref(domain.EntityStep, "c"), Name: "C", Status: domain.StatusNotStarted},
			{Ref: domain.Ref(domain.EntityStep, "d"), Name: "D", Status: domain.StatusCancelled},
		},
	})
	var violation *domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected RuleViolationError, got %v", err)
	}
	want := []string{`step "B" is not complete`, `step "C" is not complete`}
	if strings.Join(violation.Reasons, "|") != strings.Join(want, "|") {
		t.Fatalf("reasons = %q, want %q", violation.Reasons, want)
	}
}

func TestDependenciesSatisfiedUsesBlockerReasons(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	err := engine.Evaluate(Facts{
		Action: domain.ActionStartTask,
		Target: &domain.Unit{Ref: domain.Ref(domain.EntityTask, "t2"), Status: domain.StatusNotStarted},
		Blockers: []dependency.Blocker{{
			Edge: domain.Dependency{
				Dependent: domain.Ref(domain.EntityTask, "t2"),
				DependsOn: domain.Ref(domain.EntityTask, "t1"),
				Type:      domain.FinishToStart,
				Status:    domain.DependencyPending,
			},
			Name:   "Task X",
			Status: domain.StatusInProgress,
		}},
	})
	if err == nil || !strings.Contains(err.Error(), `depends on task "Task X" which is not yet complete`) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestAssignmentsSettled(t *testing.T) {
	pending := domain.Assignment{ID: "a1", CrewMemberID: "crew-7", Status: domain.AssignmentPending}
	accepted := domain.Assignment{ID: "a2", CompanyID: "acme", Status: domain.AssignmentAccepted}

	engine := NewEngine(Config{}, nil)
	facts := Facts{Action: domain.ActionStartStep, Target: stepUnit(domain.StatusReadyToStart), Assignments: []domain.Assignment{pending, accepted}}
	if err := engine.Evaluate(facts); err == nil || !strings.Contains(err.Error(), "assignment to crew-7 is still pending") {
		t.Fatalf("unexpected error %v", err)
	}

	facts.Assignments = nil
	if err := engine.Evaluate(facts); err != nil {
		t.Fatalf("no assignments should pass without gate: %v", err)
	}
	gated := NewEngine(Config{RequireAcceptedAssignment: true}, nil)
	if err := gated.Evaluate(facts); err == nil {
		t.Fatalf("expected gate to require an accepted assignment")
	}
	facts.Assignments = []domain.Assignment{accepted}
	if err := gated.Evaluate(facts); err != nil {
		t.Fatalf("accepted assignment should pass gate: %v", err)
	}
}

func TestQualityCheck(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	target := stepUnit(domain.StatusInProgress)
	target.RequiresQualityCheck = true

	if err := engine.Evaluate(Facts{Action: domain.ActionCompleteStep, Target: target}); err == nil {
		t.Fatalf("expected quality check failure")
	}
	meta := domain.Metadata{domain.MetaQualityCheckPassed: true}
	if err := engine.Evaluate(Facts{Action: domain.ActionCompleteStep, Target: target, Metadata: meta}); err != nil {
		t.Fatalf("quality check passed via metadata: %v", err)
	}
	meta = domain.Metadata{domain.MetaQualityCheckPassed: "false"}
	if err := engine.Evaluate(Facts{Action: domain.ActionCompleteStep, Target: target, Metadata: meta}); err == nil {
		t.Fatalf("expected explicit failure to refuse completion")
	}
}

func TestCompletionDateNotBeforeStart(t *testing.T) {
	engine := NewEngine(Config{}, nil)
	target := stepUnit(domain.StatusInProgress)
	started := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	target.ActualStart = &started

	meta := domain.Metadata{domain.MetaCompletionDate: "2026-03-09"}
	err := engine.Evaluate(Facts{Action: domain.ActionCompleteStep, Target: target, Metadata: meta})
	if err == nil || !strings.Contains(err.Error(), "before the actual start") {
		t.Fatalf("unexpected error %v", err)
	}
	meta = domain.Metadata{domain.MetaCompletionDate: "2026-03-10"}
	if err := engine.Evaluate(Facts{Action: domain.ActionCompleteStep, Target: target, Metadata: meta}); err != nil {
		t.Fatalf("same-day completion: %v", err)
	}
	meta = domain.Metadata{domain.MetaCompletionDate: "next week"}
	if err := engine.Evaluate(Facts{Action: domain.ActionCompleteStep, Target: target, Metadata: meta}); err == nil {
		t.Fatalf("expected parse failure")
	}
}

const specYAML = `
schema: crewflow.rules.v1
disable:
  - rule: quality-check-passed
rules:
  - id: notes-required
    actions: [COMPLETE_STEP]
    require_metadata: [completionNotes]
  - id: no-weekend-demolition
    actions: [START_STEP]
    message: demolition steps need a site supervisor
    deny_when:
      all:
        - field: target.required_skills
          op: contains
          value: demolition
        - field: meta.supervisor
          op: missing
`

func TestSpecRules(t *testing.T) {
	spec, err := ParseSpec([]byte(specYAML))
	if err != nil {
		t.Fatalf("ParseSpec() err=%v", err)
	}
	engine := NewEngine(Config{}, &spec)

	target := stepUnit(domain.StatusInProgress)
	target.RequiresQualityCheck = true
	err = engine.Evaluate(Facts{Action: domain.ActionCompleteStep, Target: target})
	var violation *domain.RuleViolationError
	if !errors.As(err, &violation) || len(violation.Reasons) != 1 || violation.Reasons[0] != `metadata "completionNotes" is required` {
		t.Fatalf("unexpected error %v", err)
	}

	start := stepUnit(domain.StatusReadyToStart)
	start.RequiredSkills = []string{"Demolition"}
	if err := engine.Evaluate(Facts{Action: domain.ActionStartStep, Target: start}); err == nil {
		t.Fatalf("expected custom deny rule to fire")
	}
	meta := domain.Metadata{"supervisor": "jo"}
	if err := engine.Evaluate(Facts{Action: domain.ActionStartStep, Target: start, Metadata: meta}); err != nil {
		t.Fatalf("supervisor present should pass: %v", err)
	}
}

func TestParseSpecValidation(t *testing.T) {
	cases := map[string]string{
		"schema":    "schema: other\n",
		"action":    "schema: crewflow.rules.v1\nrules:\n  - id: x\n    actions: [FLY]\n    require_metadata: [a]\n",
		"builtin":   "schema: crewflow.rules.v1\nrules:\n  - id: children-complete\n    actions: [COMPLETE_TASK]\n    require_metadata: [a]\n",
		"op":        "schema: crewflow.rules.v1\nrules:\n  - id: x\n    actions: [START_STEP]\n    message: m\n    deny_when:\n      all:\n        - field: action\n          op: like\n          value: y\n",
		"empty":     "schema: crewflow.rules.v1\nrules:\n  - id: x\n    actions: [START_STEP]\n",
		"duplicate": "schema: crewflow.rules.v1\nrules:\n  - id: x\n    actions: [START_STEP]\n    require_metadata: [a]\n  - id: x\n    actions: [START_STEP]\n    require_metadata: [a]\n",
	}
	for name, raw := range cases {
		if _, err := ParseSpec([]byte(raw)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadReadsRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(specYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	engine, err := Load(Config{RulesFile: path})
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}
	if got := len(engine.Rules(domain.ActionCompleteStep)); got != 2 {
		t.Fatalf("COMPLETE_STEP rules = %d, want 2 (completion date + notes)", got)
	}
	if _, err := Load(Config{RulesFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CREWFLOW_REQUIRE_ACCEPTED_ASSIGNMENT", "true")
	t.Setenv("CREWFLOW_RULES_FILE", "/etc/crewflow/rules.yaml")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if !cfg.RequireAcceptedAssignment || cfg.RulesFile != "/etc/crewflow/rules.yaml" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
