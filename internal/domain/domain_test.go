package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseRefRoundTrip(t *testing.T) {
	ref := Ref(EntityStep, "step-1")
	parsed, err := ParseRef(ref.String())
	if err != nil {
		t.Fatalf("ParseRef() err=%v", err)
	}
	if parsed != ref {
		t.Fatalf("ParseRef()=%v, want %v", parsed, ref)
	}
	if _, err := ParseRef("step-1"); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := ParseRef("WIDGET:1"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestDependencyTypeSatisfiedBy(t *testing.T) {
	cases := []struct {
		kind   DependencyType
		status Status
		want   bool
	}{
		{FinishToStart, StatusCompleted, true},
		{FinishToStart, StatusInProgress, false},
		{StartToStart, StatusInProgress, true},
		{StartToStart, StatusNotStarted, false},
		{FinishToFinish, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.kind.SatisfiedBy(tc.status); got != tc.want {
			t.Errorf("%s.SatisfiedBy(%s)=%v, want %v", tc.kind, tc.status, got, tc.want)
		}
	}
}

func TestDependencyValidateRejectsSelfEdge(t *testing.T) {
	ref := Ref(EntityTask, "t1")
	dep := Dependency{ProjectID: "p1", Dependent: ref, DependsOn: ref, Status: DependencyPending}
	if err := dep.Validate(); err == nil {
		t.Fatalf("expected self dependency to be rejected")
	}
}

func TestUnitValidateParentShape(t *testing.T) {
	step := Unit{
		Ref:       Ref(EntityStep, "s1"),
		ProjectID: "p1",
		Parent:    Ref(EntityStage, "st1"),
		Name:      "Pour",
		Status:    StatusNotStarted,
	}
	if err := step.Validate(); err == nil {
		t.Fatalf("expected step under a stage to be rejected")
	}
	step.Parent = Ref(EntityAdhocTask, "t1")
	if err := step.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	task := Unit{Ref: Ref(EntityTask, "t1"), ProjectID: "p1", Parent: Ref(EntityStage, "st1"), Name: "Frame", Status: StatusReadyToStart}
	if err := task.Validate(); err == nil {
		t.Fatalf("expected READY_TO_START task to be rejected")
	}
}

func TestMetadataTime(t *testing.T) {
	meta := Metadata{MetaCompletionDate: "2026-03-04"}
	got, err := meta.Time(MetaCompletionDate)
	if err != nil {
		t.Fatalf("Time() err=%v", err)
	}
	want := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Fatalf("Time()=%v, want %v", got, want)
	}
	if _, err := (Metadata{MetaCompletionDate: "yesterday"}).Time(MetaCompletionDate); err == nil {
		t.Fatalf("expected parse error")
	}
	passed, ok := Metadata{MetaQualityCheckPassed: "true"}.Bool(MetaQualityCheckPassed)
	if !ok || !passed {
		t.Fatalf("Bool()=%v,%v, want true,true", passed, ok)
	}
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	b := time.Date(2026, 1, 11, 1, 0, 0, 0, time.UTC)
	if got := DaysBetween(a, b); got != 10 {
		t.Fatalf("DaysBetween()=%d, want 10", got)
	}
	if got := AddDays(a, 2); !got.Equal(time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("AddDays()=%v", got)
	}
}

func TestIsRefusal(t *testing.T) {
	rule := &RuleViolationError{Action: ActionStartStep, Entity: Ref(EntityStep, "s1")}
	rule.Add("assignment pending")
	rule.Add("")
	if len(rule.Reasons) != 1 {
		t.Fatalf("expected blank reason to be ignored")
	}
	wrapped := fmt.Errorf("execute: %w", rule.OrNil())
	if !IsRefusal(wrapped) {
		t.Fatalf("expected wrapped rule violation to be a refusal")
	}
	if IsRefusal(errors.New("connection reset")) {
		t.Fatalf("expected plain error not to be a refusal")
	}
	if got := Reasons(wrapped); len(got) != 1 || got[0] != "assignment pending" {
		t.Fatalf("Reasons()=%v", got)
	}
	var empty *RuleViolationError
	if empty.OrNil() != nil {
		t.Fatalf("expected nil OrNil on nil receiver")
	}
}

func TestNormalizeAction(t *testing.T) {
	if got := NormalizeAction(" start_step "); got != ActionStartStep {
		t.Fatalf("NormalizeAction()=%q", got)
	}
	if got := NormalizeAction("launch"); got != "" {
		t.Fatalf("NormalizeAction()=%q, want empty", got)
	}
	for _, action := range Actions() {
		if action.Target() == "" {
			t.Errorf("action %s has no target level", action)
		}
	}
}
