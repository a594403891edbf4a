package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animus-labs/crewflow/internal/domain"
)

func TestParseMetadata(t *testing.T) {
	meta, err := parseMetadata([]string{"completionNotes=boxes set", "qualityCheckPassed=true", "empty="})
	if err != nil {
		t.Fatalf("parseMetadata: %v", err)
	}
	if meta.String("completionNotes") != "boxes set" {
		t.Fatalf("completionNotes = %q", meta.String("completionNotes"))
	}
	if v, ok := meta.Bool("qualityCheckPassed"); !ok || !v {
		t.Fatalf("qualityCheckPassed = %v, %v", v, ok)
	}
	if _, ok := meta["empty"]; !ok {
		t.Fatalf("empty value dropped")
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseMetadata([]string{bad}); err == nil {
			t.Errorf("parseMetadata(%q) expected error", bad)
		}
	}
	if meta, err := parseMetadata(nil); err != nil || meta != nil {
		t.Fatalf("parseMetadata(nil) = %v, %v", meta, err)
	}
}

func TestParseEntityType(t *testing.T) {
	cases := map[string]domain.EntityType{
		"step":  domain.EntityStep,
		"STAGE": domain.EntityStage,
		"adhoc": domain.EntityAdhocTask,
	}
	for in, want := range cases {
		got, err := parseEntityType(in)
		if err != nil || got != want {
			t.Errorf("parseEntityType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := parseEntityType("milestone"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(fmt.Errorf("%w: step not ready", errRefused)); got != 1 {
		t.Errorf("refused = %d, want 1", got)
	}
	if got := exitCode(&domain.InvalidRequestError{Reason: "bad"}); got != 1 {
		t.Errorf("invalid request = %d, want 1", got)
	}
	if got := exitCode(errors.New("connection reset")); got != 2 {
		t.Errorf("failure = %d, want 2", got)
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"action"},
		{"ready"},
		{"can-start"},
		{"deps"},
		{"dependents"},
		{"critical-path"},
		{"dep", "add"},
		{"dep", "remove"},
		{"delete-unit"},
		{"cascade"},
		{"promote"},
		{"execute-parallel"},
		{"template", "apply"},
		{"template", "validate"},
		{"adhoc"},
		{"recompute"},
		{"snapshot"},
		{"sweep"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %s not registered: %v", strings.Join(path, " "), err)
		}
	}
}

func TestTemplateValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remodel.yaml")
	doc := `schema: crewflow.template.v1
name: Remodel
stages:
  - key: rough
    name: Rough-in
    tasks:
      - key: electrical
        name: Electrical
        sequential: true
        steps:
          - {key: boxes, name: Set boxes, estimated_days: 1}
          - {key: pull, name: Pull wire, estimated_days: 2}
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
	var out bytes.Buffer
	templateValidateCmd.SetOut(&out)
	if err := templateValidateCmd.RunE(templateValidateCmd, []string{path}); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), `"steps": 2`) || !strings.Contains(out.String(), `"valid": true`) {
		t.Fatalf("output = %s", out.String())
	}
}

func TestAdhocSpecFromFlags(t *testing.T) {
	adhocFile, adhocKey, adhocName, adhocDays = "", "patch", "", 2
	t.Cleanup(func() { adhocKey, adhocDays = "", 1 })

	spec, err := adhocSpec()
	if err != nil {
		t.Fatalf("adhocSpec: %v", err)
	}
	if spec.Key != "patch" || spec.Name != "patch" || len(spec.Steps) != 1 || spec.Steps[0].EstimatedDays != 2 {
		t.Fatalf("spec = %+v", spec)
	}

	adhocKey = ""
	if _, err := adhocSpec(); err == nil {
		t.Fatalf("expected error without --file or --key")
	}
}
