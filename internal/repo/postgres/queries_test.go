package postgres

import (
	"strings"
	"testing"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
)

func TestUnitQueriesProjectScoped(t *testing.T) {
	if !strings.Contains(getUnitQuery, "project_id = $1") {
		t.Fatalf("expected project_id predicate in get query")
	}
	if !strings.Contains(updateUnitQuery, "version = $17") {
		t.Fatalf("expected optimistic version predicate in update query")
	}
	if !strings.Contains(updateUnitQuery, "RETURNING version") {
		t.Fatalf("expected RETURNING version in update query")
	}
	if !strings.Contains(listUnitsOrder, "ORDER BY") {
		t.Fatalf("expected ORDER BY in list query")
	}
}

func TestBuildListUnitsQuery(t *testing.T) {
	query, args := buildListUnitsQuery(repo.UnitFilter{
		ProjectID: "p-1",
		Type:      domain.EntityStep,
		Parent:    domain.Ref(domain.EntityTask, "t-1"),
		Statuses:  []domain.Status{domain.StatusNotStarted, domain.StatusReadyToStart},
	})
	for _, want := range []string{"project_id = $1", "entity_type = $2", "parent_type = $3", "parent_id = $4", "status = ANY($5)"} {
		if !strings.Contains(query, want) {
			t.Fatalf("expected %q in %s", want, query)
		}
	}
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(args))
	}
	statuses, ok := args[4].([]string)
	if !ok || len(statuses) != 2 || statuses[1] != "READY_TO_START" {
		t.Fatalf("unexpected status arg %#v", args[4])
	}

	query, args = buildListUnitsQuery(repo.UnitFilter{ProjectID: "p-1"})
	if strings.Contains(query, "entity_type =") || len(args) != 1 {
		t.Fatalf("expected project-only filter, got %s %v", query, args)
	}
}

func TestForUpdate(t *testing.T) {
	if got := forUpdate(getDependencyQuery, false); strings.Contains(got, "FOR UPDATE") {
		t.Fatalf("unexpected lock clause")
	}
	if got := forUpdate(getDependencyQuery, true); !strings.HasSuffix(got, "FOR UPDATE") {
		t.Fatalf("expected lock clause, got %s", got)
	}
}

func TestDependencyQueries(t *testing.T) {
	if !strings.Contains(deleteDependenciesByEntityQuery, "dependent_type = $2 AND dependent_id = $3") ||
		!strings.Contains(deleteDependenciesByEntityQuery, "depends_on_type = $2 AND depends_on_id = $3") {
		t.Fatalf("expected both endpoints in delete-by-entity query")
	}
	if !strings.Contains(updateDependencyQuery, "version = $10") {
		t.Fatalf("expected optimistic version predicate in update query")
	}
	for _, q := range []string{listDependenciesByDependentQuery, listDependenciesByDependsOnQuery, listDependenciesByProjectQuery} {
		if !strings.Contains(q, "ORDER BY created_at ASC, dependency_id ASC") {
			t.Fatalf("expected deterministic order in %s", q)
		}
	}
}

func TestNotificationInsertIsIdempotent(t *testing.T) {
	if !strings.Contains(insertNotificationQuery, "ON CONFLICT (dedupe_key) DO NOTHING") {
		t.Fatalf("expected dedupe conflict clause in insert query")
	}
	query, args := buildListNotificationsQuery(repo.NotificationFilter{ProjectID: "p", Kind: domain.NotificationOverdue, Limit: 10})
	if !strings.Contains(query, "kind = $2") || !strings.HasSuffix(query, "LIMIT $3") || len(args) != 3 {
		t.Fatalf("unexpected notification query %s %v", query, args)
	}
}

func TestSchemaCoversTables(t *testing.T) {
	for _, table := range []string{"projects", "schedulable_units", "dependencies", "step_assignments", "workflow_events", "notifications"} {
		if !strings.Contains(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("schema missing table %s", table)
		}
	}
}

func TestEncodeDecodeStrings(t *testing.T) {
	raw, err := encodeStrings(nil)
	if err != nil || string(raw) != "[]" {
		t.Fatalf("encodeStrings(nil) = %q, %v", raw, err)
	}
	values, err := decodeStrings([]byte(`["welding","framing"]`))
	if err != nil || len(values) != 2 || values[0] != "welding" {
		t.Fatalf("decodeStrings() = %v, %v", values, err)
	}
}
