package dependency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
	"github.com/animus-labs/crewflow/internal/repo/memory"
)

const projectID = "p-1"

func newStore(t *testing.T) repo.Store {
	t.Helper()
	db := memory.New()
	store := db.Reader()
	ctx := context.Background()
	if err := store.Projects().CreateProject(ctx, domain.Project{ID: projectID, Name: "House", StartDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	units := []domain.Unit{
		{Ref: domain.Ref(domain.EntityStage, "s1"), Name: "Stage 1"},
		{Ref: domain.Ref(domain.EntityTask, "t1"), Parent: domain.Ref(domain.EntityStage, "s1"), Name: "Task 1"},
		{Ref: domain.Ref(domain.EntityTask, "t2"), Parent: domain.Ref(domain.EntityStage, "s1"), Name: "Task 2"},
		{Ref: domain.Ref(domain.EntityStep, "a"), Parent: domain.Ref(domain.EntityTask, "t1"), Name: "A"},
		{Ref: domain.Ref(domain.EntityStep, "b"), Parent: domain.Ref(domain.EntityTask, "t2"), Name: "B"},
		{Ref: domain.Ref(domain.EntityStep, "c"), Parent: domain.Ref(domain.EntityTask, "t2"), Name: "C"},
	}
	for _, unit := range units {
		unit.ProjectID = projectID
		unit.Status = domain.StatusNotStarted
		if err := store.Units().CreateUnit(ctx, unit); err != nil {
			t.Fatalf("CreateUnit(%s): %v", unit.Ref, err)
		}
	}
	return store
}

func addEdge(t *testing.T, store repo.Store, id string, dependent, dependsOn domain.EntityRef, status domain.DependencyStatus) {
	t.Helper()
	err := store.Dependencies().CreateDependency(context.Background(), domain.Dependency{
		ID:        id,
		ProjectID: projectID,
		Dependent: dependent,
		DependsOn: dependsOn,
		Type:      domain.FinishToStart,
		Status:    status,
	})
	if err != nil {
		t.Fatalf("CreateDependency(%s): %v", id, err)
	}
}

func step(id string) domain.EntityRef { return domain.Ref(domain.EntityStep, id) }
func task(id string) domain.EntityRef { return domain.Ref(domain.EntityTask, id) }

func TestIsSatisfiedVacuousAndPending(t *testing.T) {
	store := newStore(t)
	r := NewResolver(store)
	ctx := context.Background()

	ok, err := r.IsSatisfied(ctx, projectID, step("a"))
	if err != nil || !ok {
		t.Fatalf("IsSatisfied(no edges) = %v, %v; want true", ok, err)
	}

	addEdge(t, store, "e1", step("b"), step("a"), domain.DependencyPending)
	addEdge(t, store, "e2", step("b"), step("c"), domain.DependencySatisfied)
	ok, err = r.IsSatisfied(ctx, projectID, step("b"))
	if err != nil || ok {
		t.Fatalf("IsSatisfied(pending edge) = %v, %v; want false", ok, err)
	}
	pending, err := r.Unsatisfied(ctx, projectID, step("b"))
	if err != nil || len(pending) != 1 || pending[0].ID != "e1" {
		t.Fatalf("Unsatisfied = %+v, %v", pending, err)
	}
}

func TestEffectiveUnsatisfiedIncludesAncestors(t *testing.T) {
	store := newStore(t)
	r := NewResolver(store)
	ctx := context.Background()
	addEdge(t, store, "e1", task("t2"), task("t1"), domain.DependencyPending)

	unit, err := store.Units().GetUnit(ctx, projectID, step("b"))
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	pending, err := r.EffectiveUnsatisfied(ctx, unit)
	if err != nil {
		t.Fatalf("EffectiveUnsatisfied: %v", err)
	}
	if len(pending) != 1 || pending[0].DependsOn != task("t1") {
		t.Fatalf("expected task-level edge to gate step, got %+v", pending)
	}
}

func TestWouldCreateCycle(t *testing.T) {
	store := newStore(t)
	r := NewResolver(store)
	ctx := context.Background()
	addEdge(t, store, "e1", step("b"), step("a"), domain.DependencyPending)
	addEdge(t, store, "e2", step("c"), step("b"), domain.DependencyPending)

	cycle, err := r.WouldCreateCycle(ctx, domain.Dependency{ProjectID: projectID, Dependent: step("a"), DependsOn: step("c")})
	if err != nil {
		t.Fatalf("WouldCreateCycle: %v", err)
	}
	want := []domain.EntityRef{step("a"), step("c"), step("b"), step("a")}
	if len(cycle) != len(want) {
		t.Fatalf("cycle = %v, want %v", cycle, want)
	}
	for i := range want {
		if cycle[i] != want[i] {
			t.Fatalf("cycle = %v, want %v", cycle, want)
		}
	}

	err = r.CheckCycle(ctx, domain.Dependency{ProjectID: projectID, Dependent: step("a"), DependsOn: step("c")})
	var circular *domain.CircularDependencyError
	if !errors.As(err, &circular) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}

	if err := r.CheckCycle(ctx, domain.Dependency{ProjectID: projectID, Dependent: step("c"), DependsOn: step("a")}); err != nil {
		t.Fatalf("transitive shortcut is not a cycle: %v", err)
	}
}

func TestWouldCreateCycleThroughHierarchy(t *testing.T) {
	store := newStore(t)
	r := NewResolver(store)
	ctx := context.Background()
	// t1 waits on b, which sits under t2
	addEdge(t, store, "e1", task("t1"), step("b"), domain.DependencyPending)

	cycle, err := r.WouldCreateCycle(ctx, domain.Dependency{ProjectID: projectID, Dependent: task("t2"), DependsOn: task("t1"), Type: domain.FinishToStart})
	if err != nil {
		t.Fatalf("WouldCreateCycle: %v", err)
	}
	want := []domain.EntityRef{task("t2"), task("t1"), step("b"), task("t2")}
	if len(cycle) != len(want) {
		t.Fatalf("cycle = %v, want %v", cycle, want)
	}
	for i := range want {
		if cycle[i] != want[i] {
			t.Fatalf("cycle = %v, want %v", cycle, want)
		}
	}

	// a task finishes after its steps, so a step cannot wait on something
	// that waits on its own task
	store = newStore(t)
	r = NewResolver(store)
	addEdge(t, store, "e1", step("b"), task("t1"), domain.DependencyPending)
	err = r.CheckCycle(ctx, domain.Dependency{ProjectID: projectID, Dependent: step("a"), DependsOn: step("b"), Type: domain.FinishToStart})
	var circular *domain.CircularDependencyError
	if !errors.As(err, &circular) {
		t.Fatalf("expected CircularDependencyError, got %v", err)
	}

	if err := r.CheckCycle(ctx, domain.Dependency{ProjectID: projectID, Dependent: step("c"), DependsOn: step("b"), Type: domain.FinishToStart}); err != nil {
		t.Fatalf("sibling edge is not a cycle: %v", err)
	}
}

func TestTransitiveQueries(t *testing.T) {
	store := newStore(t)
	r := NewResolver(store)
	ctx := context.Background()
	addEdge(t, store, "e1", step("b"), step("a"), domain.DependencyPending)
	addEdge(t, store, "e2", step("c"), step("b"), domain.DependencyPending)

	deps, err := r.TransitiveDependencies(ctx, projectID, step("c"))
	if err != nil || len(deps) != 2 || deps[0] != step("a") || deps[1] != step("b") {
		t.Fatalf("TransitiveDependencies = %v, %v", deps, err)
	}
	dependents, err := r.TransitiveDependents(ctx, projectID, step("a"))
	if err != nil || len(dependents) != 2 {
		t.Fatalf("TransitiveDependents = %v, %v", dependents, err)
	}
}

func TestGraphDetectCycle(t *testing.T) {
	g := NewGraph(nil)
	g.Add(step("a"), step("b"))
	g.Add(step("b"), step("c"))
	if cycle := g.DetectCycle(); cycle != nil {
		t.Fatalf("unexpected cycle %v", cycle)
	}
	g.Add(step("c"), step("a"))
	cycle := g.DetectCycle()
	if len(cycle) != 4 || cycle[0] != cycle[len(cycle)-1] {
		t.Fatalf("expected closed cycle path, got %v", cycle)
	}
}

func TestCompareRefsOrdersByLevel(t *testing.T) {
	refs := []domain.EntityRef{step("a"), task("z"), domain.Ref(domain.EntityStage, "s9"), domain.Ref(domain.EntityAdhocTask, "x")}
	SortRefs(refs)
	if refs[0].Type != domain.EntityStage || refs[3].Type != domain.EntityStep {
		t.Fatalf("unexpected order %v", refs)
	}
	if refs[1].Type != domain.EntityAdhocTask {
		t.Fatalf("expected ADHOC_TASK before TASK lexically, got %v", refs)
	}
}

func TestBlockerReasons(t *testing.T) {
	store := newStore(t)
	r := NewResolver(store)
	ctx := context.Background()
	addEdge(t, store, "e1", task("t2"), task("t1"), domain.DependencyPending)
	addEdge(t, store, "e2", step("c"), step("b"), domain.DependencyPending)

	unit, err := store.Units().GetUnit(ctx, projectID, step("c"))
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	blockers, err := r.Blockers(ctx, unit)
	if err != nil {
		t.Fatalf("Blockers: %v", err)
	}
	reasons := Reasons(blockers)
	want := []string{
		`depends on step "B" which is not yet complete`,
		`parent task depends on task "Task 1" which is not yet complete`,
	}
	if len(reasons) != len(want) {
		t.Fatalf("reasons = %q, want %q", reasons, want)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("reasons[%d] = %q, want %q", i, reasons[i], want[i])
		}
	}
}
