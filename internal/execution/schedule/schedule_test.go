package schedule

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
)

var day0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func at(days int) *time.Time {
	t := day0.AddDate(0, 0, days)
	return &t
}

func stepRef(id string) domain.EntityRef { return domain.Ref(domain.EntityStep, id) }

func leaf(id string, days int) domain.Unit {
	return domain.Unit{
		Ref:           stepRef(id),
		ProjectID:     "p",
		Parent:        domain.Ref(domain.EntityTask, "t"),
		Name:          strings.ToUpper(id),
		Status:        domain.StatusNotStarted,
		EstimatedDays: days,
	}
}

func fs(id string, dependent, dependsOn string, lag int) domain.Dependency {
	return domain.Dependency{
		ID:        id,
		ProjectID: "p",
		Dependent: stepRef(dependent),
		DependsOn: stepRef(dependsOn),
		Type:      domain.FinishToStart,
		LagDays:   lag,
		Status:    domain.DependencyPending,
	}
}

func project() domain.Project {
	return domain.Project{ID: "p", Name: "P", StartDate: day0}
}

func find(t *testing.T, result domain.CriticalPathResult, id string) domain.CalculatedDates {
	t.Helper()
	for _, u := range result.Units {
		if u.Entity == stepRef(id) {
			return u
		}
	}
	t.Fatalf("unit %s not in result", id)
	return domain.CalculatedDates{}
}

func TestForwardBackwardPass(t *testing.T) {
	// a(3) -> b(2) -> d(1); a -> c(4) -> d
	in := Input{
		Project: project(),
		Units:   []domain.Unit{leaf("a", 3), leaf("b", 2), leaf("c", 4), leaf("d", 1)},
		Edges:   []domain.Dependency{fs("e1", "b", "a", 0), fs("e2", "c", "a", 0), fs("e3", "d", "b", 0), fs("e4", "d", "c", 0)},
	}
	result := Compute(in)
	if len(result.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts %+v", result.Conflicts)
	}
	if result.TotalDays != 8 {
		t.Fatalf("TotalDays = %d, want 8", result.TotalDays)
	}
	b := find(t, result, "b")
	if b.EarliestStart != 3 || b.LatestStart != 5 || b.SlackDays != 2 || b.IsCriticalPath {
		t.Fatalf("b = %+v", b)
	}
	c := find(t, result, "c")
	if c.SlackDays != 0 || !c.IsCriticalPath {
		t.Fatalf("c = %+v", c)
	}
	want := []domain.EntityRef{stepRef("a"), stepRef("c"), stepRef("d")}
	if !reflect.DeepEqual(result.CriticalChain, want) {
		t.Fatalf("chain = %v, want %v", result.CriticalChain, want)
	}
	if !find(t, result, "d").PlannedStart.Equal(day0.AddDate(0, 0, 7)) {
		t.Fatalf("d planned start = %v", find(t, result, "d").PlannedStart)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	in := Input{
		Project: project(),
		Units:   []domain.Unit{leaf("d", 1), leaf("c", 4), leaf("b", 2), leaf("a", 3)},
		Edges:   []domain.Dependency{fs("e4", "d", "c", 0), fs("e1", "b", "a", 1), fs("e2", "c", "a", 0), fs("e3", "d", "b", 0)},
	}
	first := Compute(in)
	second := Compute(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}
}

func TestLagFromActualCompletion(t *testing.T) {
	y := leaf("y", 4)
	y.Status = domain.StatusCompleted
	y.ActualStart = at(6)
	y.ActualEnd = at(10)
	x := leaf("x", 2)

	result := Compute(Input{
		Project: project(),
		Units:   []domain.Unit{x, y},
		Edges:   []domain.Dependency{fs("e1", "x", "y", 2)},
	})
	if got := find(t, result, "x").EarliestStart; got != 12 {
		t.Fatalf("x earliest start = %d, want 12", got)
	}
	if got := find(t, result, "y").EarliestFinish; got != 10 {
		t.Fatalf("y earliest finish = %d, want 10", got)
	}
}

func TestTieBreakFavoursLongerUnit(t *testing.T) {
	// two parallel critical branches of equal total length
	in := Input{
		Project: project(),
		Units:   []domain.Unit{leaf("a", 2), leaf("b", 2), leaf("c", 1), leaf("z", 3), leaf("end", 1)},
		Edges: []domain.Dependency{
			fs("e1", "b", "a", 0),
			fs("e2", "c", "b", 0),
			fs("e3", "end", "c", 0),
			fs("e4", "end", "z", 2),
		},
	}
	result := Compute(in)
	if len(result.CriticalChain) == 0 || result.CriticalChain[0] != stepRef("z") {
		t.Fatalf("chain = %v, want z first (longer of two zero-slack starts)", result.CriticalChain)
	}
}

func TestCycleIsReportedAndIsolated(t *testing.T) {
	in := Input{
		Project: project(),
		Units:   []domain.Unit{leaf("a", 1), leaf("b", 1), leaf("c", 1), leaf("free", 2)},
		Edges:   []domain.Dependency{fs("e1", "a", "b", 0), fs("e2", "b", "a", 0), fs("e3", "c", "b", 0)},
	}
	result := Compute(in)
	if len(result.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v", result.Conflicts)
	}
	c := result.Conflicts[0]
	if c.Kind != domain.ConflictCircularDependency || c.Severity != domain.SeverityCritical || len(c.Entities) != 3 {
		t.Fatalf("conflict = %+v", c)
	}
	if len(result.Units) != 1 || result.Units[0].Entity != stepRef("free") {
		t.Fatalf("only the unaffected unit should be scheduled, got %+v", result.Units)
	}
	if result.Err() == nil {
		t.Fatalf("expected Err() to report conflicts")
	}
}

func TestMissingAndInvalidDuration(t *testing.T) {
	in := Input{
		Project: project(),
		Units:   []domain.Unit{leaf("a", 0)},
		Edges:   []domain.Dependency{fs("e1", "a", "ghost", 0)},
	}
	result := Compute(in)
	kinds := map[domain.ConflictKind]bool{}
	for _, c := range result.Conflicts {
		kinds[c.Kind] = true
	}
	if !kinds[domain.ConflictMissingDependency] || !kinds[domain.ConflictInvalidDuration] {
		t.Fatalf("conflicts = %+v", result.Conflicts)
	}
	if a := find(t, result, "a"); a.EstimatedDays != 1 || a.EarliestStart != 0 {
		t.Fatalf("a = %+v", a)
	}
}

func TestInsufficientTime(t *testing.T) {
	a := leaf("a", 5)
	b := leaf("b", 3)
	b.PlannedEnd = at(6)
	result := Compute(Input{
		Project: project(),
		Units:   []domain.Unit{a, b},
		Edges:   []domain.Dependency{fs("e1", "b", "a", 0)},
	})
	if len(result.Conflicts) != 1 || result.Conflicts[0].Kind != domain.ConflictInsufficientTime {
		t.Fatalf("conflicts = %+v", result.Conflicts)
	}
	if result.Conflicts[0].Severity != domain.SeverityMedium {
		t.Fatalf("severity = %s, want MEDIUM for 2 days late", result.Conflicts[0].Severity)
	}
}

func TestStartToStart(t *testing.T) {
	ss := fs("e1", "b", "a", 1)
	ss.Type = domain.StartToStart
	result := Compute(Input{
		Project: project(),
		Units:   []domain.Unit{leaf("a", 5), leaf("b", 2)},
		Edges:   []domain.Dependency{ss},
	})
	b := find(t, result, "b")
	if b.EarliestStart != 1 || b.SlackDays != 2 {
		t.Fatalf("b = %+v", b)
	}
}

func TestContainerDurationAndProgress(t *testing.T) {
	task := domain.Unit{Ref: domain.Ref(domain.EntityTask, "t"), ProjectID: "p", Parent: domain.Ref(domain.EntityStage, "s"), Name: "T", Status: domain.StatusInProgress}
	stage := domain.Unit{Ref: domain.Ref(domain.EntityStage, "s"), ProjectID: "p", Name: "S", Status: domain.StatusInProgress}
	done := leaf("a", 2)
	done.Status = domain.StatusCompleted
	open := leaf("b", 3)
	result := Compute(Input{Project: project(), Units: []domain.Unit{stage, task, done, open}})
	for _, u := range result.Units {
		switch u.Entity {
		case task.Ref:
			// a and b run side by side
			if u.EstimatedDays != 3 || u.EarliestFinish != 3 || u.ProgressPercentage != 50 {
				t.Fatalf("task = %+v", u)
			}
		case stage.Ref:
			if u.EstimatedDays != 3 || u.ProgressPercentage != 0 {
				t.Fatalf("stage = %+v", u)
			}
		case done.Ref:
			if u.ProgressPercentage != 100 {
				t.Fatalf("done = %+v", u)
			}
		}
	}
}

func TestEdgesOnContainersBindTheirSteps(t *testing.T) {
	stage := domain.Unit{Ref: domain.Ref(domain.EntityStage, "s"), ProjectID: "p", Name: "S"}
	t1 := domain.Unit{Ref: domain.Ref(domain.EntityTask, "t1"), ProjectID: "p", Parent: stage.Ref, Name: "T1"}
	t2 := domain.Unit{Ref: domain.Ref(domain.EntityTask, "t2"), ProjectID: "p", Parent: stage.Ref, Name: "T2"}
	a := leaf("a", 5)
	a.Parent = t1.Ref
	b := leaf("b", 3)
	b.Parent = t2.Ref
	edge := domain.Dependency{ID: "e1", ProjectID: "p", Dependent: t2.Ref, DependsOn: t1.Ref, Type: domain.FinishToStart}

	result := Compute(Input{Project: project(), Units: []domain.Unit{stage, t1, t2, a, b}, Edges: []domain.Dependency{edge}})
	if len(result.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts %+v", result.Conflicts)
	}
	if result.TotalDays != 8 {
		t.Fatalf("TotalDays = %d, want 8", result.TotalDays)
	}
	dates := map[domain.EntityRef]domain.CalculatedDates{}
	for _, u := range result.Units {
		dates[u.Entity] = u
	}
	if got := dates[b.Ref]; got.EarliestStart != 5 || got.EarliestFinish != 8 || got.SlackDays != 0 {
		t.Fatalf("b = %+v, want start 5 finish 8 slack 0", got)
	}
	if got := dates[a.Ref]; !got.IsCriticalPath || got.SlackDays != 0 {
		t.Fatalf("a = %+v, want critical", got)
	}
	if got := dates[t1.Ref]; got.EarliestStart != 0 || got.EarliestFinish != 5 || !got.IsCriticalPath {
		t.Fatalf("t1 = %+v", got)
	}
	if got := dates[t2.Ref]; got.EarliestStart != 5 || got.EstimatedDays != 3 {
		t.Fatalf("t2 = %+v", got)
	}
	if got := dates[stage.Ref]; got.EarliestStart != 0 || got.EarliestFinish != 8 || got.EstimatedDays != 8 {
		t.Fatalf("stage = %+v", got)
	}
	want := []domain.EntityRef{a.Ref, b.Ref}
	if !reflect.DeepEqual(result.CriticalChain, want) {
		t.Fatalf("chain = %v, want %v", result.CriticalChain, want)
	}
}

func TestCycleThroughHierarchyIsReported(t *testing.T) {
	t1 := domain.Unit{Ref: domain.Ref(domain.EntityTask, "t1"), ProjectID: "p", Name: "T1"}
	t2 := domain.Unit{Ref: domain.Ref(domain.EntityTask, "t2"), ProjectID: "p", Name: "T2"}
	a := leaf("a", 1)
	a.Parent = t1.Ref
	b := leaf("b", 1)
	b.Parent = t2.Ref
	edges := []domain.Dependency{
		{ID: "e1", ProjectID: "p", Dependent: t1.Ref, DependsOn: b.Ref, Type: domain.FinishToStart},
		{ID: "e2", ProjectID: "p", Dependent: t2.Ref, DependsOn: t1.Ref, Type: domain.FinishToStart},
	}
	result := Compute(Input{Project: project(), Units: []domain.Unit{t1, t2, a, b}, Edges: edges})
	if len(result.Conflicts) != 1 || result.Conflicts[0].Kind != domain.ConflictCircularDependency {
		t.Fatalf("conflicts = %+v", result.Conflicts)
	}
	if !strings.Contains(result.Conflicts[0].Message, "TASK:t1") || len(result.Units) != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestAnnotateEdges(t *testing.T) {
	edges := []domain.Dependency{fs("e1", "b", "a", 0), fs("e2", "c", "a", 0), fs("e3", "d", "b", 0), fs("e4", "d", "c", 0)}
	result := Compute(Input{
		Project: project(),
		Units:   []domain.Unit{leaf("a", 3), leaf("b", 2), leaf("c", 4), leaf("d", 1)},
		Edges:   edges,
	})
	changed := AnnotateEdges(result, edges)
	byID := map[string]domain.Dependency{}
	for _, e := range changed {
		byID[e.ID] = e
	}
	if !byID["e2"].IsCriticalPath || !byID["e4"].IsCriticalPath {
		t.Fatalf("expected critical edges e2/e4, got %+v", changed)
	}
	if e3, ok := byID["e3"]; !ok || e3.SlackDays != 2 || e3.IsCriticalPath {
		t.Fatalf("e3 = %+v", e3)
	}
	if again := AnnotateEdges(result, changedOrOriginal(edges, changed)); len(again) != 0 {
		t.Fatalf("second annotation should be a no-op, got %+v", again)
	}
}

func changedOrOriginal(edges, changed []domain.Dependency) []domain.Dependency {
	byID := map[string]domain.Dependency{}
	for _, e := range changed {
		byID[e.ID] = e
	}
	out := make([]domain.Dependency, 0, len(edges))
	for _, e := range edges {
		if c, ok := byID[e.ID]; ok {
			e = c
		}
		out = append(out, e)
	}
	return out
}
