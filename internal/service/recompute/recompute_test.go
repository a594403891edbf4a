package recompute

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/repo"
	"github.com/animus-labs/crewflow/internal/repo/memory"
)

var clock = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeSnapshots struct {
	mu   sync.Mutex
	puts map[string][]byte
	err  error
}

func (f *fakeSnapshots) Put(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = append([]byte(nil), body...)
	return nil
}

func seed(t *testing.T) *memory.DB {
	t.Helper()
	db := memory.NewWithClock(func() time.Time { return clock })
	step := func(id string, days int) domain.Unit {
		return domain.Unit{Ref: domain.Ref(domain.EntityStep, id), Parent: domain.Ref(domain.EntityTask, "t1"), Name: "Step " + id, EstimatedDays: days}
	}
	units := []domain.Unit{
		{Ref: domain.Ref(domain.EntityStage, "s1"), Name: "Stage", OrderIndex: 1, EstimatedDays: 7},
		{Ref: domain.Ref(domain.EntityTask, "t1"), Parent: domain.Ref(domain.EntityStage, "s1"), Name: "Task", EstimatedDays: 7},
		step("a", 3), step("b", 2), step("c", 4),
	}
	edges := []domain.Dependency{
		{ID: "e1", Dependent: domain.Ref(domain.EntityStep, "b"), DependsOn: domain.Ref(domain.EntityStep, "a")},
		{ID: "e2", Dependent: domain.Ref(domain.EntityStep, "c"), DependsOn: domain.Ref(domain.EntityStep, "a")},
	}
	if err := db.Seed(context.Background(), domain.Project{ID: "p-1", Name: "Duplex", StartDate: clock}, units, edges, nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	err := db.WithinTx(context.Background(), func(ctx context.Context, s repo.Store) error {
		return s.Projects().MarkScheduleDirty(ctx, "p-1")
	})
	if err != nil {
		t.Fatalf("MarkScheduleDirty: %v", err)
	}
	return db
}

func newWorker(db repo.Database, snaps SnapshotWriter) *Worker {
	w := New(db, snaps, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Enabled: true, Interval: time.Second, Batch: 10})
	w.now = func() time.Time { return clock }
	return w
}

func TestRunOnceRecomputesDirtyProjects(t *testing.T) {
	db := seed(t)
	snaps := &fakeSnapshots{}
	w := newWorker(db, snaps)
	ctx := context.Background()

	n, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	project, err := db.Reader().Projects().GetProject(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if project.ScheduleDirty {
		t.Fatalf("project still dirty")
	}
	e1, err := db.Reader().Dependencies().GetDependency(ctx, "p-1", "e1")
	if err != nil {
		t.Fatalf("GetDependency: %v", err)
	}
	e2, err := db.Reader().Dependencies().GetDependency(ctx, "p-1", "e2")
	if err != nil {
		t.Fatalf("GetDependency: %v", err)
	}
	// b has slack, but the edge itself binds
	if e1.IsCriticalPath || e1.SlackDays != 0 {
		t.Errorf("e1 = critical %v slack %d, want false 0", e1.IsCriticalPath, e1.SlackDays)
	}
	if !e2.IsCriticalPath || e2.SlackDays != 0 {
		t.Errorf("e2 = critical %v slack %d, want true 0", e2.IsCriticalPath, e2.SlackDays)
	}

	latest, ok := snaps.puts["projects/p-1/critical-path/latest.json"]
	if !ok || len(snaps.puts) != 2 {
		t.Fatalf("snapshots = %v", keys(snaps.puts))
	}
	var snap Snapshot
	if err := json.Unmarshal(latest, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Result.TotalDays != 7 || snap.EdgeChanges != 1 {
		t.Fatalf("snapshot = total %d changes %d", snap.Result.TotalDays, snap.EdgeChanges)
	}

	var recalculated int
	for _, e := range db.Events() {
		if e.Kind == domain.EventScheduleRecalculated {
			recalculated++
		}
	}
	if recalculated != 1 {
		t.Fatalf("recalculated events = %d", recalculated)
	}

	if n, err := w.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("second RunOnce = %d, %v; want nothing to do", n, err)
	}
}

func TestExportFailureKeepsProjectDirty(t *testing.T) {
	db := seed(t)
	w := newWorker(db, &fakeSnapshots{err: errors.New("bucket offline")})
	_, err := w.Recompute(context.Background(), "p-1")
	if err == nil || !strings.Contains(err.Error(), "bucket offline") {
		t.Fatalf("Recompute = %v", err)
	}
	project, err := db.Reader().Projects().GetProject(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if !project.ScheduleDirty {
		t.Fatalf("project should be flagged for retry")
	}
}

func TestRecomputeMissingProject(t *testing.T) {
	w := newWorker(memory.New(), nil)
	if _, err := w.Recompute(context.Background(), "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("Recompute = %v, want ErrNotFound", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CREWFLOW_RECOMPUTE_INTERVAL", "5s")
	t.Setenv("CREWFLOW_RECOMPUTE_BATCH", "3")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if !cfg.Enabled || cfg.Interval != 5*time.Second || cfg.Batch != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}
	t.Setenv("CREWFLOW_RECOMPUTE_INTERVAL", "0s")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
