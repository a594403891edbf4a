// Package recompute keeps the critical path of every project current. A
// ticker picks up projects whose graph changed, recomputes them, annotates
// their edges and exports a JSON snapshot to object storage.
package recompute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/schedule"
	"github.com/animus-labs/crewflow/internal/execution/workflow"
	"github.com/animus-labs/crewflow/internal/platform/env"
	"github.com/animus-labs/crewflow/internal/repo"
)

type Config struct {
	Enabled  bool
	Interval time.Duration
	Batch    int
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("CREWFLOW_RECOMPUTE_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("CREWFLOW_RECOMPUTE_INTERVAL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	batch, err := env.PositiveInt("CREWFLOW_RECOMPUTE_BATCH", 25)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Enabled: enabled, Interval: interval, Batch: batch}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("recompute interval must be positive")
	}
	if c.Batch <= 0 {
		return errors.New("recompute batch must be positive")
	}
	return nil
}

// SnapshotWriter stores snapshot documents by key.
type SnapshotWriter interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Snapshot is the document exported for each recomputation.
type Snapshot struct {
	ProjectID   string                    `json:"projectId"`
	ComputedAt  time.Time                 `json:"computedAt"`
	Result      domain.CriticalPathResult `json:"result"`
	EdgeChanges int                       `json:"edgeChanges"`
}

type Worker struct {
	db        repo.Database
	snapshots SnapshotWriter
	publisher workflow.Publisher
	logger    *slog.Logger
	now       repo.Clock
	interval  time.Duration
	batch     int
}

func New(db repo.Database, snapshots SnapshotWriter, publisher workflow.Publisher, logger *slog.Logger, cfg Config) *Worker {
	if db == nil {
		return nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.Batch
	if batch <= 0 {
		batch = 25
	}
	return &Worker{
		db:        db,
		snapshots: snapshots,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		interval:  interval,
		batch:     batch,
	}
}

// Start runs the worker until ctx is done. It does nothing when disabled.
func Start(ctx context.Context, w *Worker, cfg Config) {
	if w == nil || !cfg.Enabled {
		return
	}
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.log("schedule recompute failed", "error", err)
			}
		}
	}
}

// RunOnce recomputes up to one batch of dirty projects and returns how many
// were processed. A failing project is logged and left dirty for the next run.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	projects, err := w.db.Reader().Projects().ListDirtyProjects(ctx, w.batch)
	if err != nil {
		return 0, fmt.Errorf("list dirty projects: %w", err)
	}
	done := 0
	for _, p := range projects {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := w.Recompute(ctx, p.ID); err != nil {
			w.log("project recompute failed", "project_id", p.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// Recompute computes one project's critical path, writes edge annotations,
// records a ScheduleRecalculated event and clears the dirty flag in one unit
// of work. The snapshot is exported after commit; when that fails the
// project is flagged dirty again so the export is retried.
func (w *Worker) Recompute(ctx context.Context, projectID string) (domain.CriticalPathResult, error) {
	var (
		result  domain.CriticalPathResult
		changed int
		event   domain.Event
	)
	err := w.db.WithinTx(ctx, func(ctx context.Context, store repo.Store) error {
		in, err := schedule.Load(ctx, store, projectID)
		if err != nil {
			return err
		}
		result = schedule.Compute(in)
		edges := schedule.AnnotateEdges(result, in.Edges)
		for _, e := range edges {
			if _, err := store.Dependencies().UpdateDependency(ctx, e); err != nil {
				return fmt.Errorf("annotate dependency %s: %w", e.ID, err)
			}
		}
		changed = len(edges)

		event = domain.Event{
			Kind:        domain.EventScheduleRecalculated,
			ProjectID:   projectID,
			ActorUserID: "system",
			EntityName:  in.Project.Name,
			OccurredAt:  w.now(),
			Payload: map[string]any{
				"totalDays":     result.TotalDays,
				"criticalChain": refStrings(result.CriticalChain),
				"conflicts":     len(result.Conflicts),
				"edgeChanges":   changed,
			},
		}
		if _, err := store.Events().AppendEvent(ctx, event); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		return store.Projects().ClearScheduleDirty(ctx, projectID)
	})
	if err != nil {
		return domain.CriticalPathResult{}, err
	}
	if w.publisher != nil {
		w.publisher.Publish(ctx, []domain.Event{event})
	}

	if err := w.export(ctx, Snapshot{ProjectID: projectID, ComputedAt: event.OccurredAt, Result: result, EdgeChanges: changed}); err != nil {
		if markErr := w.db.WithinTx(ctx, func(ctx context.Context, store repo.Store) error {
			return store.Projects().MarkScheduleDirty(ctx, projectID)
		}); markErr != nil {
			err = errors.Join(err, markErr)
		}
		return result, fmt.Errorf("export snapshot: %w", err)
	}
	if w.logger != nil {
		w.logger.InfoContext(ctx, "schedule recomputed",
			"component", "schedule_recompute",
			"project_id", projectID,
			"total_days", result.TotalDays,
			"critical_units", len(result.CriticalChain),
			"conflicts", len(result.Conflicts),
			"edge_changes", changed,
		)
	}
	return result, nil
}

// export writes a timestamped snapshot and overwrites the latest one.
func (w *Worker) export(ctx context.Context, snap Snapshot) error {
	if w.snapshots == nil {
		return nil
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := w.snapshots.Put(ctx, SnapshotKey(snap.ProjectID, snap.ComputedAt.UTC().Format(snapshotStamp)), body); err != nil {
		return err
	}
	return w.snapshots.Put(ctx, SnapshotKey(snap.ProjectID, "latest"), body)
}

const snapshotStamp = "20060102T150405Z"

// SnapshotKey names a snapshot object; name is a timestamp or "latest".
func SnapshotKey(projectID, name string) string {
	return "projects/" + projectID + "/critical-path/" + name + ".json"
}

func (w *Worker) log(msg string, attrs ...any) {
	if w.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	fields := append([]any{"component", "schedule_recompute"}, attrs...)
	w.logger.Warn(msg, fields...)
}

func refStrings(refs []domain.EntityRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.String())
	}
	return out
}
