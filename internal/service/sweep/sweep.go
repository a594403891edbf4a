// Package sweep scans projects on a timer and records overdue, due-soon and
// milestone notifications. Sweeps never change unit or edge status; the only
// writes are notification rows, deduplicated by key so reruns are harmless.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/platform/env"
	"github.com/animus-labs/crewflow/internal/repo"
)

type Config struct {
	Enabled     bool
	Interval    time.Duration
	DueSoonDays int
	Parallel    int
	// Kinds limits what is recorded. Empty records every kind.
	Kinds []domain.NotificationKind
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("CREWFLOW_SWEEP_ENABLED", true)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("CREWFLOW_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	dueSoon, err := env.PositiveInt("CREWFLOW_DUE_SOON_DAYS", 3)
	if err != nil {
		return Config{}, err
	}
	parallel, err := env.PositiveInt("CREWFLOW_SWEEP_PARALLEL", 4)
	if err != nil {
		return Config{}, err
	}
	var kinds []domain.NotificationKind
	for _, k := range env.Strings("CREWFLOW_SWEEP_KINDS", nil) {
		kinds = append(kinds, domain.NotificationKind(strings.ToUpper(k)))
	}
	cfg := Config{Enabled: enabled, Interval: interval, DueSoonDays: dueSoon, Parallel: parallel, Kinds: kinds}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.DueSoonDays <= 0 {
		return errors.New("due soon days must be positive")
	}
	if c.Parallel <= 0 {
		return errors.New("sweep parallelism must be positive")
	}
	for _, k := range c.Kinds {
		switch k {
		case domain.NotificationOverdue, domain.NotificationDueSoon, domain.NotificationMilestone:
		default:
			return fmt.Errorf("unknown notification kind %q", k)
		}
	}
	return nil
}

// Summary counts notifications found and newly recorded by a sweep.
type Summary struct {
	Projects   int `json:"projects"`
	Overdue    int `json:"overdue"`
	DueSoon    int `json:"dueSoon"`
	Milestones int `json:"milestones"`
	Recorded   int `json:"recorded"`
}

func (s *Summary) add(o Summary) {
	s.Projects += o.Projects
	s.Overdue += o.Overdue
	s.DueSoon += o.DueSoon
	s.Milestones += o.Milestones
	s.Recorded += o.Recorded
}

type Sweeper struct {
	db       repo.Database
	logger   *slog.Logger
	now      repo.Clock
	interval time.Duration
	dueSoon  int
	parallel int
	kinds    map[domain.NotificationKind]bool
}

func New(db repo.Database, logger *slog.Logger, cfg Config) *Sweeper {
	if db == nil {
		return nil
	}
	s := &Sweeper{
		db:       db,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		interval: cfg.Interval,
		dueSoon:  cfg.DueSoonDays,
		parallel: cfg.Parallel,
	}
	if s.interval <= 0 {
		s.interval = time.Hour
	}
	if s.dueSoon <= 0 {
		s.dueSoon = 3
	}
	if s.parallel <= 0 {
		s.parallel = 4
	}
	if len(cfg.Kinds) > 0 {
		s.kinds = make(map[domain.NotificationKind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			s.kinds[k] = true
		}
	}
	return s
}

// Start runs sweeps until ctx is done. It does nothing when disabled.
func Start(ctx context.Context, s *Sweeper, cfg Config) {
	if s == nil || !cfg.Enabled {
		return
	}
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log("notification sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce sweeps every project, a bounded number at a time. Per-project
// failures are logged and do not stop the other projects.
func (s *Sweeper) SweepOnce(ctx context.Context) (Summary, error) {
	projects, err := s.db.Reader().Projects().ListProjects(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list projects: %w", err)
	}
	var (
		mu    sync.Mutex
		total Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, p := range projects {
		p := p
		g.Go(func() error {
			sum, err := s.SweepProject(gctx, p.ID)
			if err != nil {
				s.log("project sweep failed", "project_id", p.ID, "error", err)
				return nil
			}
			mu.Lock()
			total.add(sum)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	if s.logger != nil && total.Recorded > 0 {
		s.logger.InfoContext(ctx, "notification sweep finished",
			"component", "notification_sweep",
			"projects", total.Projects,
			"overdue", total.Overdue,
			"due_soon", total.DueSoon,
			"milestones", total.Milestones,
			"recorded", total.Recorded,
		)
	}
	return total, ctx.Err()
}

// SweepProject evaluates one project on committed state and records what it
// finds in a single unit of work that only touches notifications.
func (s *Sweeper) SweepProject(ctx context.Context, projectID string) (Summary, error) {
	units, err := s.db.Reader().Units().ListUnits(ctx, repo.UnitFilter{ProjectID: projectID})
	if err != nil {
		return Summary{}, fmt.Errorf("list units: %w", err)
	}
	found := s.filter(Evaluate(units, s.now(), s.dueSoon))
	sum := Summary{Projects: 1}
	for _, n := range found {
		switch n.Kind {
		case domain.NotificationOverdue:
			sum.Overdue++
		case domain.NotificationDueSoon:
			sum.DueSoon++
		case domain.NotificationMilestone:
			sum.Milestones++
		}
	}
	if len(found) == 0 {
		return sum, nil
	}
	err = s.db.WithinTx(ctx, func(ctx context.Context, store repo.Store) error {
		sum.Recorded = 0
		for _, n := range found {
			n.ID = uuid.NewString()
			n.CreatedAt = s.now()
			inserted, err := store.Notifications().AppendNotification(ctx, n)
			if err != nil {
				return fmt.Errorf("append notification %s: %w", n.DedupeKey, err)
			}
			if inserted {
				sum.Recorded++
			}
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// Evaluate returns the notifications units call for at now:
//   - overdue: open unit whose planned end day has passed;
//   - due soon: open unit whose planned end is within dueSoonDays;
//   - milestone: completed stage.
//
// Keys carry the planned end date, so a rescheduled unit is reported again.
func Evaluate(units []domain.Unit, now time.Time, dueSoonDays int) []domain.Notification {
	today := domain.Day(now)
	var out []domain.Notification
	for _, u := range units {
		switch {
		case u.Ref.Type == domain.EntityStage && u.Status == domain.StatusCompleted:
			out = append(out, domain.Notification{
				ProjectID:  u.ProjectID,
				Kind:       domain.NotificationMilestone,
				Entity:     u.Ref,
				EntityName: u.Name,
				DedupeKey:  dedupeKey(domain.NotificationMilestone, u, ""),
				Message:    fmt.Sprintf("stage %q completed", u.Name),
				DueDate:    u.ActualEnd,
			})
		case u.Status.IsTerminal() || u.PlannedEnd == nil:
		default:
			due := domain.Day(*u.PlannedEnd)
			left := domain.DaysBetween(today, due)
			kind := describe(u.Ref.Type)
			switch {
			case left < 0:
				out = append(out, domain.Notification{
					ProjectID:  u.ProjectID,
					Kind:       domain.NotificationOverdue,
					Entity:     u.Ref,
					EntityName: u.Name,
					DedupeKey:  dedupeKey(domain.NotificationOverdue, u, due.Format(time.DateOnly)),
					Message:    fmt.Sprintf("%s %q is %d day(s) overdue", kind, u.Name, -left),
					DueDate:    u.PlannedEnd,
				})
			case left <= dueSoonDays:
				out = append(out, domain.Notification{
					ProjectID:  u.ProjectID,
					Kind:       domain.NotificationDueSoon,
					Entity:     u.Ref,
					EntityName: u.Name,
					DedupeKey:  dedupeKey(domain.NotificationDueSoon, u, due.Format(time.DateOnly)),
					Message:    fmt.Sprintf("%s %q is due %s", kind, u.Name, due.Format(time.DateOnly)),
					DueDate:    u.PlannedEnd,
				})
			}
		}
	}
	return out
}

func (s *Sweeper) filter(found []domain.Notification) []domain.Notification {
	if s.kinds == nil {
		return found
	}
	out := found[:0]
	for _, n := range found {
		if s.kinds[n.Kind] {
			out = append(out, n)
		}
	}
	return out
}

func dedupeKey(kind domain.NotificationKind, u domain.Unit, suffix string) string {
	parts := []string{strings.ToLower(string(kind)), u.ProjectID, u.Ref.String()}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	return strings.Join(parts, ":")
}

func describe(t domain.EntityType) string {
	if t == domain.EntityAdhocTask {
		return "ad-hoc task"
	}
	return strings.ToLower(string(t))
}

func (s *Sweeper) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	fields := append([]any{"component", "notification_sweep"}, attrs...)
	s.logger.Warn(msg, fields...)
}
