// Package parallel derives the frontier of a project's graph, the units that
// can start now, and starts them in bulk. Each start is its own unit of work,
// so one failing unit never rolls back the others.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/cascade"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
	"github.com/animus-labs/crewflow/internal/execution/workflow"
	"github.com/animus-labs/crewflow/internal/platform/env"
	"github.com/animus-labs/crewflow/internal/repo"
)

type Config struct {
	MaxParallel int
}

func ConfigFromEnv() (Config, error) {
	n, err := env.PositiveInt("CREWFLOW_PARALLEL_MAX", 4)
	if err != nil {
		return Config{}, err
	}
	return Config{MaxParallel: n}, nil
}

func (c Config) Validate() error {
	if c.MaxParallel <= 0 {
		return errors.New("max parallel must be positive")
	}
	return nil
}

type Manager struct {
	db     repo.Database
	engine *workflow.Engine
	opts   cascade.Options
	cfg    Config
	logger *slog.Logger
}

func New(db repo.Database, engine *workflow.Engine, opts cascade.Options, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, engine: engine, opts: opts, cfg: cfg, logger: logger}
}

// ReadyToStart lists units of entityType that have not started, whose own
// and inherited edges are all satisfied, and whose ancestors are neither
// paused nor closed. Steps must also pass the assignment gate when enabled.
func (m *Manager) ReadyToStart(ctx context.Context, projectID string, entityType domain.EntityType) ([]domain.EntityRef, error) {
	units, err := m.frontier(ctx, projectID, entityType)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EntityRef, 0, len(units))
	for _, u := range units {
		out = append(out, u.Ref)
	}
	return out, nil
}

func (m *Manager) frontier(ctx context.Context, projectID string, entityType domain.EntityType) ([]domain.Unit, error) {
	store := m.db.Reader()
	units, err := store.Units().ListUnits(ctx, repo.UnitFilter{
		ProjectID: projectID,
		Type:      entityType,
		Statuses:  []domain.Status{domain.StatusNotStarted, domain.StatusReadyToStart},
	})
	if err != nil {
		return nil, fmt.Errorf("list %s units: %w", entityType, err)
	}
	// read-only use of the manager; nothing is written through the reader
	check := cascade.New(store, projectID, "", nil, m.opts)
	var out []domain.Unit
	for _, u := range units {
		ready, err := check.IsReady(ctx, u)
		if err != nil {
			return nil, err
		}
		if ready {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return dependency.CompareRefs(out[i].Ref, out[j].Ref) < 0
	})
	return out, nil
}

// CanStartResult answers whether a unit can start now and, if not, why.
type CanStartResult struct {
	Entity          domain.EntityRef `json:"entity"`
	CanStart        bool             `json:"canStart"`
	BlockingReasons []string         `json:"blockingReasons"`
}

// CanStart evaluates the start action for ref without applying it: every
// unsatisfied dependency and every state-machine or rule blocker is reported.
func (m *Manager) CanStart(ctx context.Context, projectID string, ref domain.EntityRef) (CanStartResult, error) {
	req, err := startRequest(projectID, "", ref)
	if err != nil {
		return CanStartResult{}, err
	}
	req.ActorUserID = "can-start"
	check, err := m.engine.Check(ctx, req)
	if err != nil {
		return CanStartResult{}, err
	}
	return CanStartResult{
		Entity:          ref,
		CanStart:        check.Allowed,
		BlockingReasons: append([]string{}, check.Reasons...),
	}, nil
}

// BlockingReasons is CanStart reduced to its reasons.
func (m *Manager) BlockingReasons(ctx context.Context, projectID string, ref domain.EntityRef) ([]string, error) {
	res, err := m.CanStart(ctx, projectID, ref)
	if err != nil {
		return nil, err
	}
	return res.BlockingReasons, nil
}

// Outcome of one unit in a batch.
const (
	OutcomeStarted = "started"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

type EntityOutcome struct {
	Entity  domain.EntityRef `json:"entity"`
	Outcome string           `json:"outcome"`
	Reason  string           `json:"reason,omitempty"`
}

type ExecutionResult struct {
	ProjectID string          `json:"projectId"`
	Started   int             `json:"started"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Entities  []EntityOutcome `json:"entities"`
}

// ExecuteParallelEntities starts every unit of entityType currently on the
// frontier. Starts run concurrently, bounded by MaxParallel, each in its own
// unit of work. A ready step still NOT_STARTED is promoted to READY_TO_START
// first, since START_STEP accepts nothing else. A unit that was started or changed by someone else between
// the scan and its start is skipped; unexpected errors count as failures and
// never stop the batch.
func (m *Manager) ExecuteParallelEntities(ctx context.Context, projectID, actorUserID string, entityType domain.EntityType) (ExecutionResult, error) {
	if entityType == "" {
		entityType = domain.EntityStep
	}
	ready, err := m.frontier(ctx, projectID, entityType)
	if err != nil {
		return ExecutionResult{}, err
	}
	result := ExecutionResult{ProjectID: projectID}
	var mu sync.Mutex
	record := func(o EntityOutcome) {
		mu.Lock()
		defer mu.Unlock()
		result.Entities = append(result.Entities, o)
		switch o.Outcome {
		case OutcomeStarted:
			result.Started++
		case OutcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallel)
	for _, u := range ready {
		u := u
		ref := u.Ref
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				record(EntityOutcome{Entity: ref, Outcome: OutcomeSkipped, Reason: err.Error()})
				return nil
			}
			req, err := startRequest(projectID, actorUserID, ref)
			if err != nil {
				record(EntityOutcome{Entity: ref, Outcome: OutcomeFailed, Reason: err.Error()})
				return nil
			}
			if ref.Type == domain.EntityStep && u.Status == domain.StatusNotStarted {
				_, err = m.engine.Promote(gctx, projectID, actorUserID, ref)
			}
			if err == nil {
				_, err = m.engine.ExecuteAction(gctx, req)
			}
			switch {
			case err == nil:
				record(EntityOutcome{Entity: ref, Outcome: OutcomeStarted})
			case domain.IsRefusal(err):
				record(EntityOutcome{Entity: ref, Outcome: OutcomeSkipped, Reason: strings.Join(domain.Reasons(err), "; ")})
			default:
				m.logger.ErrorContext(ctx, "parallel start failed",
					"project_id", projectID,
					"entity_type", string(ref.Type),
					"entity_id", ref.ID,
					"error", err,
				)
				record(EntityOutcome{Entity: ref, Outcome: OutcomeFailed, Reason: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Entities, func(i, j int) bool {
		return dependency.CompareRefs(result.Entities[i].Entity, result.Entities[j].Entity) < 0
	})
	m.logger.InfoContext(ctx, "parallel execution finished",
		"project_id", projectID,
		"entity_type", string(entityType),
		"started", result.Started,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return result, err
	}
	return result, nil
}

// HandleEntityCompletionCascade re-runs the cascade for ref.
func (m *Manager) HandleEntityCompletionCascade(ctx context.Context, projectID, actorUserID string, ref domain.EntityRef) (workflow.GraphChange, error) {
	return m.engine.RunCascade(ctx, projectID, actorUserID, ref)
}

func startRequest(projectID, actorUserID string, ref domain.EntityRef) (workflow.Request, error) {
	req := workflow.Request{ProjectID: projectID, ActorUserID: actorUserID}
	switch {
	case ref.Type == domain.EntityStage:
		req.Action, req.StageID = domain.ActionStartStage, ref.ID
	case ref.Type.IsTaskLevel():
		req.Action, req.TaskID = domain.ActionStartTask, ref.ID
	case ref.Type == domain.EntityStep:
		req.Action, req.StepID = domain.ActionStartStep, ref.ID
	default:
		return workflow.Request{}, &domain.InvalidRequestError{Reason: fmt.Sprintf("entity type %q cannot be started", ref.Type)}
	}
	return req, nil
}
