// Package workflow is the orchestrator. ExecuteAction builds an action
// context, checks it against the state machine and the rule engine,
// dispatches to the action's handler and commits the transition together with
// its cascade in one unit of work. Events are published only after commit.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/cascade"
	"github.com/animus-labs/crewflow/internal/execution/rules"
	"github.com/animus-labs/crewflow/internal/execution/statemachine"
	"github.com/animus-labs/crewflow/internal/repo"
)

// Request is a user-initiated action. Only the id matching the action's
// target level is required; the others, when given, must agree with the
// loaded hierarchy.
type Request struct {
	ProjectID    string          `json:"projectId"`
	StageID      string          `json:"stageId,omitempty"`
	TaskID       string          `json:"taskId,omitempty"`
	StepID       string          `json:"stepId,omitempty"`
	AssignmentID string          `json:"assignmentId,omitempty"`
	Action       domain.Action   `json:"actionType"`
	ActorUserID  string          `json:"userId"`
	Metadata     domain.Metadata `json:"metadata,omitempty"`
}

type Result struct {
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	NewStatus   string             `json:"newStatus,omitempty"`
	TargetLevel domain.TargetLevel `json:"targetLevel,omitempty"`
	Entity      domain.EntityRef   `json:"entity"`
	Reasons     []string           `json:"reasons,omitempty"`
	Changes     []cascade.Change   `json:"changes,omitempty"`
}

// Publisher receives events after their unit of work committed.
type Publisher interface {
	Publish(ctx context.Context, events []domain.Event)
}

type Options struct {
	Rules     *rules.Engine
	Cascade   cascade.Options
	Publisher Publisher
	Logger    *slog.Logger
	Clock     repo.Clock
}

type Engine struct {
	db        repo.Database
	rules     *rules.Engine
	cascade   cascade.Options
	publisher Publisher
	logger    *slog.Logger
	now       repo.Clock
}

func New(db repo.Database, opts Options) *Engine {
	if db == nil {
		return nil
	}
	e := &Engine{
		db:        db,
		rules:     opts.Rules,
		cascade:   opts.Cascade,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		now:       opts.Clock,
	}
	if e.rules == nil {
		e.rules = rules.NewEngine(rules.Config{RequireAcceptedAssignment: opts.Cascade.RequireAcceptedAssignment}, nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// ExecuteAction validates and applies req. Refused actions return a Result
// with Success false and the reasons, together with the typed error
// (IllegalStateTransitionError, RuleViolationError, EntityNotFoundError,
// InvalidRequestError); nothing is written in that case. Any other error
// means the whole unit of work was rolled back.
func (e *Engine) ExecuteAction(ctx context.Context, req Request) (Result, error) {
	req.Action = domain.NormalizeAction(string(req.Action))
	result := Result{TargetLevel: req.Action.Target()}

	var (
		mgr    *cascade.Manager
		target domain.EntityRef
	)
	err := e.db.WithinTx(ctx, func(ctx context.Context, store repo.Store) error {
		ac, err := buildContext(ctx, store, req)
		if err != nil {
			return err
		}
		target = ac.entity()
		if err := e.check(ac); err != nil {
			return err
		}
		h, ok := handlers[req.Action]
		if !ok {
			return &domain.InvalidRequestError{Reason: fmt.Sprintf("no handler for %s", req.Action)}
		}
		mgr = cascade.New(store, req.ProjectID, req.ActorUserID, e.now, e.cascade)
		status, err := h(ctx, mgr, ac, e.actionTime(req))
		if err != nil {
			return err
		}
		result.NewStatus = status
		result.Message = successMessage(ac, status, mgr.PassiveChanges())
		return mgr.Finish(ctx, target)
	})
	result.Entity = target
	if err != nil {
		return e.refuse(ctx, req, result, err)
	}
	result.Success = true
	result.Changes = mgr.Changes()
	e.publish(ctx, mgr.Events())
	e.logger.InfoContext(ctx, "workflow action applied",
		"project_id", req.ProjectID,
		"action", string(req.Action),
		"entity_type", string(target.Type),
		"entity_id", target.ID,
		"actor", req.ActorUserID,
		"new_status", result.NewStatus,
		"cascaded", mgr.PassiveChanges(),
	)
	return result, nil
}

// check runs the state validator, then every applicable rule.
func (e *Engine) check(ac *actionContext) error {
	if err := statemachine.Validate(ac.action, ac.subject()); err != nil {
		return err
	}
	return e.rules.Evaluate(ac.facts(e.now()))
}

// CheckResult is the dry-run outcome of an action.
type CheckResult struct {
	Allowed bool             `json:"allowed"`
	Entity  domain.EntityRef `json:"entity"`
	Reasons []string         `json:"reasons,omitempty"`
}

// Check evaluates req against committed state without applying it. Unlike
// ExecuteAction it keeps going after a state failure so that every reason
// is reported at once.
func (e *Engine) Check(ctx context.Context, req Request) (CheckResult, error) {
	req.Action = domain.NormalizeAction(string(req.Action))
	ac, err := buildContext(ctx, e.db.Reader(), req)
	if err != nil {
		if domain.IsRefusal(err) {
			return CheckResult{Reasons: domain.Reasons(err)}, nil
		}
		return CheckResult{}, err
	}
	out := CheckResult{Entity: ac.entity()}
	if err := statemachine.Validate(ac.action, ac.subject()); err != nil {
		out.Reasons = append(out.Reasons, err.Error())
	}
	if err := e.rules.Evaluate(ac.facts(e.now())); err != nil {
		out.Reasons = append(out.Reasons, domain.Reasons(err)...)
	}
	out.Allowed = len(out.Reasons) == 0
	return out, nil
}

func (e *Engine) refuse(ctx context.Context, req Request, result Result, err error) (Result, error) {
	result.Success = false
	result.Reasons = domain.Reasons(err)
	result.Message = err.Error()
	attrs := []any{
		"project_id", req.ProjectID,
		"action", string(req.Action),
		"entity_type", string(result.Entity.Type),
		"entity_id", result.Entity.ID,
		"actor", req.ActorUserID,
	}
	if domain.IsRefusal(err) {
		e.logger.InfoContext(ctx, "workflow action refused", append(attrs, "reason", err.Error())...)
		return result, err
	}
	if errors.Is(err, context.Canceled) {
		return result, err
	}
	e.logger.ErrorContext(ctx, "workflow action failed", append(attrs, "error", err)...)
	return result, fmt.Errorf("%s %s: %w", req.Action, result.Entity, err)
}

func (e *Engine) publish(ctx context.Context, events []domain.Event) {
	if e.publisher == nil || len(events) == 0 {
		return
	}
	e.publisher.Publish(ctx, events)
}

// actionTime is the completion date supplied with the action, else now.
// Rules have already rejected malformed dates.
func (e *Engine) actionTime(req Request) time.Time {
	switch req.Action {
	case domain.ActionCompleteStage, domain.ActionCompleteTask, domain.ActionCompleteStep:
		if at, err := req.Metadata.Time(domain.MetaCompletionDate); err == nil && at != nil {
			return *at
		}
	}
	return e.now()
}

func successMessage(ac *actionContext, status string, cascaded int) string {
	var subject string
	switch {
	case ac.target != nil:
		subject = fmt.Sprintf("%s %q", describe(ac.target.Ref.Type), ac.target.Name)
	case ac.assignment != nil:
		subject = fmt.Sprintf("assignment %s", ac.assignment.ID)
	}
	msg := fmt.Sprintf("%s is now %s", subject, strings.ToLower(strings.ReplaceAll(status, "_", " ")))
	if cascaded > 0 {
		msg += fmt.Sprintf(" (%d cascaded change(s))", cascaded)
	}
	return msg
}

func describe(t domain.EntityType) string {
	if t == domain.EntityAdhocTask {
		return "ad-hoc task"
	}
	return strings.ToLower(string(t))
}
