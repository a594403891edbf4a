package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/cascade"
	"github.com/animus-labs/crewflow/internal/execution/workflow"
	"github.com/animus-labs/crewflow/internal/repo"
)

// span is a planned interval in days from the anchor date.
type span struct {
	start, end int
}

// schedule plans every unit from day 0. A step starts once its own edges and
// the edges of its task and stage allow it; containers span their children.
// Edges that wait on an ancestor through the hierarchy are reported as cycles.
func (p plan) schedule() (map[string]span, error) {
	incoming := map[string][]EdgeSpec{}
	for _, e := range p.edges {
		incoming[e.Dependent] = append(incoming[e.Dependent], e)
	}
	children := map[string][]string{}
	for _, n := range p.nodes {
		if n.parent != "" {
			children[n.parent] = append(children[n.parent], n.path)
		}
	}

	const (
		active = 1
		done   = 2
	)
	state := map[string]int{}
	out := make(map[string]span, len(p.nodes))
	var stack []string

	var visit func(path string) (span, error)
	visit = func(path string) (span, error) {
		switch state[path] {
		case done:
			return out[path], nil
		case active:
			cycle := []domain.EntityRef{}
			for i := len(stack) - 1; i >= 0; i-- {
				cycle = append([]domain.EntityRef{p.ref(stack[i])}, cycle...)
				if stack[i] == path {
					break
				}
			}
			return span{}, &domain.CircularDependencyError{Cycle: append(cycle, p.ref(path))}
		}
		state[path] = active
		stack = append(stack, path)
		defer func() { stack = stack[:len(stack)-1] }()

		n := p.nodes[p.index[path]]
		var s span
		if n.step != nil {
			for cur := path; cur != ""; cur = p.nodes[p.index[cur]].parent {
				for _, e := range incoming[cur] {
					pred, err := visit(e.DependsOn)
					if err != nil {
						return span{}, err
					}
					bound := pred.end + e.LagDays
					if domain.NormalizeDependencyType(e.Type) == domain.StartToStart {
						bound = pred.start + e.LagDays
					}
					if bound > s.start {
						s.start = bound
					}
				}
			}
			s.end = s.start + n.step.EstimatedDays
		} else {
			for i, c := range children[path] {
				cs, err := visit(c)
				if err != nil {
					return span{}, err
				}
				if i == 0 || cs.start < s.start {
					s.start = cs.start
				}
				if cs.end > s.end {
					s.end = cs.end
				}
			}
		}
		state[path] = done
		out[path] = s
		return s, nil
	}

	for _, n := range p.nodes {
		if _, err := visit(n.path); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type Options struct {
	Cascade   cascade.Options
	Publisher workflow.Publisher
	Logger    *slog.Logger
	Clock     repo.Clock
}

// Instantiator writes templates and ad-hoc tasks into projects.
type Instantiator struct {
	db        repo.Database
	cascade   cascade.Options
	publisher workflow.Publisher
	logger    *slog.Logger
	now       repo.Clock
}

func NewInstantiator(db repo.Database, opts Options) *Instantiator {
	if db == nil {
		return nil
	}
	in := &Instantiator{
		db:        db,
		cascade:   opts.Cascade,
		publisher: opts.Publisher,
		logger:    opts.Logger,
		now:       opts.Clock,
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	if in.now == nil {
		in.now = func() time.Time { return time.Now().UTC() }
	}
	return in
}

// Applied maps template key paths to the units created for them.
type Applied struct {
	ProjectID    string                      `json:"projectId"`
	Units        map[string]domain.EntityRef `json:"units"`
	Dependencies int                         `json:"dependencies"`
	Changes      []cascade.Change            `json:"changes,omitempty"`
}

// Apply instantiates t into project, creating the project when it does not
// exist yet. Stages are appended after any existing ones. Planned dates are
// laid out from the project start date, and steps with nothing to wait on
// are promoted to READY_TO_START.
func (in *Instantiator) Apply(ctx context.Context, project domain.Project, t Template, actorUserID string) (Applied, error) {
	p, err := t.plan()
	if err != nil {
		return Applied{}, refusal(err)
	}
	if strings.TrimSpace(project.ID) == "" {
		return Applied{}, &domain.InvalidRequestError{Reason: "project id is required"}
	}
	if strings.TrimSpace(actorUserID) == "" {
		return Applied{}, &domain.InvalidRequestError{Reason: "user id is required"}
	}

	out := Applied{ProjectID: project.ID, Units: make(map[string]domain.EntityRef, len(p.nodes))}
	var mgr *cascade.Manager
	err = in.db.WithinTx(ctx, func(ctx context.Context, store repo.Store) error {
		existing, err := in.ensureProject(ctx, store, project, actorUserID)
		if err != nil {
			return err
		}
		stages, err := store.Units().ListUnits(ctx, repo.UnitFilter{ProjectID: existing.ID, Type: domain.EntityStage})
		if err != nil {
			return fmt.Errorf("list stages: %w", err)
		}
		orderBase := 0
		for _, s := range stages {
			if s.OrderIndex > orderBase {
				orderBase = s.OrderIndex
			}
		}
		anchor := domain.Day(existing.StartDate)
		if existing.StartDate.IsZero() {
			anchor = domain.Day(in.now())
		}

		for _, n := range p.nodes {
			u := p.unit(n, existing.ID, anchor, out.Units)
			if n.stage != nil {
				u.OrderIndex += orderBase
			}
			if err := store.Units().CreateUnit(ctx, u); err != nil {
				return fmt.Errorf("create %s %q: %w", strings.ToLower(string(u.Ref.Type)), n.path, err)
			}
			out.Units[n.path] = u.Ref
		}

		mgr = cascade.New(store, existing.ID, actorUserID, in.now, in.cascade)
		for _, e := range p.edges {
			if _, err := mgr.AddDependency(ctx, domain.Dependency{
				Dependent: out.Units[e.Dependent],
				DependsOn: out.Units[e.DependsOn],
				Type:      domain.DependencyType(e.Type),
				LagDays:   e.LagDays,
				Notes:     e.Notes,
			}); err != nil {
				return fmt.Errorf("dependency %s -> %s: %w", e.Dependent, e.DependsOn, err)
			}
			out.Dependencies++
		}
		for _, n := range p.nodes {
			if n.stage == nil {
				continue
			}
			if err := mgr.Promote(ctx, out.Units[n.path]); err != nil {
				return err
			}
		}
		if err := mgr.Finish(ctx, domain.EntityRef{}); err != nil {
			return err
		}
		return store.Projects().MarkScheduleDirty(ctx, existing.ID)
	})
	if err != nil {
		if !domain.IsRefusal(err) {
			in.logger.ErrorContext(ctx, "template apply failed", "project_id", project.ID, "template", t.Name, "error", err)
		}
		return Applied{}, err
	}
	out.Changes = mgr.Changes()
	in.publish(ctx, mgr.Events())
	in.logger.InfoContext(ctx, "template applied",
		"project_id", project.ID,
		"template", t.Name,
		"units", len(out.Units),
		"dependencies", out.Dependencies,
		"promoted", mgr.PassiveChanges(),
	)
	return out, nil
}

// AddAdhocTask adds an ADHOC_TASK with its steps under an open stage. Steps
// are planned from today; a sequential task chains them.
func (in *Instantiator) AddAdhocTask(ctx context.Context, projectID, stageID, actorUserID string, spec TaskSpec) (Applied, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(stageID) == "" {
		return Applied{}, &domain.InvalidRequestError{Reason: "project id and stage id are required"}
	}
	if strings.TrimSpace(actorUserID) == "" {
		return Applied{}, &domain.InvalidRequestError{Reason: "user id is required"}
	}
	if strings.TrimSpace(spec.Key) == "" {
		spec.Key = "adhoc"
	}
	// reuse template validation on a one-stage, one-task shape
	wrapper := Template{
		Schema: SchemaV1,
		Name:   spec.Name,
		Stages: []StageSpec{{Key: stageID, Name: stageID, Tasks: []TaskSpec{spec}}},
	}
	p, err := wrapper.plan()
	if err != nil {
		return Applied{}, refusal(err)
	}

	out := Applied{ProjectID: projectID, Units: map[string]domain.EntityRef{}}
	var mgr *cascade.Manager
	err = in.db.WithinTx(ctx, func(ctx context.Context, store repo.Store) error {
		stageRef := domain.Ref(domain.EntityStage, stageID)
		stage, err := store.Units().GetUnit(ctx, projectID, stageRef)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.NotFound(stageRef)
			}
			return fmt.Errorf("load stage: %w", err)
		}
		if stage.Status.IsTerminal() {
			return &domain.InvalidRequestError{Reason: fmt.Sprintf("stage %q is %s", stage.Name, stage.Status)}
		}
		siblings, err := store.Units().ListUnits(ctx, repo.UnitFilter{ProjectID: projectID, Parent: stageRef})
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		out.Units[stageID] = stageRef
		for _, n := range p.nodes {
			if n.stage != nil {
				continue
			}
			u := p.unit(n, projectID, domain.Day(in.now()), out.Units)
			if n.task != nil {
				u.Ref.Type = domain.EntityAdhocTask
				u.OrderIndex = len(siblings) + 1
			}
			if err := store.Units().CreateUnit(ctx, u); err != nil {
				return fmt.Errorf("create %s %q: %w", strings.ToLower(string(u.Ref.Type)), n.path, err)
			}
			out.Units[n.path] = u.Ref
		}
		delete(out.Units, stageID)

		mgr = cascade.New(store, projectID, actorUserID, in.now, in.cascade)
		for _, e := range p.edges {
			if _, err := mgr.AddDependency(ctx, domain.Dependency{
				Dependent: out.Units[e.Dependent],
				DependsOn: out.Units[e.DependsOn],
			}); err != nil {
				return err
			}
			out.Dependencies++
		}
		taskRef := out.Units[stageID+"/"+spec.Key]
		if err := mgr.Promote(ctx, taskRef); err != nil {
			return err
		}
		if err := mgr.Finish(ctx, taskRef); err != nil {
			return err
		}
		return store.Projects().MarkScheduleDirty(ctx, projectID)
	})
	if err != nil {
		if !domain.IsRefusal(err) {
			in.logger.ErrorContext(ctx, "ad-hoc task failed", "project_id", projectID, "stage_id", stageID, "error", err)
		}
		return Applied{}, err
	}
	out.Changes = mgr.Changes()
	in.publish(ctx, mgr.Events())
	in.logger.InfoContext(ctx, "ad-hoc task added", "project_id", projectID, "stage_id", stageID, "steps", len(spec.Steps))
	return out, nil
}

func (in *Instantiator) ensureProject(ctx context.Context, store repo.Store, project domain.Project, actorUserID string) (domain.Project, error) {
	existing, err := store.Projects().GetProject(ctx, project.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, fmt.Errorf("load project: %w", err)
	}
	if err := project.Validate(); err != nil {
		return domain.Project{}, &domain.InvalidRequestError{Reason: err.Error()}
	}
	project.CreatedAt = in.now()
	project.CreatedBy = actorUserID
	if err := store.Projects().CreateProject(ctx, project); err != nil {
		return domain.Project{}, fmt.Errorf("create project: %w", err)
	}
	return project, nil
}

// unit builds the row for n. Parents are created first, so created already
// holds the parent's generated ref.
func (p plan) unit(n node, projectID string, anchor time.Time, created map[string]domain.EntityRef) domain.Unit {
	s := p.spans[n.path]
	start := domain.AddDays(anchor, s.start)
	end := domain.AddDays(anchor, s.end)
	u := domain.Unit{
		Ref:          domain.Ref(n.ref.Type, uuid.NewString()),
		ProjectID:    projectID,
		Status:       domain.StatusNotStarted,
		OrderIndex:   n.order,
		PlannedStart: &start,
		PlannedEnd:   &end,
	}
	if n.parent != "" {
		u.Parent = created[n.parent]
	}
	switch {
	case n.stage != nil:
		u.Name = n.stage.Name
	case n.task != nil:
		u.Name = n.task.Name
	case n.step != nil:
		u.Name = n.step.Name
		u.EstimatedDays = n.step.EstimatedDays
		u.RequiredSkills = append([]string(nil), n.step.RequiredSkills...)
		u.RequiresQualityCheck = n.step.RequiresQualityCheck
	}
	return u
}

func (in *Instantiator) publish(ctx context.Context, events []domain.Event) {
	if in.publisher == nil || len(events) == 0 {
		return
	}
	in.publisher.Publish(ctx, events)
}

// refusal keeps cycle errors typed and turns shape errors into request errors.
func refusal(err error) error {
	var cycle *domain.CircularDependencyError
	if errors.As(err, &cycle) {
		return err
	}
	return &domain.InvalidRequestError{Reason: err.Error()}
}
