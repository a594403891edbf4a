// Package template turns YAML workflow templates into stages, tasks, steps
// and edges of a project, and adds ad-hoc tasks to running projects.
package template

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/crewflow/internal/domain"
	"github.com/animus-labs/crewflow/internal/execution/dependency"
)

const SchemaV1 = "crewflow.template.v1"

// Template is addressed by key paths: "stage", "stage/task" and
// "stage/task/step". Sequential inserts FINISH_TO_START edges between
// consecutive stages; the same flag on a task chains its steps.
type Template struct {
	Schema       string      `json:"schema" yaml:"schema"`
	Name         string      `json:"name" yaml:"name"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	Sequential   bool        `json:"sequential,omitempty" yaml:"sequential,omitempty"`
	Stages       []StageSpec `json:"stages" yaml:"stages"`
	Dependencies []EdgeSpec  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

type StageSpec struct {
	Key   string     `json:"key" yaml:"key"`
	Name  string     `json:"name" yaml:"name"`
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`
}

type TaskSpec struct {
	Key        string     `json:"key" yaml:"key"`
	Name       string     `json:"name" yaml:"name"`
	Sequential bool       `json:"sequential,omitempty" yaml:"sequential,omitempty"`
	Steps      []StepSpec `json:"steps" yaml:"steps"`
}

type StepSpec struct {
	Key                  string   `json:"key" yaml:"key"`
	Name                 string   `json:"name" yaml:"name"`
	EstimatedDays        int      `json:"estimated_days" yaml:"estimated_days"`
	RequiredSkills       []string `json:"required_skills,omitempty" yaml:"required_skills,omitempty"`
	RequiresQualityCheck bool     `json:"requires_quality_check,omitempty" yaml:"requires_quality_check,omitempty"`
}

type EdgeSpec struct {
	Dependent string `json:"dependent" yaml:"dependent"`
	DependsOn string `json:"depends_on" yaml:"depends_on"`
	Type      string `json:"type,omitempty" yaml:"type,omitempty"`
	LagDays   int    `json:"lag_days,omitempty" yaml:"lag_days,omitempty"`
	Notes     string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

func Parse(input []byte) (Template, error) {
	var t Template
	if err := yaml.Unmarshal(input, &t); err != nil {
		return Template{}, fmt.Errorf("decode template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

func LoadFile(path string) (Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template: %w", err)
	}
	return Parse(raw)
}

// ParseTask decodes a single task document, as used for ad-hoc tasks.
// Validation happens when the task is added.
func ParseTask(input []byte) (TaskSpec, error) {
	var spec TaskSpec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return TaskSpec{}, fmt.Errorf("decode task: %w", err)
	}
	return spec, nil
}

func LoadTaskFile(path string) (TaskSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return TaskSpec{}, fmt.Errorf("read task: %w", err)
	}
	return ParseTask(raw)
}

// node is one unit of the template, keyed by its path.
type node struct {
	path   string
	parent string
	ref    domain.EntityRef
	order  int
	stage  *StageSpec
	task   *TaskSpec
	step   *StepSpec
}

// plan is the validated shape of a template: units parents first, and every
// edge including the implicit sequential ones.
type plan struct {
	nodes []node
	index map[string]int
	edges []EdgeSpec
	spans map[string]span
}

// Validate checks the template shape and its edges, including cycles, before
// anything is written.
func (t Template) Validate() error {
	_, err := t.plan()
	return err
}

func (t Template) plan() (plan, error) {
	if strings.TrimSpace(t.Schema) != SchemaV1 {
		return plan{}, fmt.Errorf("template.schema must be %q", SchemaV1)
	}
	if strings.TrimSpace(t.Name) == "" {
		return plan{}, fmt.Errorf("template.name is required")
	}
	if len(t.Stages) == 0 {
		return plan{}, fmt.Errorf("template.stages must be non-empty")
	}
	p := plan{index: map[string]int{}}
	add := func(n node) error {
		if _, dup := p.index[n.path]; dup {
			return fmt.Errorf("duplicate key %q", n.path)
		}
		p.index[n.path] = len(p.nodes)
		p.nodes = append(p.nodes, n)
		return nil
	}

	var prevStage string
	for i := range t.Stages {
		s := &t.Stages[i]
		field := fmt.Sprintf("template.stages[%d]", i)
		if err := checkKey(field, s.Key, s.Name); err != nil {
			return plan{}, err
		}
		if len(s.Tasks) == 0 {
			return plan{}, fmt.Errorf("%s.tasks must be non-empty", field)
		}
		stagePath := s.Key
		if err := add(node{path: stagePath, ref: domain.Ref(domain.EntityStage, stagePath), order: i + 1, stage: s}); err != nil {
			return plan{}, fmt.Errorf("%s: %w", field, err)
		}
		if t.Sequential && prevStage != "" {
			p.edges = append(p.edges, EdgeSpec{Dependent: stagePath, DependsOn: prevStage})
		}
		prevStage = stagePath

		for j := range s.Tasks {
			task := &s.Tasks[j]
			field := fmt.Sprintf("%s.tasks[%d]", field, j)
			if err := checkKey(field, task.Key, task.Name); err != nil {
				return plan{}, err
			}
			if len(task.Steps) == 0 {
				return plan{}, fmt.Errorf("%s.steps must be non-empty", field)
			}
			taskPath := stagePath + "/" + task.Key
			if err := add(node{path: taskPath, parent: stagePath, ref: domain.Ref(domain.EntityTask, taskPath), order: j + 1, task: task}); err != nil {
				return plan{}, fmt.Errorf("%s: %w", field, err)
			}
			steps, err := stepNodes(field, taskPath, task)
			if err != nil {
				return plan{}, err
			}
			for _, n := range steps {
				if err := add(n); err != nil {
					return plan{}, fmt.Errorf("%s: %w", field, err)
				}
			}
			p.edges = append(p.edges, chain(task, taskPath)...)
		}
	}

	for i, e := range t.Dependencies {
		field := fmt.Sprintf("template.dependencies[%d]", i)
		typ := domain.NormalizeDependencyType(e.Type)
		if !typ.IsSupported() {
			return plan{}, fmt.Errorf("%s.type %q is not supported", field, e.Type)
		}
		if e.LagDays < 0 {
			return plan{}, fmt.Errorf("%s.lag_days must be >= 0", field)
		}
		for _, path := range []string{e.Dependent, e.DependsOn} {
			if _, ok := p.index[path]; !ok {
				return plan{}, fmt.Errorf("%s references unknown key %q", field, path)
			}
		}
		if related(e.Dependent, e.DependsOn) {
			return plan{}, fmt.Errorf("%s: %q and %q are in the same branch", field, e.Dependent, e.DependsOn)
		}
		e.Type = string(typ)
		p.edges = append(p.edges, e)
	}

	seen := map[[2]string]bool{}
	g := dependency.NewGraph(nil)
	for _, e := range p.edges {
		k := [2]string{e.Dependent, e.DependsOn}
		if seen[k] {
			return plan{}, fmt.Errorf("duplicate dependency %s -> %s", e.Dependent, e.DependsOn)
		}
		seen[k] = true
		g.Add(p.ref(e.Dependent), p.ref(e.DependsOn))
	}
	if cycle := g.DetectCycle(); cycle != nil {
		return plan{}, &domain.CircularDependencyError{Cycle: cycle}
	}
	spans, err := p.schedule()
	if err != nil {
		return plan{}, err
	}
	p.spans = spans
	return p, nil
}

func (p plan) ref(path string) domain.EntityRef {
	return p.nodes[p.index[path]].ref
}

func stepNodes(field, taskPath string, task *TaskSpec) ([]node, error) {
	out := make([]node, 0, len(task.Steps))
	for k := range task.Steps {
		st := &task.Steps[k]
		field := fmt.Sprintf("%s.steps[%d]", field, k)
		if err := checkKey(field, st.Key, st.Name); err != nil {
			return nil, err
		}
		if st.EstimatedDays <= 0 {
			return nil, fmt.Errorf("%s.estimated_days must be positive", field)
		}
		path := taskPath + "/" + st.Key
		out = append(out, node{path: path, parent: taskPath, ref: domain.Ref(domain.EntityStep, path), order: k + 1, step: st})
	}
	return out, nil
}

// chain links the steps of a sequential task in order.
func chain(task *TaskSpec, taskPath string) []EdgeSpec {
	if !task.Sequential {
		return nil
	}
	var out []EdgeSpec
	for k := 1; k < len(task.Steps); k++ {
		out = append(out, EdgeSpec{
			Dependent: taskPath + "/" + task.Steps[k].Key,
			DependsOn: taskPath + "/" + task.Steps[k-1].Key,
		})
	}
	return out
}

func checkKey(field, key, name string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%s.key is required", field)
	case strings.Contains(key, "/"):
		return fmt.Errorf("%s.key %q must not contain '/'", field, key)
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%s.name is required", field)
	}
	return nil
}

// related reports whether one path is an ancestor of the other.
func related(a, b string) bool {
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
