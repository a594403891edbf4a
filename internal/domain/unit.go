package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Project is the isolation boundary for a dependency graph.
type Project struct {
	ID            string
	Name          string
	StartDate     time.Time
	ScheduleDirty bool
	CreatedAt     time.Time
	CreatedBy     string
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("project name is required")
	}
	return nil
}

// Unit is a schedulable stage, task, ad-hoc task or step. Fields that only
// apply to steps (RequiredSkills, quality check) are ignored for other kinds.
type Unit struct {
	Ref                  EntityRef
	ProjectID            string
	Parent               EntityRef
	Name                 string
	Status               Status
	OrderIndex           int
	EstimatedDays        int
	PlannedStart         *time.Time
	PlannedEnd           *time.Time
	ActualStart          *time.Time
	ActualEnd            *time.Time
	RequiredSkills       []string
	RequiresQualityCheck bool
	QualityCheckPassed   *bool
	CompletionNotes      string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Version              int64
}

func (u Unit) Validate() error {
	if err := u.Ref.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(u.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("name is required")
	}
	if NormalizeStatus(string(u.Status)) == "" {
		return fmt.Errorf("status %q is invalid", u.Status)
	}
	if u.Status == StatusReadyToStart && u.Ref.Type != EntityStep {
		return fmt.Errorf("%s cannot be %s", u.Ref.Type, StatusReadyToStart)
	}
	switch u.Ref.Type {
	case EntityStage:
		if !u.Parent.IsZero() {
			return errors.New("stage cannot have a parent")
		}
	case EntityTask, EntityAdhocTask:
		if u.Parent.Type != EntityStage || u.Parent.ID == "" {
			return errors.New("task parent must be a stage")
		}
	case EntityStep:
		if !u.Parent.Type.IsTaskLevel() || u.Parent.ID == "" {
			return errors.New("step parent must be a task")
		}
	}
	if u.EstimatedDays < 0 {
		return errors.New("estimated days must be >= 0")
	}
	return nil
}

// Clone returns a deep copy safe to mutate.
func (u Unit) Clone() Unit {
	out := u
	out.PlannedStart = cloneTime(u.PlannedStart)
	out.PlannedEnd = cloneTime(u.PlannedEnd)
	out.ActualStart = cloneTime(u.ActualStart)
	out.ActualEnd = cloneTime(u.ActualEnd)
	if u.QualityCheckPassed != nil {
		v := *u.QualityCheckPassed
		out.QualityCheckPassed = &v
	}
	if u.RequiredSkills != nil {
		out.RequiredSkills = append([]string(nil), u.RequiredSkills...)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Assignment binds a step to exactly one crew member or contracting company.
type Assignment struct {
	ID           string
	ProjectID    string
	StepID       string
	CrewMemberID string
	CompanyID    string
	Status       AssignmentStatus
	AssignedDate time.Time
	AcceptedDate *time.Time
	DeclinedDate *time.Time
	Notes        string
	Version      int64
}

func (a Assignment) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("assignment id is required")
	}
	if strings.TrimSpace(a.StepID) == "" {
		return errors.New("step id is required")
	}
	crew := strings.TrimSpace(a.CrewMemberID) != ""
	company := strings.TrimSpace(a.CompanyID) != ""
	if crew == company {
		return errors.New("assignment must target exactly one of crew member or company")
	}
	if NormalizeAssignmentStatus(string(a.Status)) == "" {
		return fmt.Errorf("assignment status %q is invalid", a.Status)
	}
	return nil
}

// Assignee returns the bound crew member or company id.
func (a Assignment) Assignee() string {
	if a.CrewMemberID != "" {
		return a.CrewMemberID
	}
	return a.CompanyID
}
