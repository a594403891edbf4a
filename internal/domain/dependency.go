package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DependencyType selects which milestone of DependsOn gates the dependent.
type DependencyType string

const (
	FinishToStart  DependencyType = "FINISH_TO_START"
	StartToStart   DependencyType = "START_TO_START"
	FinishToFinish DependencyType = "FINISH_TO_FINISH"
)

func NormalizeDependencyType(value string) DependencyType {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", string(FinishToStart), "FS":
		return FinishToStart
	case string(StartToStart), "SS":
		return StartToStart
	case string(FinishToFinish), "FF":
		return FinishToFinish
	default:
		return DependencyType(strings.ToUpper(strings.TrimSpace(value)))
	}
}

// IsSupported reports whether the engine can schedule and cascade the type.
func (t DependencyType) IsSupported() bool {
	return t == FinishToStart || t == StartToStart
}

// SatisfiedBy reports whether a predecessor in status s meets the edge condition.
func (t DependencyType) SatisfiedBy(s Status) bool {
	switch t {
	case FinishToStart:
		return s == StatusCompleted
	case StartToStart:
		return s == StatusInProgress || s == StatusBlocked || s == StatusCompleted
	default:
		return false
	}
}

// DependencyStatus tracks whether an edge currently gates its dependent.
type DependencyStatus string

const (
	DependencyPending   DependencyStatus = "PENDING"
	DependencySatisfied DependencyStatus = "SATISFIED"
	DependencyBlocked   DependencyStatus = "BLOCKED"
)

func NormalizeDependencyStatus(value string) DependencyStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(DependencyPending):
		return DependencyPending
	case string(DependencySatisfied):
		return DependencySatisfied
	case string(DependencyBlocked):
		return DependencyBlocked
	default:
		return ""
	}
}

// Dependency is a directed edge: Dependent cannot proceed until DependsOn
// reaches the milestone named by Type, plus LagDays.
type Dependency struct {
	ID             string
	ProjectID      string
	Dependent      EntityRef
	DependsOn      EntityRef
	Type           DependencyType
	LagDays        int
	Status         DependencyStatus
	SatisfiedAt    *time.Time
	Notes          string
	IsCriticalPath bool
	SlackDays      int
	CreatedAt      time.Time
	CreatedBy      string
	Version        int64
}

func (d Dependency) Validate() error {
	if strings.TrimSpace(d.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if err := d.Dependent.Validate(); err != nil {
		return fmt.Errorf("dependent: %w", err)
	}
	if err := d.DependsOn.Validate(); err != nil {
		return fmt.Errorf("depends on: %w", err)
	}
	if d.Dependent == d.DependsOn {
		return errors.New("an entity cannot depend on itself")
	}
	if d.LagDays < 0 {
		return errors.New("lag days must be >= 0")
	}
	if NormalizeDependencyStatus(string(d.Status)) == "" {
		return fmt.Errorf("dependency status %q is invalid", d.Status)
	}
	return nil
}

// IsSatisfied reports whether the edge no longer gates its dependent.
func (d Dependency) IsSatisfied() bool {
	return d.Status == DependencySatisfied
}
