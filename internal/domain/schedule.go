package domain

import "time"

// CalculatedDates is the derived schedule of one unit. It is recomputed on
// demand and never treated as a source of truth.
type CalculatedDates struct {
	Entity                EntityRef `json:"entity"`
	Name                  string    `json:"name"`
	PlannedStart          time.Time `json:"plannedStart"`
	PlannedEnd            time.Time `json:"plannedEnd"`
	EarliestStart         int       `json:"earliestStart"`
	EarliestFinish        int       `json:"earliestFinish"`
	LatestStart           int       `json:"latestStart"`
	LatestFinish          int       `json:"latestFinish"`
	EstimatedDays         int       `json:"estimatedDays"`
	IsCriticalPath        bool      `json:"isCriticalPath"`
	SlackDays             int       `json:"slackDays"`
	DependenciesSatisfied bool      `json:"dependenciesSatisfied"`
	ProgressPercentage    int       `json:"progressPercentage"`
}

// ConflictKind classifies a scheduling conflict.
type ConflictKind string

const (
	ConflictCircularDependency ConflictKind = "CIRCULAR_DEPENDENCY"
	ConflictMissingDependency  ConflictKind = "MISSING_DEPENDENCY"
	ConflictInvalidDuration    ConflictKind = "INVALID_DURATION"
	ConflictInsufficientTime   ConflictKind = "INSUFFICIENT_TIME"
)

// Severity ranks scheduling conflicts.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SchedulingConflict is reported as data by the critical path calculator.
type SchedulingConflict struct {
	Kind     ConflictKind `json:"kind"`
	Severity Severity     `json:"severity"`
	Entities []EntityRef  `json:"entities"`
	Message  string       `json:"message"`
}

// CriticalPathResult is the output of a critical path computation.
type CriticalPathResult struct {
	ProjectID     string               `json:"projectId"`
	AnchorDate    time.Time            `json:"anchorDate"`
	TotalDays     int                  `json:"totalDays"`
	Units         []CalculatedDates    `json:"units"`
	CriticalChain []EntityRef          `json:"criticalChain"`
	Conflicts     []SchedulingConflict `json:"conflicts"`
}

// Err returns a SchedulingConflictError when conflicts were reported.
func (r CriticalPathResult) Err() error {
	if len(r.Conflicts) == 0 {
		return nil
	}
	return &SchedulingConflictError{Conflicts: r.Conflicts}
}
