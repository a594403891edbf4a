package domain

import "strings"

// Status is the lifecycle status shared by stages, tasks and steps.
// READY_TO_START is only reachable by steps, and only through cascades.
type Status string

const (
	StatusNotStarted   Status = "NOT_STARTED"
	StatusReadyToStart Status = "READY_TO_START"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusBlocked      Status = "BLOCKED"
	StatusCompleted    Status = "COMPLETED"
	StatusCancelled    Status = "CANCELLED"
)

// NormalizeStatus maps free-form status values to canonical unit statuses.
func NormalizeStatus(value string) Status {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(StatusNotStarted), "PENDING":
		return StatusNotStarted
	case string(StatusReadyToStart), "READY":
		return StatusReadyToStart
	case string(StatusInProgress):
		return StatusInProgress
	case string(StatusBlocked), "PAUSED":
		return StatusBlocked
	case string(StatusCompleted):
		return StatusCompleted
	case string(StatusCancelled), "CANCELED":
		return StatusCancelled
	default:
		return ""
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsStartable reports whether a unit in s has not started yet.
func (s Status) IsStartable() bool {
	return s == StatusNotStarted || s == StatusReadyToStart
}

// AssignmentStatus is the lifecycle of a crew/company assignment.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "PENDING"
	AssignmentAccepted  AssignmentStatus = "ACCEPTED"
	AssignmentDeclined  AssignmentStatus = "DECLINED"
	AssignmentCancelled AssignmentStatus = "CANCELLED"
)

func NormalizeAssignmentStatus(value string) AssignmentStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(AssignmentPending):
		return AssignmentPending
	case string(AssignmentAccepted):
		return AssignmentAccepted
	case string(AssignmentDeclined):
		return AssignmentDeclined
	case string(AssignmentCancelled), "CANCELED":
		return AssignmentCancelled
	default:
		return ""
	}
}

// IsActive reports whether the assignment still binds work to its assignee.
func (s AssignmentStatus) IsActive() bool {
	return s == AssignmentPending || s == AssignmentAccepted
}
