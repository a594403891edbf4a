package domain

import "time"

// NotificationKind names a sweep-generated notification.
type NotificationKind string

const (
	NotificationOverdue   NotificationKind = "OVERDUE"
	NotificationDueSoon   NotificationKind = "DUE_SOON"
	NotificationMilestone NotificationKind = "MILESTONE"
)

// Notification is written by sweeps for the notification collaborator to deliver.
// DedupeKey makes repeated sweeps idempotent.
type Notification struct {
	ID         string
	ProjectID  string
	Kind       NotificationKind
	Entity     EntityRef
	EntityName string
	DedupeKey  string
	Message    string
	DueDate    *time.Time
	CreatedAt  time.Time
}
