package domain

import (
	"fmt"
	"strings"
	"time"
)

// Metadata is an unstructured metadata container carried by workflow actions.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	copy := make(Metadata, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}

// String returns the trimmed string value stored under key.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	default:
		return ""
	}
}

// Bool returns the boolean stored under key and whether it was present.
func (m Metadata) Bool(key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	switch v := m[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	}
	return false, false
}

// Time parses a date or timestamp stored under key.
func (m Metadata) Time(key string) (*time.Time, error) {
	if m == nil {
		return nil, nil
	}
	switch v := m[key].(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := v.UTC()
		return &t, nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		t := v.UTC()
		return &t, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339, time.DateOnly} {
			if t, err := time.Parse(layout, raw); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, fmt.Errorf("metadata %s: unsupported time %q", key, raw)
	default:
		return nil, fmt.Errorf("metadata %s: unsupported type %T", key, v)
	}
}

// Metadata keys understood by the engine.
const (
	MetaCompletionDate     = "completionDate"
	MetaCompletionNotes    = "completionNotes"
	MetaQualityCheckPassed = "qualityCheckPassed"
	MetaReason             = "reason"
)

// EntityType names the kind of schedulable unit an EntityRef points at.
type EntityType string

const (
	EntityStage     EntityType = "STAGE"
	EntityTask      EntityType = "TASK"
	EntityStep      EntityType = "STEP"
	EntityAdhocTask EntityType = "ADHOC_TASK"
)

// NormalizeEntityType maps free-form values to canonical entity types.
func NormalizeEntityType(value string) EntityType {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(EntityStage):
		return EntityStage
	case string(EntityTask):
		return EntityTask
	case string(EntityStep):
		return EntityStep
	case string(EntityAdhocTask), "ADHOC", "ADHOC-TASK":
		return EntityAdhocTask
	default:
		return ""
	}
}

// Level reports the hierarchy depth: stage 0, task 1, step 2.
func (t EntityType) Level() int {
	switch t {
	case EntityStage:
		return 0
	case EntityTask, EntityAdhocTask:
		return 1
	case EntityStep:
		return 2
	default:
		return -1
	}
}

// IsTaskLevel reports whether t sits between a stage and its steps.
func (t EntityType) IsTaskLevel() bool {
	return t == EntityTask || t == EntityAdhocTask
}

// EntityRef identifies a schedulable unit without binding to its persisted shape.
type EntityRef struct {
	Type EntityType `json:"entityType"`
	ID   string     `json:"entityId"`
}

func Ref(t EntityType, id string) EntityRef {
	return EntityRef{Type: t, ID: strings.TrimSpace(id)}
}

func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.ID
}

func (r EntityRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

func (r EntityRef) Validate() error {
	if r.Type == "" || NormalizeEntityType(string(r.Type)) != r.Type {
		return fmt.Errorf("entity type %q is invalid", r.Type)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("entity id is required")
	}
	return nil
}

// ParseRef parses the TYPE:id form produced by EntityRef.String.
func ParseRef(value string) (EntityRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return EntityRef{}, fmt.Errorf("entity ref %q must be TYPE:id", value)
	}
	ref := EntityRef{Type: NormalizeEntityType(kind), ID: strings.TrimSpace(id)}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, fmt.Errorf("entity ref %q: %w", value, err)
	}
	return ref, nil
}

// Day truncates t to the UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// AddDays offsets the calendar day of t by n days.
func AddDays(t time.Time, n int) time.Time {
	return Day(t).AddDate(0, 0, n)
}
