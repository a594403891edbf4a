// Package eventlog writes the append-only workflow_events outbox. Each row
// carries a sha256 over its canonical JSON so tampering is detectable.
package eventlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Record struct {
	OccurredAt  time.Time
	ProjectID   string
	Kind        string
	ActorUserID string
	EntityType  string
	EntityID    string
	EntityName  string
	Payload     any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertQuery = `INSERT INTO workflow_events (
		occurred_at,
		project_id,
		kind,
		actor_user_id,
		entity_type,
		entity_id,
		entity_name,
		payload,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	RETURNING event_id`

func (r Record) Validate() error {
	if r.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("ProjectID is required")
	}
	if strings.TrimSpace(r.Kind) == "" {
		return errors.New("Kind is required")
	}
	if strings.TrimSpace(r.EntityID) == "" {
		return errors.New("EntityID is required")
	}
	return nil
}

func Insert(ctx context.Context, q QueryRower, record Record) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	if err := record.Validate(); err != nil {
		return 0, err
	}

	payload := record.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	integrity, err := ComputeIntegritySHA256(record, payloadJSON)
	if err != nil {
		return 0, err
	}

	var actor sql.NullString
	if strings.TrimSpace(record.ActorUserID) != "" {
		actor = sql.NullString{String: strings.TrimSpace(record.ActorUserID), Valid: true}
	}

	var id int64
	err = q.QueryRowContext(ctx, insertQuery,
		record.OccurredAt.UTC(),
		strings.TrimSpace(record.ProjectID),
		strings.TrimSpace(record.Kind),
		actor,
		strings.TrimSpace(record.EntityType),
		strings.TrimSpace(record.EntityID),
		strings.TrimSpace(record.EntityName),
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert workflow event: %w", err)
	}
	return id, nil
}

func ComputeIntegritySHA256(record Record, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt  time.Time       `json:"occurred_at"`
		ProjectID   string          `json:"project_id"`
		Kind        string          `json:"kind"`
		ActorUserID string          `json:"actor_user_id,omitempty"`
		EntityType  string          `json:"entity_type"`
		EntityID    string          `json:"entity_id"`
		EntityName  string          `json:"entity_name,omitempty"`
		Payload     json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt:  record.OccurredAt.UTC(),
		ProjectID:   strings.TrimSpace(record.ProjectID),
		Kind:        strings.TrimSpace(record.Kind),
		ActorUserID: strings.TrimSpace(record.ActorUserID),
		EntityType:  strings.TrimSpace(record.EntityType),
		EntityID:    strings.TrimSpace(record.EntityID),
		EntityName:  strings.TrimSpace(record.EntityName),
		Payload:     payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
