package eventlog

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	record := Record{
		OccurredAt:  time.Unix(1700000000, 0).UTC(),
		ProjectID:   "p-1",
		Kind:        "StepCompleted",
		ActorUserID: "alice",
		EntityType:  "STEP",
		EntityID:    "s-1",
		EntityName:  "Pour foundation",
	}
	payload := []byte(`{"a":1,"b":"x"}`)

	a, err := ComputeIntegritySHA256(record, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(record, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestComputeIntegritySHA256_ChangesOnPayload(t *testing.T) {
	record := Record{
		OccurredAt: time.Unix(1700000000, 0).UTC(),
		ProjectID:  "p-1",
		Kind:       "StageStarted",
		EntityType: "STAGE",
		EntityID:   "st-1",
	}

	a, err := ComputeIntegritySHA256(record, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(record, []byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestRecordValidate(t *testing.T) {
	valid := Record{OccurredAt: time.Now(), ProjectID: "p", Kind: "StepStarted", EntityID: "s"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	missing := valid
	missing.ProjectID = " "
	if err := missing.Validate(); err == nil || !strings.Contains(err.Error(), "ProjectID") {
		t.Fatalf("expected ProjectID error, got %v", err)
	}
}

func TestInsertRequiresQueryer(t *testing.T) {
	if _, err := Insert(context.Background(), nil, Record{}); err == nil {
		t.Fatalf("expected error for nil queryer")
	}
}

func TestInsertQueryShape(t *testing.T) {
	for _, col := range []string{"workflow_events", "integrity_sha256", "RETURNING event_id"} {
		if !strings.Contains(insertQuery, col) {
			t.Fatalf("insert query missing %q", col)
		}
	}
}
