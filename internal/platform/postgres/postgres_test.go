package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestConfigFromEnvRejectsZeroAttempts(t *testing.T) {
	t.Setenv("CREWFLOW_TX_MAX_ATTEMPTS", "0")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for zero tx attempts")
	}
}

func TestConfigRejectsIdleAboveOpen(t *testing.T) {
	cfg := Config{URL: "postgres://x", PingTimeout: 1, MaxOpenConns: 1, MaxIdleConns: 2, TxMaxAttempts: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when idle > open")
	}
}

func TestIsRetryable(t *testing.T) {
	serialization := fmt.Errorf("update: %w", &pgconn.PgError{Code: "40001"})
	if !IsRetryable(serialization) {
		t.Fatalf("expected serialization failure to be retryable")
	}
	if !IsRetryable(&pgconn.PgError{Code: "40P01"}) {
		t.Fatalf("expected deadlock to be retryable")
	}
	if IsRetryable(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected unique violation not to be retryable")
	}
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected unique violation")
	}
	if IsRetryable(errors.New("boom")) {
		t.Fatalf("expected plain error not to be retryable")
	}
}

func TestWithTxRequiresDB(t *testing.T) {
	if err := WithTx(context.Background(), nil, RetryPolicy{}, nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
