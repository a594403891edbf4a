package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// RetryPolicy bounds WithTx retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Retryable reports extra errors worth retrying (e.g. optimistic version conflicts).
	Retryable func(error) bool
}

func (c Config) RetryPolicy(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{MaxAttempts: c.TxMaxAttempts, Backoff: c.TxRetryBackoff, Retryable: retryable}
}

// WithTx runs fn in a read-committed transaction, committing on success and
// rolling back on error. Serialization failures, deadlocks and errors accepted
// by policy.Retryable restart fn from scratch.
func WithTx(ctx context.Context, db *sql.DB, policy RetryPolicy, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if db == nil {
		return errors.New("db is required")
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = runOnce(ctx, db, fn)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) && (policy.Retryable == nil || !policy.Retryable(lastErr)) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		backoff := policy.Backoff * time.Duration(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, lastErr)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a transient concurrency failure.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
