// Package txsafety maintains the independent audit log of client-visible
// write attempts. It is deliberately decoupled from the WAL: a transaction
// record exists for every write the client observed, regardless of whether
// that write ever needed replay.
package txsafety

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Status is the lifecycle state of a TransactionRecord.
type Status string

const (
	StatusAttempting Status = "ATTEMPTING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAbandoned  Status = "ABANDONED"
	StatusRecovered  Status = "RECOVERED"
)

// DefaultMaxRetries mirrors the WAL default and is the max_retries of every
// transaction record; WAL_RETRY_MAX applies to WAL entries only.
const DefaultMaxRetries = 3

// ErrNotFound is returned when a transaction_id has no matching row.
var ErrNotFound = errors.New("txsafety: not found")

// Record is one client-visible write attempt.
type Record struct {
	TransactionID uuid.UUID      `db:"transaction_id"`
	Method        string         `db:"method"`
	Path          string         `db:"path"`
	Status        Status         `db:"status"`
	OperationType string         `db:"operation_type"`
	ClientSession string         `db:"client_session"`
	AttemptedAt   time.Time      `db:"attempted_at"`
	CompletedAt   sql.NullTime   `db:"completed_at"`
	FailureReason string         `db:"failure_reason"`
	RetryCount    int            `db:"retry_count"`
	MaxRetries    int            `db:"max_retries"`
}

// Store is the sqlx-backed emergency_transaction_log table accessor.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps a database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Begin creates a new ATTEMPTING record before the write is forwarded.
func (s *Store) Begin(ctx context.Context, method, path, operationType, clientSession string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_transaction_log
			(transaction_id, method, path, status, operation_type, client_session, max_retries)
		VALUES ($1, $2, $3, 'ATTEMPTING', $4, $5, $6)`,
		id, method, path, operationType, clientSession, DefaultMaxRetries)
	if err != nil {
		return uuid.Nil, fmt.Errorf("txsafety: begin: %w", err)
	}
	return id, nil
}

// Complete transitions a record to COMPLETED.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE emergency_transaction_log SET status = 'COMPLETED', completed_at = now()
		WHERE transaction_id = $1`, id)
	if err != nil {
		return fmt.Errorf("txsafety: complete: %w", err)
	}
	return nil
}

// Fail transitions a record to FAILED with the given reason.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE emergency_transaction_log
		SET status = 'FAILED', completed_at = now(), failure_reason = $2
		WHERE transaction_id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("txsafety: fail: %w", err)
	}
	return nil
}

// Get returns a single transaction record.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	var r Record
	err := s.db.GetContext(ctx, &r, `
		SELECT transaction_id, method, path, status, operation_type, client_session,
		       attempted_at, completed_at, failure_reason, retry_count, max_retries
		FROM emergency_transaction_log WHERE transaction_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("txsafety: get: %w", err)
	}
	return r, nil
}

// TriggerRecovery advances transactions stuck in ATTEMPTING beyond staleAge
// to ABANDONED (if their retry budget is exhausted) or RECOVERED (otherwise,
// bumping retry_count), and returns how many rows moved to each state. No
// backend is consulted, and no other component reads RECOVERED rows.
func (s *Store) TriggerRecovery(ctx context.Context, staleAge time.Duration) (abandoned, recovered int64, err error) {
	cutoff := time.Now().Add(-staleAge)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("txsafety: recovery: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE emergency_transaction_log
		SET status = 'ABANDONED', completed_at = now(), failure_reason = 'recovery: retries exhausted'
		WHERE status = 'ATTEMPTING' AND attempted_at < $1 AND retry_count >= max_retries`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("txsafety: recovery: abandon: %w", err)
	}
	abandoned, err = res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("txsafety: recovery: abandon rows: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE emergency_transaction_log
		SET status = 'RECOVERED', retry_count = retry_count + 1
		WHERE status = 'ATTEMPTING' AND attempted_at < $1 AND retry_count < max_retries`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("txsafety: recovery: recover: %w", err)
	}
	recovered, err = res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("txsafety: recovery: recover rows: %w", err)
	}

	return abandoned, recovered, tx.Commit()
}

// Cleanup purges terminal records older than olderThan.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM emergency_transaction_log
		WHERE status IN ('COMPLETED', 'FAILED', 'ABANDONED') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("txsafety: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("txsafety: cleanup rows: %w", err)
	}
	return n, nil
}

// SummaryRow is one group from the transaction_safety_summary view.
type SummaryRow struct {
	Status             string          `db:"status"`
	OperationType      string          `db:"operation_type"`
	Total              int64           `db:"total"`
	Retried            int64           `db:"retried"`
	AvgDurationSeconds sql.NullFloat64 `db:"avg_duration_seconds"`
	LastAttemptedAt    sql.NullTime    `db:"last_attempted_at"`
}

// Summary reads the transaction_safety_summary view for the admin status endpoint.
func (s *Store) Summary(ctx context.Context) ([]SummaryRow, error) {
	var rows []SummaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, operation_type, total, retried, avg_duration_seconds, last_attempted_at
		FROM transaction_safety_summary`)
	if err != nil {
		return nil, fmt.Errorf("txsafety: summary: %w", err)
	}
	return rows, nil
}
