// Package wal persists the write-ahead log of operations that must be
// replayed against an instance that was unreachable at request time, and
// runs the background replayer that drains it.
package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ddevcap/vectorlb/internal/instance"
)

// Status is the lifecycle state of a WALEntry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
	StatusSynced    Status = "synced"
)

// DefaultMaxRetries is applied to entries created without an explicit override.
const DefaultMaxRetries = 3

// ErrNotFound names a write_id with no matching row. No Store method returns
// it: MarkSynced and MarkFailed do not check whether any row was updated.
var ErrNotFound = errors.New("wal: not found")

// Entry is a single queued write operation.
type Entry struct {
	WriteID               int64             `db:"write_id"`
	Method                string            `db:"method"`
	Path                  string            `db:"path"`
	Payload               []byte            `db:"payload"`
	Headers               HeaderMap         `db:"headers"`
	TargetInstance        instance.Name     `db:"target_instance"`
	CollectionIdentifier  string            `db:"collection_identifier"`
	Status                Status            `db:"status"`
	RetryCount            int               `db:"retry_count"`
	MaxRetries            int               `db:"max_retries"`
	ErrorMessage          string            `db:"error_message"`
	CreatedAt             time.Time         `db:"created_at"`
	UpdatedAt             time.Time         `db:"updated_at"`
	Timestamp             time.Time         `db:"timestamp"`
}

// Store is the sqlx-backed unified_wal_writes table accessor.
type Store struct {
	db         *sqlx.DB
	maxRetries int
}

// NewStore wraps a database handle. maxRetries is WAL_RETRY_MAX from
// configuration, applied to every entry Append creates; a non-positive
// value falls back to DefaultMaxRetries.
func NewStore(db *sqlx.DB, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{db: db, maxRetries: maxRetries}
}

// Append records a new pending entry and returns its write_id. The caller
// must refuse the originating write if this returns an error, per the
// durability contract: a WAL append failure means the database is down.
func (s *Store) Append(ctx context.Context, method, path string, payload []byte, headers HeaderMap, target instance.Name, collectionIdentifier string) (int64, error) {
	maxRetries := s.maxRetries
	var writeID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO unified_wal_writes
			(method, path, payload, headers, target_instance, collection_identifier, status, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7)
		RETURNING write_id`,
		method, path, payload, headers, string(target), collectionIdentifier, maxRetries).Scan(&writeID)
	if err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	return writeID, nil
}

// ClaimPending transactionally selects up to limit pending/executed entries
// for target whose retry budget isn't exhausted, marks them executed, and
// returns them in write_id order. Uses SELECT ... FOR UPDATE SKIP LOCKED so
// two replayer processes never claim the same row.
func (s *Store) ClaimPending(ctx context.Context, target instance.Name, limit int) ([]Entry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("wal: claim: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var entries []Entry
	err = tx.SelectContext(ctx, &entries, `
		SELECT write_id, method, path, payload, headers, target_instance, collection_identifier,
		       status, retry_count, max_retries, error_message, created_at, updated_at, timestamp
		FROM unified_wal_writes
		WHERE target_instance = $1
		  AND status IN ('pending', 'executed')
		  AND retry_count < max_retries
		ORDER BY write_id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, string(target), limit)
	if err != nil {
		return nil, fmt.Errorf("wal: claim: select: %w", err)
	}
	if len(entries) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.WriteID
	}
	query, args, err := sqlx.In(`UPDATE unified_wal_writes SET status = 'executed', updated_at = now() WHERE write_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("wal: claim: build update: %w", err)
	}
	query = tx.Rebind(query)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("wal: claim: mark executed: %w", err)
	}

	for i := range entries {
		entries[i].Status = StatusExecuted
	}
	return entries, tx.Commit()
}

// MarkSynced transitions an entry to its terminal success state.
func (s *Store) MarkSynced(ctx context.Context, writeID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE unified_wal_writes SET status = 'synced', error_message = '', updated_at = now()
		WHERE write_id = $1`, writeID)
	if err != nil {
		return fmt.Errorf("wal: mark synced: %w", err)
	}
	return nil
}

// MarkFailed increments retry_count and either requeues the entry as pending
// or abandons it once max_retries is exhausted.
func (s *Store) MarkFailed(ctx context.Context, writeID int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE unified_wal_writes
		SET retry_count = retry_count + 1,
		    error_message = $2,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'abandoned' ELSE 'pending' END,
		    updated_at = now()
		WHERE write_id = $1`, writeID, msg)
	if err != nil {
		return fmt.Errorf("wal: mark failed: %w", err)
	}
	return nil
}

// Purge deletes terminal entries (synced or abandoned) older than olderThan.
// Returns the number of rows removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM unified_wal_writes
		WHERE status IN ('synced', 'abandoned') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("wal: purge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("wal: purge: rows affected: %w", err)
	}
	return n, nil
}

// CountsByStatus returns the number of entries in each status, for /wal/status.
func (s *Store) CountsByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT status, count(*) FROM unified_wal_writes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("wal: counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("wal: counts: scan: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// PendingCount returns the number of entries still awaiting replay, summed
// across pending and executed (claimed-but-not-yet-settled) status.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM unified_wal_writes WHERE status IN ('pending', 'executed')`)
	if err != nil {
		return 0, fmt.Errorf("wal: pending count: %w", err)
	}
	return n, nil
}
