// Coordination store: every run, queue item and worker record lives in
// Postgres, and every multi-worker decision funnels through the guarded
// statements in this package. Workers never coordinate with each other
// directly.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hive.evalgo.org/fingerprint"
)

// Store implements the coordination operations on top of PostgresDB.
type Store struct {
	db *PostgresDB
}

// NewStore creates a coordination store backed by the given database.
func NewStore(database *PostgresDB) *Store {
	return &Store{db: database}
}

// DB returns the underlying database wrapper.
func (s *Store) DB() *PostgresDB {
	return s.db
}

const runColumns = `run_id, config_hash, config_snapshot, status, COALESCE(status_reason, ''),
	created_at, first_worker_at, last_activity_at, processing_completed_at,
	post_processing_started_at, post_processing_completed_at, completed_at,
	worker_count, documents_queued, documents_processed, documents_failed, documents_retried,
	COALESCE(leader_worker_id, ''), leader_elected_at, leader_heartbeat, leader_lease_expires,
	COALESCE(post_processor_worker_id, ''), post_processing_lock_acquired_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.RunID, &r.ConfigHash, &r.ConfigSnapshot, &r.Status, &r.StatusReason,
		&r.CreatedAt, &r.FirstWorkerAt, &r.LastActivityAt, &r.ProcessingCompletedAt,
		&r.PostProcessingStartedAt, &r.PostProcessingCompletedAt, &r.CompletedAt,
		&r.WorkerCount, &r.DocumentsQueued, &r.DocumentsProcessed, &r.DocumentsFailed, &r.DocumentsRetried,
		&r.LeaderWorkerID, &r.LeaderElectedAt, &r.LeaderHeartbeat, &r.LeaderLeaseExpires,
		&r.PostProcessorWorkerID, &r.PostProcessingLockAcquiredAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateOrAttachRun inserts the run for the given fingerprint, or returns
// the existing one. The boolean reports whether this call created the row.
// Any number of workers may race this call with the same fingerprint; the
// insert is deduplicated on the primary key, so exactly one of them creates
// and the rest attach.
func (s *Store) CreateOrAttachRun(ctx context.Context, fp fingerprint.Fingerprint, snapshot []byte) (*Run, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO runs (run_id, config_hash, config_snapshot) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO NOTHING`,
		fp.RunID, fp.ConfigHash, snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert run: %w", err)
	}
	created := tag.RowsAffected() == 1

	run, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, fp.RunID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load run %s: %w", fp.RunID, err)
	}
	if run.ConfigHash != fp.ConfigHash {
		return nil, false, fmt.Errorf("run id %s collides with a different config hash", fp.RunID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, created, nil
}

// GetRun loads a run by its identifier.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest-first. When includeTerminal is false, only
// runs that can still make progress are returned.
func (s *Store) ListRuns(ctx context.Context, includeTerminal bool) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	if !includeTerminal {
		query += ` WHERE status NOT IN ('completed', 'failed', 'abandoned')`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TouchActivity bumps the run's activity timestamp to the database clock.
func (s *Store) TouchActivity(ctx context.Context, runID string) error {
	if err := s.db.Exec(ctx, `UPDATE runs SET last_activity_at = NOW() WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to touch run %s: %w", runID, err)
	}
	return nil
}

// MarkProcessingComplete moves an active run to processing_complete, but
// only if the queue really is drained and the run has been quiet for at
// least the given duration. Both conditions are re-checked inside the
// statement, so a document enqueued after the leader's last observation
// blocks the transition no matter what the leader believes.
func (s *Store) MarkProcessingComplete(ctx context.Context, runID string, quiet time.Duration) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE runs SET status = 'processing_complete', processing_completed_at = NOW(), last_activity_at = NOW()
		WHERE run_id = $1 AND status = 'active'
		  AND last_activity_at <= NOW() - make_interval(secs => $2)
		  AND NOT EXISTS (
			SELECT 1 FROM queue_items
			WHERE run_id = $1 AND status IN ('pending', 'processing', 'retry'))`,
		runID, quiet.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to mark run %s processing complete: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// BeginPostProcessing claims the post-processing phase for the given worker.
// The compare-and-swap on status guarantees a single claimant even if two
// leaders briefly overlap.
func (s *Store) BeginPostProcessing(ctx context.Context, runID, workerID string) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE runs SET status = 'post_processing', post_processing_started_at = NOW(),
			post_processor_worker_id = $2, post_processing_lock_acquired_at = NOW(),
			last_activity_at = NOW()
		WHERE run_id = $1 AND status = 'processing_complete'`,
		runID, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to begin post-processing for run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// TakeOverPostProcessing reassigns an in-flight post-processing phase to a
// new worker. Used by a newly elected leader that finds the run stuck in
// post_processing after the previous post-processor died; post-processing is
// idempotent, so re-running it is safe.
func (s *Store) TakeOverPostProcessing(ctx context.Context, runID, workerID string) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE runs SET post_processor_worker_id = $2, post_processing_lock_acquired_at = NOW(),
			last_activity_at = NOW()
		WHERE run_id = $1 AND status = 'post_processing'`,
		runID, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to take over post-processing for run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteRun moves a post_processing run to completed.
func (s *Store) CompleteRun(ctx context.Context, runID string) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE runs SET status = 'completed', post_processing_completed_at = NOW(),
			completed_at = NOW(), last_activity_at = NOW()
		WHERE run_id = $1 AND status = 'post_processing'`,
		runID)
	if err != nil {
		return false, fmt.Errorf("failed to complete run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailRun moves any non-terminal run to failed with the given reason. Used
// for post-processing failures and operator cancellation.
func (s *Store) FailRun(ctx context.Context, runID, reason string) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE runs SET status = 'failed', status_reason = $2, completed_at = NOW(), last_activity_at = NOW()
		WHERE run_id = $1 AND status NOT IN ('completed', 'failed', 'abandoned')`,
		runID, reason)
	if err != nil {
		return false, fmt.Errorf("failed to fail run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AbandonRun moves an active-side run to abandoned. Only runs that are
// waiting for workers can be abandoned; a run in post_processing has a live
// post-processor by definition and is handled by lease takeover instead.
func (s *Store) AbandonRun(ctx context.Context, runID, reason string) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE runs SET status = 'abandoned', status_reason = $2, last_activity_at = NOW()
		WHERE run_id = $1 AND status IN ('active', 'processing_complete')`,
		runID, reason)
	if err != nil {
		return false, fmt.Errorf("failed to abandon run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}
