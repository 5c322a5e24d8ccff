package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const workerColumns = `run_id, worker_id, status, joined_at, last_heartbeat, left_at,
	documents_claimed, documents_processed, documents_failed, processing_time_seconds,
	COALESCE(hostname, ''), COALESCE(process_id, 0), COALESCE(version, ''), capabilities`

func scanWorker(row pgx.Row) (*RunWorker, error) {
	var w RunWorker
	err := row.Scan(
		&w.RunID, &w.WorkerID, &w.Status, &w.JoinedAt, &w.LastHeartbeat, &w.LeftAt,
		&w.DocumentsClaimed, &w.DocumentsProcessed, &w.DocumentsFailed, &w.ProcessingTimeSeconds,
		&w.Hostname, &w.ProcessID, &w.Version, &w.Capabilities,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// RegisterWorker records the worker's membership in a run. The first join
// bumps the run's worker_count and stamps first_worker_at; a re-join (same
// worker restarting against the same run) revives the existing row without
// touching the count, keeping the per-worker counters it accumulated.
// Returns whether this was a first join.
func (s *Store) RegisterWorker(ctx context.Context, runID string, desc WorkerDescriptor) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	exists := true
	var one int
	err = tx.QueryRow(ctx, `
		SELECT 1 FROM run_workers WHERE run_id = $1 AND worker_id = $2 FOR UPDATE`,
		runID, desc.WorkerID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("failed to check worker registration: %w", err)
	}

	if exists {
		_, err = tx.Exec(ctx, `
			UPDATE run_workers SET status = 'active', last_heartbeat = NOW(), left_at = NULL,
				hostname = $3, process_id = $4, version = $5, capabilities = $6
			WHERE run_id = $1 AND worker_id = $2`,
			runID, desc.WorkerID, desc.Hostname, desc.ProcessID, desc.Version, capabilitiesParam(desc.Capabilities))
		if err != nil {
			return false, fmt.Errorf("failed to revive worker %s: %w", desc.WorkerID, err)
		}
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO run_workers (run_id, worker_id, status, hostname, process_id, version, capabilities)
			VALUES ($1, $2, 'active', $3, $4, $5, $6)`,
			runID, desc.WorkerID, desc.Hostname, desc.ProcessID, desc.Version, capabilitiesParam(desc.Capabilities))
		if err != nil {
			return false, fmt.Errorf("failed to register worker %s: %w", desc.WorkerID, err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE runs SET worker_count = worker_count + 1,
				first_worker_at = COALESCE(first_worker_at, NOW())
			WHERE run_id = $1`, runID)
		if err != nil {
			return false, fmt.Errorf("failed to update run worker count for %s: %w", runID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return !exists, nil
}

// HeartbeatWorker stamps the worker's liveness and reported status.
// Heartbeats deliberately do not count as run activity: a fleet of idle
// workers must not keep a drained run from completing.
func (s *Store) HeartbeatWorker(ctx context.Context, runID, workerID, status string) error {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE run_workers SET last_heartbeat = NOW(), status = $3
		WHERE run_id = $1 AND worker_id = $2 AND left_at IS NULL`,
		runID, workerID, status)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker %s: %w", workerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s in run %s: %w", workerID, runID, ErrWorkerNotFound)
	}
	return nil
}

// MarkDeadWorkers fails every live registration whose last heartbeat is
// older than workerTimeout on the database clock. left_at is backdated to
// the last heartbeat: that is the last instant the worker was known alive.
func (s *Store) MarkDeadWorkers(ctx context.Context, runID string, workerTimeout time.Duration) (int64, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE run_workers SET status = 'failed', left_at = last_heartbeat
		WHERE run_id = $1 AND left_at IS NULL AND status NOT IN ('stopped', 'failed')
		  AND last_heartbeat < NOW() - make_interval(secs => $2)`,
		runID, workerTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to mark dead workers for run %s: %w", runID, err)
	}
	return tag.RowsAffected(), nil
}

// MarkWorkerStopped records a graceful departure.
func (s *Store) MarkWorkerStopped(ctx context.Context, runID, workerID string) error {
	if err := s.db.Exec(ctx, `
		UPDATE run_workers SET status = 'stopped', left_at = NOW()
		WHERE run_id = $1 AND worker_id = $2`,
		runID, workerID); err != nil {
		return fmt.Errorf("failed to mark worker %s stopped: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns the run's worker registrations, longest-joined first.
func (s *Store) ListWorkers(ctx context.Context, runID string) ([]*RunWorker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workerColumns+` FROM run_workers
		WHERE run_id = $1 ORDER BY joined_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers for run %s: %w", runID, err)
	}
	defer rows.Close()

	var workers []*RunWorker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// LatestWorkerHeartbeat returns the most recent heartbeat among the run's
// live workers excluding the given one, or nil if there are no other live
// workers. The abandonment check uses this to judge whether anyone else is
// still around without counting its own heartbeats as signs of life;
// registrations that already left (gracefully or declared dead) do not
// count, no matter how recent their last pulse.
func (s *Store) LatestWorkerHeartbeat(ctx context.Context, runID, excludeWorkerID string) (*time.Time, error) {
	var latest *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT MAX(last_heartbeat) FROM run_workers
		WHERE run_id = $1 AND worker_id <> $2 AND left_at IS NULL`,
		runID, excludeWorkerID).Scan(&latest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read worker heartbeats for run %s: %w", runID, err)
	}
	return latest, nil
}
