package db

import (
	"context"
	"fmt"
	"time"
)

// AttemptLeaderElection tries to acquire or renew run leadership for the
// worker and reports whether the worker is the leader afterwards.
//
// The whole election is one guarded UPDATE: it succeeds when the seat is
// empty, the incumbent's lease has expired, or the caller is the incumbent
// renewing. All three comparisons happen against the database clock inside
// the statement, so concurrent candidates resolve on row-level locking and
// exactly one of them wins.
func (s *Store) AttemptLeaderElection(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE runs SET
			leader_worker_id = $2,
			leader_elected_at = CASE WHEN leader_worker_id IS NOT DISTINCT FROM $2
				THEN leader_elected_at ELSE NOW() END,
			leader_heartbeat = NOW(),
			leader_lease_expires = NOW() + make_interval(secs => $3)
		WHERE run_id = $1
		  AND (leader_worker_id IS NULL
			OR leader_worker_id = $2
			OR leader_lease_expires IS NULL
			OR leader_lease_expires < NOW())`,
		runID, workerID, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to attempt leader election for run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLeadership vacates the leader seat if the worker holds it, letting
// the next candidate win immediately instead of waiting out the lease.
func (s *Store) ReleaseLeadership(ctx context.Context, runID, workerID string) error {
	if err := s.db.Exec(ctx, `
		UPDATE runs SET leader_worker_id = NULL, leader_elected_at = NULL,
			leader_heartbeat = NULL, leader_lease_expires = NULL
		WHERE run_id = $1 AND leader_worker_id = $2`,
		runID, workerID); err != nil {
		return fmt.Errorf("failed to release leadership of run %s: %w", runID, err)
	}
	return nil
}
