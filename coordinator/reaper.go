package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Reaper returns lost work to the pool and retires workers that stopped
// heartbeating. The leader runs it on every tick; other workers run it
// opportunistically so a run without a leader still heals.
type Reaper struct {
	store         Store
	claimTimeout  time.Duration
	workerTimeout time.Duration
	logger        *logrus.Entry
}

// NewReaper creates a reaper. claimTimeout bounds how long a claim may go
// unfinished, workerTimeout how long a worker may go silent.
func NewReaper(store Store, claimTimeout, workerTimeout time.Duration, logger *logrus.Entry) *Reaper {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reaper{
		store:         store,
		claimTimeout:  claimTimeout,
		workerTimeout: workerTimeout,
		logger:        logger.WithField("component", "reaper"),
	}
}

// Reap performs one maintenance pass over the run: stale claims go back to
// pending (or to failed when their retry budget is spent) and silent workers
// are marked failed.
func (r *Reaper) Reap(ctx context.Context, runID string) error {
	reclaimed, exhausted, err := r.store.ReclaimStale(ctx, runID, r.claimTimeout)
	if err != nil {
		return fmt.Errorf("failed to reclaim stale claims: %w", err)
	}
	if reclaimed > 0 || exhausted > 0 {
		r.logger.WithFields(logrus.Fields{
			"run_id":    runID,
			"reclaimed": reclaimed,
			"exhausted": exhausted,
		}).Warn("Reclaimed stale claims")
	}

	dead, err := r.store.MarkDeadWorkers(ctx, runID, r.workerTimeout)
	if err != nil {
		return fmt.Errorf("failed to mark dead workers: %w", err)
	}
	if dead > 0 {
		r.logger.WithFields(logrus.Fields{
			"run_id": runID,
			"dead":   dead,
		}).Warn("Marked silent workers as failed")
	}
	return nil
}
