package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hive.evalgo.org/db"
	"hive.evalgo.org/notify"
	"hive.evalgo.org/pipeline"
)

// ControllerConfig holds the lifecycle controller's collaborators and
// timing knobs.
type ControllerConfig struct {
	Store    Store
	Reaper   *Reaper
	Detector pipeline.RelationshipDetector
	Events   notify.Publisher

	RunID    string
	WorkerID string

	// Quiet is how long the queue must stay drained before the run leaves
	// active, and how long processing_complete must hold before
	// post-processing starts.
	Quiet time.Duration
	// AbandonAfter is how long a run may go without activity before it is
	// abandoned, provided no other worker is heartbeating either.
	AbandonAfter time.Duration
	// Lease is the leader lease duration. The controller renews it at a
	// third of this interval while post-processing runs.
	Lease time.Duration

	Logger *logrus.Entry
}

// Controller drives a run's lifecycle while this worker holds leadership.
// The worker calls Tick once per election interval; every observation and
// transition goes through the store on the database clock, so a controller
// that dies mid-flight is simply replaced by the next leader's.
type Controller struct {
	config ControllerConfig
	logger *logrus.Entry

	// firstDrainedAt is the database-clock time of the first drained queue
	// observation. The run leaves active only after two drained observations
	// at least Quiet apart.
	firstDrainedAt *time.Time
}

// NewController creates a lifecycle controller for one run.
func NewController(config ControllerConfig) *Controller {
	if config.Events == nil {
		config.Events = notify.NopPublisher{}
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		config: config,
		logger: config.Logger.WithField("component", "lifecycle"),
	}
}

// Reset clears observation state carried between ticks. The worker calls it
// on leadership acquisition so observations from a previous leader's reign
// never count toward this one's decisions.
func (c *Controller) Reset() {
	c.firstDrainedAt = nil
}

// Tick performs one leader pass: reap, observe the run, and advance its
// lifecycle if the observed state warrants it. Errors are returned for the
// worker to log; the next tick starts from a fresh observation.
func (c *Controller) Tick(ctx context.Context) error {
	if err := c.config.Reaper.Reap(ctx, c.config.RunID); err != nil {
		c.logger.WithError(err).Warn("Reaper pass failed")
	}

	run, err := c.config.Store.GetRun(ctx, c.config.RunID)
	if err != nil {
		return fmt.Errorf("failed to observe run: %w", err)
	}

	switch Status(run.Status) {
	case StatusActive:
		return c.tickActive(ctx, run)
	case StatusProcessingComplete:
		return c.tickProcessingComplete(ctx, run)
	case StatusPostProcessing:
		return c.tickPostProcessing(ctx, run)
	default:
		// Terminal. The worker loop observes this on its own and exits.
		return nil
	}
}

// tickActive watches an active run for two conditions: a drained queue,
// which starts the processing_complete transition, and a stranded run with
// no activity and no live peers, which is abandoned.
func (c *Controller) tickActive(ctx context.Context, run *db.Run) error {
	summary, err := c.config.Store.SummarizeQueue(ctx, c.config.RunID)
	if err != nil {
		return fmt.Errorf("failed to summarize queue: %w", err)
	}

	if summary.Drained() {
		if c.firstDrainedAt == nil {
			t := summary.ObservedAt
			c.firstDrainedAt = &t
			return nil
		}
		if summary.ObservedAt.Sub(*c.firstDrainedAt) < c.config.Quiet {
			return nil
		}
		moved, err := c.config.Store.MarkProcessingComplete(ctx, c.config.RunID, c.config.Quiet)
		if err != nil {
			return fmt.Errorf("failed to mark processing complete: %w", err)
		}
		if moved {
			c.firstDrainedAt = nil
			c.logger.WithField("run_id", c.config.RunID).Info("Queue drained, processing complete")
			c.publish(notify.RunEvent{
				Type:       notify.EventStatusChanged,
				FromStatus: db.RunStatusActive,
				ToStatus:   db.RunStatusProcessingComplete,
			})
		}
		return nil
	}
	c.firstDrainedAt = nil

	// Live items but nothing happening: every claim either requires a
	// capability no live worker has or is scheduled for later. Our own
	// heartbeat keeps the lease, not the run, so only other workers count.
	idle := summary.ObservedAt.Sub(run.LastActivityAt)
	if idle < c.config.AbandonAfter {
		return nil
	}
	latest, err := c.config.Store.LatestWorkerHeartbeat(ctx, c.config.RunID, c.config.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to check worker heartbeats: %w", err)
	}
	if latest != nil && summary.ObservedAt.Sub(*latest) < c.config.AbandonAfter/12 {
		return nil
	}
	reason := fmt.Sprintf("no activity since %s", run.LastActivityAt.UTC().Format(time.RFC3339))
	abandoned, err := c.config.Store.AbandonRun(ctx, c.config.RunID, reason)
	if err != nil {
		return fmt.Errorf("failed to abandon run: %w", err)
	}
	if abandoned {
		c.logger.WithFields(logrus.Fields{
			"run_id": c.config.RunID,
			"idle":   idle.Round(time.Second).String(),
		}).Warn("Abandoned stranded run")
		c.publish(notify.RunEvent{
			Type:       notify.EventStatusChanged,
			FromStatus: db.RunStatusActive,
			ToStatus:   db.RunStatusAbandoned,
			Reason:     reason,
		})
	}
	return nil
}

// tickProcessingComplete promotes a stable processing_complete run into
// post-processing. A late enqueue moves the run back to active on its own;
// this tick only has to not fight it.
func (c *Controller) tickProcessingComplete(ctx context.Context, run *db.Run) error {
	summary, err := c.config.Store.SummarizeQueue(ctx, c.config.RunID)
	if err != nil {
		return fmt.Errorf("failed to summarize queue: %w", err)
	}
	if !summary.Drained() {
		return nil
	}
	if run.ProcessingCompletedAt == nil ||
		summary.ObservedAt.Sub(*run.ProcessingCompletedAt) < c.config.Quiet {
		return nil
	}

	claimed, err := c.config.Store.BeginPostProcessing(ctx, c.config.RunID, c.config.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to begin post-processing: %w", err)
	}
	if !claimed {
		return nil
	}
	c.logger.WithField("run_id", c.config.RunID).Info("Starting post-processing")
	c.publish(notify.RunEvent{
		Type:       notify.EventPostProcessingStarted,
		FromStatus: db.RunStatusProcessingComplete,
		ToStatus:   db.RunStatusPostProcessing,
	})
	return c.runPostProcessing(ctx)
}

// tickPostProcessing resumes post-processing left behind by a dead leader.
// Holding the leadership lease is what authorizes the takeover: the previous
// post-processor was the previous leader, and its lease has lapsed or we
// would not be here. If it is in fact alive but partitioned, the detector's
// idempotence absorbs the double run.
func (c *Controller) tickPostProcessing(ctx context.Context, run *db.Run) error {
	taken, err := c.config.Store.TakeOverPostProcessing(ctx, c.config.RunID, c.config.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to take over post-processing: %w", err)
	}
	if !taken {
		return nil
	}
	c.logger.WithFields(logrus.Fields{
		"run_id":   c.config.RunID,
		"previous": run.PostProcessorWorkerID,
	}).Warn("Resuming post-processing from dead worker")
	return c.runPostProcessing(ctx)
}

// runPostProcessing invokes the relationship detector and settles the run.
// Detection can outlast many lease intervals, so a background goroutine
// keeps the leadership lease and the worker heartbeat fresh until it
// returns.
func (c *Controller) runPostProcessing(ctx context.Context) error {
	renewCtx, stopRenewal := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := c.config.Lease / 3
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if _, err := c.config.Store.AttemptLeaderElection(renewCtx, c.config.RunID, c.config.WorkerID, c.config.Lease); err != nil {
					c.logger.WithError(err).Warn("Failed to renew lease during post-processing")
				}
				if err := c.config.Store.HeartbeatWorker(renewCtx, c.config.RunID, c.config.WorkerID, db.WorkerStatusProcessing); err != nil {
					c.logger.WithError(err).Warn("Failed to heartbeat during post-processing")
				}
			}
		}
	}()
	defer func() {
		stopRenewal()
		wg.Wait()
	}()

	start := time.Now()
	summary, err := c.config.Detector.Detect(ctx, c.config.RunID)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not failure. The run stays post_processing and the
			// next leader takes over.
			return ctx.Err()
		}
		reason := fmt.Sprintf("post-processing failed: %v", err)
		failed, ferr := c.config.Store.FailRun(ctx, c.config.RunID, reason)
		if ferr != nil {
			return fmt.Errorf("failed to fail run after post-processing error %q: %w", reason, ferr)
		}
		if failed {
			c.logger.WithError(err).WithField("run_id", c.config.RunID).Error("Post-processing failed")
			c.publish(notify.RunEvent{
				Type:       notify.EventStatusChanged,
				FromStatus: db.RunStatusPostProcessing,
				ToStatus:   db.RunStatusFailed,
				Reason:     reason,
			})
		}
		return nil
	}

	completed, err := c.config.Store.CompleteRun(ctx, c.config.RunID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if !completed {
		c.logger.WithField("run_id", c.config.RunID).Warn("Run left post_processing while detection ran")
		return nil
	}
	elapsed := time.Since(start)
	c.logger.WithFields(logrus.Fields{
		"run_id":        c.config.RunID,
		"detector":      summary.Detector,
		"relationships": summary.RelationshipsFound,
		"elapsed":       elapsed.Round(time.Millisecond).String(),
	}).Info("Run completed")
	c.publish(notify.RunEvent{
		Type:       notify.EventPostProcessingFinished,
		FromStatus: db.RunStatusPostProcessing,
		ToStatus:   db.RunStatusCompleted,
		Details: map[string]interface{}{
			"detector":      summary.Detector,
			"relationships": summary.RelationshipsFound,
			"elapsed_ms":    elapsed.Milliseconds(),
		},
	})
	return nil
}

func (c *Controller) publish(event notify.RunEvent) {
	event.RunID = c.config.RunID
	event.WorkerID = c.config.WorkerID
	if err := c.config.Events.PublishRunEvent(event); err != nil {
		c.logger.WithError(err).Debug("Failed to publish run event")
	}
}
