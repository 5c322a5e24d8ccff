package worker

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"hive.evalgo.org/artifact"
	"hive.evalgo.org/cache"
	"hive.evalgo.org/config"
	"hive.evalgo.org/coordinator"
	"hive.evalgo.org/db"
	"hive.evalgo.org/notify"
	"hive.evalgo.org/otel"
	"hive.evalgo.org/pipeline"
	"hive.evalgo.org/source"
	"hive.evalgo.org/version"
)

// Options wires a worker's collaborators. Config, Store and Pipeline are
// required; everything else has a working zero value (nop publisher, nop
// artifact store, noop detector, always-miss cache).
type Options struct {
	Config    *config.Config
	Store     coordinator.Store
	Sources   map[string]source.ContentSource
	Pipeline  pipeline.Pipeline
	Detector  pipeline.RelationshipDetector
	Artifacts artifact.Store
	Events    notify.Publisher
	Cache     *cache.Cache
	Logger    *logrus.Entry
}

// Worker is one ingestion process attached to a single run.
type Worker struct {
	opts   Options
	id     string
	logger *logrus.Entry

	registry *coordinator.Registry
	reaper   *coordinator.Reaper

	runID  string
	leader bool
}

// New builds a worker from the given options and derives its identity.
func New(opts Options) *Worker {
	if opts.Events == nil {
		opts.Events = notify.NopPublisher{}
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NopStore{}
	}
	if opts.Detector == nil {
		opts.Detector = pipeline.NoopDetector{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	id := DeriveIdentity(opts.Config.Worker.ID)
	w := &Worker{
		opts:   opts,
		id:     id,
		logger: opts.Logger.WithFields(logrus.Fields{"component": "worker", "worker_id": id}),
	}
	w.registry = coordinator.NewRegistry(opts.Store, opts.Sources, opts.Events, opts.Logger)
	w.reaper = coordinator.NewReaper(opts.Store, opts.Config.Worker.ClaimTimeout, opts.Config.Worker.WorkerTimeout, opts.Logger)
	return w
}

// ID returns the derived worker identity.
func (w *Worker) ID() string {
	return w.id
}

// RunID returns the run this worker attached to. Empty before Run.
func (w *Worker) RunID() string {
	return w.runID
}

// Run attaches to the run identified by the configuration and processes
// documents until the run reaches a terminal status or ctx is cancelled.
// A run that is already terminal at attach time is reported through
// db.ErrRunTerminal; reaching one while running is a normal, clean exit.
func (w *Worker) Run(ctx context.Context) error {
	wcfg := w.opts.Config.Worker

	hostname, _ := os.Hostname()
	att, err := w.registry.Attach(ctx, w.opts.Config, db.WorkerDescriptor{
		WorkerID:     w.id,
		Hostname:     hostname,
		ProcessID:    os.Getpid(),
		Version:      version.Short(),
		Capabilities: wcfg.Capabilities,
	})
	if err != nil {
		return err
	}
	w.runID = att.Run.RunID
	logger := w.logger.WithField("run_id", w.runID)
	logger.WithFields(logrus.Fields{
		"created":  att.Created,
		"seeded":   att.Seeded,
		"reopened": att.Reopened,
	}).Info("Worker attached to run")
	defer w.leave(logger)

	ctx = otel.AddRunToBaggage(ctx, w.runID, w.id)

	controller := coordinator.NewController(coordinator.ControllerConfig{
		Store:        w.opts.Store,
		Reaper:       w.reaper,
		Detector:     w.opts.Detector,
		Events:       w.opts.Events,
		RunID:        w.runID,
		WorkerID:     w.id,
		Quiet:        wcfg.TerminalQuiet,
		AbandonAfter: wcfg.AbandonAfter,
		Lease:        wcfg.LeaderLease,
		Logger:       w.opts.Logger,
	})

	poll := newPollBackoff(wcfg.PollInterval, wcfg.PollMax)
	beatEvery := wcfg.LeaderLease / 3
	if beatEvery <= 0 {
		beatEvery = 5 * time.Second
	}

	var lastBeat time.Time
	status := db.WorkerStatusActive
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown requested")
			return nil
		default:
		}

		if time.Since(lastBeat) >= beatEvery {
			lastBeat = time.Now()
			terminal, err := w.coordinate(ctx, controller, status, logger)
			if err != nil {
				if ctx.Err() != nil {
					logger.Info("Shutdown requested")
					return nil
				}
				logger.WithError(err).Warn("Coordination pass failed")
			}
			if terminal {
				return nil
			}
		}

		item, err := w.opts.Store.ClaimNext(ctx, w.runID, w.id, wcfg.Capabilities)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Shutdown requested")
				return nil
			}
			logger.WithError(err).Warn("Failed to claim next document")
			sleepCtx(ctx, poll.Next())
			continue
		}
		if item == nil {
			status = db.WorkerStatusIdle
			sleepCtx(ctx, poll.Next())
			continue
		}

		poll.Reset()
		status = db.WorkerStatusProcessing
		w.processItem(ctx, item)
	}
}

// coordinate performs one heartbeat-cadence pass: report liveness, contend
// for leadership, check for a finished run, and either drive the lifecycle
// (leader) or sweep opportunistically (everyone else). Returns true when the
// run has reached a terminal status.
func (w *Worker) coordinate(ctx context.Context, controller *coordinator.Controller, status string, logger *logrus.Entry) (bool, error) {
	if err := w.opts.Store.HeartbeatWorker(ctx, w.runID, w.id, status); err != nil {
		return false, err
	}

	elected, err := w.opts.Store.AttemptLeaderElection(ctx, w.runID, w.id, w.opts.Config.Worker.LeaderLease)
	if err != nil {
		return false, err
	}
	if elected && !w.leader {
		logger.Info("Acquired run leadership")
		controller.Reset()
	}
	if !elected && w.leader {
		logger.Info("Lost run leadership")
	}
	w.leader = elected

	run, err := w.opts.Store.GetRun(ctx, w.runID)
	if err != nil {
		return false, err
	}
	if run.IsTerminal() {
		logger.WithField("status", run.Status).Info("Run reached terminal status")
		return true, nil
	}

	if w.leader {
		if err := controller.Tick(ctx); err != nil {
			return false, err
		}
		// The tick may have finished the run (post-processing runs inside
		// it); pick that up now instead of waiting out a poll interval.
		run, err := w.opts.Store.GetRun(ctx, w.runID)
		if err != nil {
			return false, err
		}
		if run.IsTerminal() {
			logger.WithField("status", run.Status).Info("Run reached terminal status")
			return true, nil
		}
		return false, nil
	}

	if err := w.reaper.Reap(ctx, w.runID); err != nil {
		logger.WithError(err).Debug("Opportunistic reap failed")
	}
	return false, nil
}

// leave marks this worker stopped and releases leadership if held. Runs on
// a fresh context: the loop context is usually already cancelled by the time
// we get here.
func (w *Worker) leave(logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if w.leader {
		if err := w.opts.Store.ReleaseLeadership(ctx, w.runID, w.id); err != nil {
			logger.WithError(err).Warn("Failed to release leadership")
		}
	}
	if err := w.opts.Store.MarkWorkerStopped(ctx, w.runID, w.id); err != nil {
		logger.WithError(err).Warn("Failed to mark worker stopped")
		return
	}
	logger.Info("Worker left run")
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
