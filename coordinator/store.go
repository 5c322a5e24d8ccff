package coordinator

import (
	"context"
	"time"

	"hive.evalgo.org/db"
	"hive.evalgo.org/fingerprint"
)

// Store is the slice of the coordination store that the registry, reaper,
// lifecycle controller and worker loop consume. *db.Store satisfies it; tests
// substitute scripted fakes.
type Store interface {
	// Runs
	CreateOrAttachRun(ctx context.Context, fp fingerprint.Fingerprint, snapshot []byte) (*db.Run, bool, error)
	GetRun(ctx context.Context, runID string) (*db.Run, error)
	MarkProcessingComplete(ctx context.Context, runID string, quiet time.Duration) (bool, error)
	BeginPostProcessing(ctx context.Context, runID, workerID string) (bool, error)
	TakeOverPostProcessing(ctx context.Context, runID, workerID string) (bool, error)
	CompleteRun(ctx context.Context, runID string) (bool, error)
	FailRun(ctx context.Context, runID, reason string) (bool, error)
	AbandonRun(ctx context.Context, runID, reason string) (bool, error)

	// Workers
	RegisterWorker(ctx context.Context, runID string, desc db.WorkerDescriptor) (bool, error)
	HeartbeatWorker(ctx context.Context, runID, workerID, status string) error
	MarkWorkerStopped(ctx context.Context, runID, workerID string) error
	MarkDeadWorkers(ctx context.Context, runID string, workerTimeout time.Duration) (int64, error)
	LatestWorkerHeartbeat(ctx context.Context, runID, excludeWorkerID string) (*time.Time, error)

	// Leadership
	AttemptLeaderElection(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error)
	ReleaseLeadership(ctx context.Context, runID, workerID string) error

	// Queue
	EnqueueDocument(ctx context.Context, item *db.QueueItem) (db.EnqueueOutcome, error)
	ClaimNext(ctx context.Context, runID, workerID string, capabilities []string) (*db.QueueItem, error)
	CompleteItem(ctx context.Context, queueID int64, workerID, contentHash string) error
	FailItem(ctx context.Context, queueID int64, workerID, errMsg string, details []byte, willRetry bool, retryDelay time.Duration) (db.FailOutcome, error)
	ReclaimStale(ctx context.Context, runID string, claimTimeout time.Duration) (int64, int64, error)
	SummarizeQueue(ctx context.Context, runID string) (db.QueueSummary, error)
	RecordDependency(ctx context.Context, dep *db.DocumentDependency) error
}

var _ Store = (*db.Store)(nil)
