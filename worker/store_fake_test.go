package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hive.evalgo.org/coordinator"
	"hive.evalgo.org/db"
	"hive.evalgo.org/fingerprint"
)

// fakeStore scripts the store surface the worker loop touches. Runs and
// claims are served as sequences (the last run sticks), everything else is
// recorded for assertions.
type fakeStore struct {
	mu sync.Mutex

	run       *db.Run
	runs      []*db.Run
	created   bool
	createErr error

	registered  []db.WorkerDescriptor
	registerErr error

	claims    []*db.QueueItem
	claimErr  error
	claimArgs [][]string

	completed   []completedItem
	completeErr error

	failures    []failedItem
	failOutcome db.FailOutcome
	failErr     error

	enqueued        []*db.QueueItem
	enqueueCalls    int
	enqueueErrs     map[int]error
	enqueueOutcomes []db.EnqueueOutcome

	dependencies []*db.DocumentDependency
	depErr       error

	heartbeats   []string
	heartbeatErr error

	elect         bool
	electErr      error
	electionCalls int

	summary    db.QueueSummary
	summaryErr error

	reclaimCalls int
	deadCalls    int
	stoppedCalls int
	releaseCalls int

	markPCCalls    int
	beginPPCalls   int
	takeOverCalls  int
	completeRCalls int
	failRunCalls   int
	abandonCalls   int
}

type completedItem struct {
	QueueID     int64
	WorkerID    string
	ContentHash string
}

type failedItem struct {
	QueueID   int64
	WorkerID  string
	Message   string
	Details   []byte
	WillRetry bool
	Delay     time.Duration
}

var _ coordinator.Store = (*fakeStore)(nil)

func (f *fakeStore) CreateOrAttachRun(ctx context.Context, fp fingerprint.Fingerprint, snapshot []byte) (*db.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run, f.created, f.createErr
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*db.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) > 0 {
		r := f.runs[0]
		if len(f.runs) > 1 {
			f.runs = f.runs[1:]
		}
		return r, nil
	}
	return f.run, nil
}

func (f *fakeStore) MarkProcessingComplete(ctx context.Context, runID string, quiet time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markPCCalls++
	return false, nil
}

func (f *fakeStore) BeginPostProcessing(ctx context.Context, runID, workerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beginPPCalls++
	return false, nil
}

func (f *fakeStore) TakeOverPostProcessing(ctx context.Context, runID, workerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takeOverCalls++
	return false, nil
}

func (f *fakeStore) CompleteRun(ctx context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeRCalls++
	return false, nil
}

func (f *fakeStore) FailRun(ctx context.Context, runID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRunCalls++
	return false, nil
}

func (f *fakeStore) AbandonRun(ctx context.Context, runID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandonCalls++
	return false, nil
}

func (f *fakeStore) RegisterWorker(ctx context.Context, runID string, desc db.WorkerDescriptor) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, desc)
	return true, f.registerErr
}

func (f *fakeStore) HeartbeatWorker(ctx context.Context, runID, workerID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, status)
	return f.heartbeatErr
}

func (f *fakeStore) MarkWorkerStopped(ctx context.Context, runID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedCalls++
	return nil
}

func (f *fakeStore) MarkDeadWorkers(ctx context.Context, runID string, workerTimeout time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadCalls++
	return 0, nil
}

func (f *fakeStore) LatestWorkerHeartbeat(ctx context.Context, runID, excludeWorkerID string) (*time.Time, error) {
	return nil, nil
}

func (f *fakeStore) AttemptLeaderElection(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.electionCalls++
	return f.elect, f.electErr
}

func (f *fakeStore) ReleaseLeadership(ctx context.Context, runID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	return nil
}

func (f *fakeStore) EnqueueDocument(ctx context.Context, item *db.QueueItem) (db.EnqueueOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.enqueueCalls
	f.enqueueCalls++
	if err, ok := f.enqueueErrs[idx]; ok && err != nil {
		return "", err
	}
	f.enqueued = append(f.enqueued, item)
	if idx < len(f.enqueueOutcomes) {
		return f.enqueueOutcomes[idx], nil
	}
	return db.EnqueueInserted, nil
}

func (f *fakeStore) ClaimNext(ctx context.Context, runID, workerID string, capabilities []string) (*db.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimArgs = append(f.claimArgs, capabilities)
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if len(f.claims) == 0 {
		return nil, nil
	}
	item := f.claims[0]
	f.claims = f.claims[1:]
	return item, nil
}

func (f *fakeStore) CompleteItem(ctx context.Context, queueID int64, workerID, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, completedItem{QueueID: queueID, WorkerID: workerID, ContentHash: contentHash})
	return nil
}

func (f *fakeStore) FailItem(ctx context.Context, queueID int64, workerID, errMsg string, details []byte, willRetry bool, retryDelay time.Duration) (db.FailOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return "", f.failErr
	}
	f.failures = append(f.failures, failedItem{
		QueueID:   queueID,
		WorkerID:  workerID,
		Message:   errMsg,
		Details:   details,
		WillRetry: willRetry,
		Delay:     retryDelay,
	})
	if f.failOutcome != "" {
		return f.failOutcome, nil
	}
	if willRetry {
		return db.FailRetry, nil
	}
	return db.FailFailed, nil
}

func (f *fakeStore) ReclaimStale(ctx context.Context, runID string, claimTimeout time.Duration) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaimCalls++
	return 0, 0, nil
}

func (f *fakeStore) SummarizeQueue(ctx context.Context, runID string) (db.QueueSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary, f.summaryErr
}

func (f *fakeStore) RecordDependency(ctx context.Context, dep *db.DocumentDependency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depErr != nil {
		return f.depErr
	}
	f.dependencies = append(f.dependencies, dep)
	return nil
}

func quietTestLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
