package coordinator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hive.evalgo.org/db"
	"hive.evalgo.org/fingerprint"
	"hive.evalgo.org/notify"
)

// fakeStore scripts the store surface the coordinator consumes. Summaries
// are consumed one per call with the last one sticky, which lets a test
// describe a sequence of database-clock observations.
type fakeStore struct {
	mu sync.Mutex

	run       *db.Run
	getRunErr error

	created   bool
	createErr error

	registerFirst bool
	registerErr   error
	registered    []db.WorkerDescriptor

	summaries  []db.QueueSummary
	summaryErr error

	latestHeartbeat *time.Time
	latestExcluded  string

	markPCResult bool
	markPCCalls  int
	markPCQuiet  time.Duration

	beginPPResult bool
	beginPPCalls  int

	takeOverResult bool
	takeOverCalls  int
	takeOverWorker string

	completeRunResult bool
	completeRunCalls  int

	failRunResult bool
	failRunCalls  int
	failRunReason string

	abandonResult bool
	abandonCalls  int
	abandonReason string

	enqueueOutcomes []db.EnqueueOutcome
	enqueueErrs     []error
	enqueued        []*db.QueueItem

	reclaimed      int64
	exhausted      int64
	reclaimErr     error
	reclaimCalls   int
	reclaimTimeout time.Duration

	dead          int64
	deadErr       error
	deadCalls     int
	workerTimeout time.Duration

	electionResult bool
	electionCalls  int
	heartbeatCalls int
	stoppedCalls   int
	releaseCalls   int

	dependencies []*db.DocumentDependency
}

var _ Store = (*fakeStore)(nil)

func (s *fakeStore) CreateOrAttachRun(ctx context.Context, fp fingerprint.Fingerprint, snapshot []byte) (*db.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, false, s.createErr
	}
	return s.run, s.created, nil
}

func (s *fakeStore) GetRun(ctx context.Context, runID string) (*db.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getRunErr != nil {
		return nil, s.getRunErr
	}
	if s.run == nil {
		return nil, db.ErrRunNotFound
	}
	return s.run, nil
}

func (s *fakeStore) MarkProcessingComplete(ctx context.Context, runID string, quiet time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markPCCalls++
	s.markPCQuiet = quiet
	return s.markPCResult, nil
}

func (s *fakeStore) BeginPostProcessing(ctx context.Context, runID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginPPCalls++
	return s.beginPPResult, nil
}

func (s *fakeStore) TakeOverPostProcessing(ctx context.Context, runID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takeOverCalls++
	s.takeOverWorker = workerID
	return s.takeOverResult, nil
}

func (s *fakeStore) CompleteRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeRunCalls++
	return s.completeRunResult, nil
}

func (s *fakeStore) FailRun(ctx context.Context, runID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRunCalls++
	s.failRunReason = reason
	return s.failRunResult, nil
}

func (s *fakeStore) AbandonRun(ctx context.Context, runID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandonCalls++
	s.abandonReason = reason
	return s.abandonResult, nil
}

func (s *fakeStore) RegisterWorker(ctx context.Context, runID string, desc db.WorkerDescriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return false, s.registerErr
	}
	s.registered = append(s.registered, desc)
	return s.registerFirst, nil
}

func (s *fakeStore) HeartbeatWorker(ctx context.Context, runID, workerID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatCalls++
	return nil
}

func (s *fakeStore) MarkWorkerStopped(ctx context.Context, runID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stoppedCalls++
	return nil
}

func (s *fakeStore) MarkDeadWorkers(ctx context.Context, runID string, workerTimeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadCalls++
	s.workerTimeout = workerTimeout
	return s.dead, s.deadErr
}

func (s *fakeStore) LatestWorkerHeartbeat(ctx context.Context, runID, excludeWorkerID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestExcluded = excludeWorkerID
	return s.latestHeartbeat, nil
}

func (s *fakeStore) AttemptLeaderElection(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.electionCalls++
	return s.electionResult, nil
}

func (s *fakeStore) ReleaseLeadership(ctx context.Context, runID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCalls++
	return nil
}

func (s *fakeStore) EnqueueDocument(ctx context.Context, item *db.QueueItem) (db.EnqueueOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := len(s.enqueued)
	if call < len(s.enqueueErrs) && s.enqueueErrs[call] != nil {
		return "", s.enqueueErrs[call]
	}
	s.enqueued = append(s.enqueued, item)
	if call < len(s.enqueueOutcomes) {
		return s.enqueueOutcomes[call], nil
	}
	return db.EnqueueInserted, nil
}

func (s *fakeStore) ClaimNext(ctx context.Context, runID, workerID string, capabilities []string) (*db.QueueItem, error) {
	return nil, nil
}

func (s *fakeStore) CompleteItem(ctx context.Context, queueID int64, workerID, contentHash string) error {
	return nil
}

func (s *fakeStore) FailItem(ctx context.Context, queueID int64, workerID, errMsg string, details []byte, willRetry bool, retryDelay time.Duration) (db.FailOutcome, error) {
	return db.FailRetry, nil
}

func (s *fakeStore) ReclaimStale(ctx context.Context, runID string, claimTimeout time.Duration) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimCalls++
	s.reclaimTimeout = claimTimeout
	return s.reclaimed, s.exhausted, s.reclaimErr
}

func (s *fakeStore) SummarizeQueue(ctx context.Context, runID string) (db.QueueSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaryErr != nil {
		return db.QueueSummary{}, s.summaryErr
	}
	if len(s.summaries) == 0 {
		return db.QueueSummary{}, nil
	}
	next := s.summaries[0]
	if len(s.summaries) > 1 {
		s.summaries = s.summaries[1:]
	}
	return next, nil
}

func (s *fakeStore) RecordDependency(ctx context.Context, dep *db.DocumentDependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependencies = append(s.dependencies, dep)
	return nil
}

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.RunEvent
}

func (p *recordingPublisher) PublishRunEvent(event notify.RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) byType(eventType string) []notify.RunEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []notify.RunEvent
	for _, e := range p.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

func quietTestLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
