package db

import "time"

// Run status values. These MUST stay in sync with the coordinator package's
// lifecycle transitions; the store only ever moves between them through the
// guarded compare-and-swap updates below.
const (
	RunStatusActive             = "active"
	RunStatusProcessingComplete = "processing_complete"
	RunStatusPostProcessing     = "post_processing"
	RunStatusCompleted          = "completed"
	RunStatusFailed             = "failed"
	RunStatusAbandoned          = "abandoned"
)

// Queue item status values.
const (
	ItemStatusPending    = "pending"
	ItemStatusProcessing = "processing"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
	ItemStatusRetry      = "retry"
)

// Worker status values as reported through heartbeats, plus the two values
// the system assigns on the worker's behalf (stopped on graceful exit,
// failed when the reaper declares the worker dead).
const (
	WorkerStatusActive     = "active"
	WorkerStatusIdle       = "idle"
	WorkerStatusProcessing = "processing"
	WorkerStatusStopped    = "stopped"
	WorkerStatusFailed     = "failed"
)

// Source types recorded on queue items: configured documents come from
// source enumeration, linked documents from outbound links found during
// processing. Discovered is reserved for pipelines that infer documents
// without an explicit link (the claim paths treat it exactly like linked).
const (
	SourceTypeConfigured = "configured"
	SourceTypeLinked     = "linked"
	SourceTypeDiscovered = "discovered"
)

// Link types recorded on document dependencies.
const (
	LinkTypeExplicit   = "explicit"
	LinkTypeDiscovered = "discovered"
	LinkTypeInferred   = "inferred"
)

// Run is one coordination run: the shared unit of work that every worker
// with an equivalent configuration attaches to.
type Run struct {
	RunID          string
	ConfigHash     string
	ConfigSnapshot []byte
	Status         string
	StatusReason   string

	CreatedAt                 time.Time
	FirstWorkerAt             *time.Time
	LastActivityAt            time.Time
	ProcessingCompletedAt     *time.Time
	PostProcessingStartedAt   *time.Time
	PostProcessingCompletedAt *time.Time
	CompletedAt               *time.Time

	WorkerCount        int
	DocumentsQueued    int64
	DocumentsProcessed int64
	DocumentsFailed    int64
	DocumentsRetried   int64

	LeaderWorkerID     string
	LeaderElectedAt    *time.Time
	LeaderHeartbeat    *time.Time
	LeaderLeaseExpires *time.Time

	PostProcessorWorkerID        string
	PostProcessingLockAcquiredAt *time.Time
}

// IsTerminal reports whether the run can never change status again.
func (r *Run) IsTerminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusAbandoned:
		return true
	}
	return false
}

// QueueItem is one document's entry in a run's work queue. The
// (RunID, DocID, SourceName) triple is unique per run; re-enqueueing the
// same document is deduplicated at the store.
type QueueItem struct {
	QueueID    int64
	RunID      string
	DocID      string
	SourceName string
	SourceType string
	Status     string

	WorkerID    string
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	ErrorDetails []byte

	ParentDocID  string
	LinkDepth    int
	MaxLinkDepth int

	ContentHash  string
	LastModified *time.Time
	FileSize     int64

	Priority             int
	ScheduledFor         time.Time
	RequiredCapabilities []string
	CreatedAt            time.Time
}

// RunWorker is one worker's registration within a run.
type RunWorker struct {
	RunID    string
	WorkerID string
	Status   string

	JoinedAt      time.Time
	LastHeartbeat time.Time
	LeftAt        *time.Time

	DocumentsClaimed      int64
	DocumentsProcessed    int64
	DocumentsFailed       int64
	ProcessingTimeSeconds float64

	Hostname     string
	ProcessID    int
	Version      string
	Capabilities []string
}

// WorkerDescriptor is what a worker reports about itself when joining a run.
type WorkerDescriptor struct {
	WorkerID     string
	Hostname     string
	ProcessID    int
	Version      string
	Capabilities []string
}

// DocumentDependency is one observed link between two documents of a run.
// Dependencies are recorded even when the child lies beyond the crawl depth
// bound, so the full observed graph survives for post-processing.
type DocumentDependency struct {
	RunID              string
	ParentDocID        string
	ChildDocID         string
	SourceName         string
	LinkType           string
	LinkDepth          int
	DiscoveredAt       time.Time
	DiscoveredByWorker string
}

// QueueSummary is a per-status count snapshot of a run's queue. ObservedAt
// carries the database clock at the time of the count so that callers can
// compare it against other database timestamps without trusting their local
// clock.
type QueueSummary struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Retry      int64
	ObservedAt time.Time
}

// Drained reports whether no live work remains in the queue.
func (s QueueSummary) Drained() bool {
	return s.Pending == 0 && s.Processing == 0 && s.Retry == 0
}

// Total returns the number of queue items across all statuses.
func (s QueueSummary) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Retry
}

// EnqueueOutcome describes what an enqueue call did.
type EnqueueOutcome string

const (
	// EnqueueInserted: the document was new to the run.
	EnqueueInserted EnqueueOutcome = "inserted"
	// EnqueueReopened: the document had completed, but the observed content
	// hash differs from the stored one, so it was returned to the pool.
	EnqueueReopened EnqueueOutcome = "reopened"
	// EnqueueDuplicate: the document is already tracked; nothing changed.
	EnqueueDuplicate EnqueueOutcome = "duplicate"
)

// FailOutcome describes how a failure report was resolved.
type FailOutcome string

const (
	// FailRetry: the item returns to the pool after a backoff delay.
	FailRetry FailOutcome = "retry"
	// FailFailed: the item is terminally failed.
	FailFailed FailOutcome = "failed"
)
