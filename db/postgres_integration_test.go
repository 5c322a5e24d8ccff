//go:build integration

package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"hive.evalgo.org/fingerprint"
)

// setupPostgresContainer starts a PostgreSQL container for testing
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

func setupStore(t *testing.T) (*Store, func()) {
	dsn, cleanupContainer := setupPostgresContainer(t)

	database, err := NewPostgresDB(dsn, 8)
	require.NoError(t, err, "Failed to connect to test database")

	store := NewStore(database)
	require.NoError(t, store.CreateTables(context.Background()))

	return store, func() {
		database.Close()
		cleanupContainer()
	}
}

func testFingerprint(t *testing.T, seed string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Compute(map[string]interface{}{"seed": seed})
	require.NoError(t, err)
	return fp
}

func createRun(t *testing.T, store *Store, seed string) *Run {
	t.Helper()
	run, created, err := store.CreateOrAttachRun(context.Background(), testFingerprint(t, seed), []byte(`{"seed":"`+seed+`"}`))
	require.NoError(t, err)
	require.True(t, created)
	return run
}

func registerWorker(t *testing.T, store *Store, runID, workerID string) {
	t.Helper()
	_, err := store.RegisterWorker(context.Background(), runID, WorkerDescriptor{
		WorkerID: workerID, Hostname: "testhost", ProcessID: 4242, Version: "test",
	})
	require.NoError(t, err)
}

func newTestItem(runID, docID string) *QueueItem {
	return &QueueItem{
		RunID:        runID,
		DocID:        docID,
		SourceName:   "docs",
		SourceType:   SourceTypeConfigured,
		MaxRetries:   3,
		MaxLinkDepth: 2,
	}
}

func execSQL(t *testing.T, store *Store, sql string, args ...interface{}) {
	t.Helper()
	require.NoError(t, store.db.Exec(context.Background(), sql, args...))
}

func TestIntegration_RunRendezvous(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	fp := testFingerprint(t, "alpha")

	first, created, err := store.CreateOrAttachRun(ctx, fp, []byte(`{"seed":"alpha"}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, fp.RunID, first.RunID)
	assert.Equal(t, RunStatusActive, first.Status)
	assert.Zero(t, first.DocumentsQueued)
	assert.Nil(t, first.FirstWorkerAt)

	// A second worker with the same configuration attaches to the same row.
	second, created, err := store.CreateOrAttachRun(ctx, fp, []byte(`{"seed":"alpha"}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	// A different configuration produces a different run.
	other, created, err := store.CreateOrAttachRun(ctx, testFingerprint(t, "beta"), []byte(`{"seed":"beta"}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.RunID, other.RunID)

	got, err := store.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.ConfigHash, got.ConfigHash)

	_, err = store.GetRun(ctx, "0000000000000000")
	assert.ErrorIs(t, err, ErrRunNotFound)

	runs, err := store.ListRuns(ctx, true)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestIntegration_WorkerRegistration(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "workers")

	firstJoin, err := store.RegisterWorker(ctx, run.RunID, WorkerDescriptor{
		WorkerID: "w1", Hostname: "host-a", ProcessID: 100, Version: "1.0", Capabilities: []string{"pdf"},
	})
	require.NoError(t, err)
	assert.True(t, firstJoin)

	// Re-registering the same worker is a revival, not a new join.
	again, err := store.RegisterWorker(ctx, run.RunID, WorkerDescriptor{
		WorkerID: "w1", Hostname: "host-a", ProcessID: 101, Version: "1.1",
	})
	require.NoError(t, err)
	assert.False(t, again)

	secondJoin, err := store.RegisterWorker(ctx, run.RunID, WorkerDescriptor{
		WorkerID: "w2", Hostname: "host-b", ProcessID: 200, Version: "1.0",
	})
	require.NoError(t, err)
	assert.True(t, secondJoin)

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.WorkerCount)
	require.NotNil(t, got.FirstWorkerAt)

	require.NoError(t, store.HeartbeatWorker(ctx, run.RunID, "w1", WorkerStatusIdle))
	err = store.HeartbeatWorker(ctx, run.RunID, "ghost", WorkerStatusIdle)
	assert.ErrorIs(t, err, ErrWorkerNotFound)

	// Heartbeats are liveness, not run activity.
	afterHeartbeat, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, got.LastActivityAt, afterHeartbeat.LastActivityAt)

	// The abandonment check must not count the asking worker's own pulse.
	latest, err := store.LatestWorkerHeartbeat(ctx, run.RunID, "w1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	onlyWorker, err := store.LatestWorkerHeartbeat(ctx, run.RunID, "w2")
	require.NoError(t, err)
	require.NotNil(t, onlyWorker)

	// Kill w2 by backdating its heartbeat past the liveness timeout.
	execSQL(t, store, `UPDATE run_workers SET last_heartbeat = NOW() - interval '10 minutes' WHERE worker_id = 'w2'`)
	dead, err := store.MarkDeadWorkers(ctx, run.RunID, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	workers, err := store.ListWorkers(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	byID := map[string]*RunWorker{}
	for _, w := range workers {
		byID[w.WorkerID] = w
	}
	assert.Equal(t, WorkerStatusFailed, byID["w2"].Status)
	require.NotNil(t, byID["w2"].LeftAt)
	assert.Equal(t, byID["w2"].LastHeartbeat, *byID["w2"].LeftAt)
	assert.Nil(t, byID["w1"].LeftAt)

	// Departed workers no longer count for the abandonment check.
	latest, err = store.LatestWorkerHeartbeat(ctx, run.RunID, "w1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	// A dead worker is already counted; the sweep is idempotent.
	dead, err = store.MarkDeadWorkers(ctx, run.RunID, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, dead)

	require.NoError(t, store.MarkWorkerStopped(ctx, run.RunID, "w1"))
	workers, err = store.ListWorkers(ctx, run.RunID)
	require.NoError(t, err)
	for _, w := range workers {
		if w.WorkerID == "w1" {
			assert.Equal(t, WorkerStatusStopped, w.Status)
			assert.NotNil(t, w.LeftAt)
		}
	}
}

func TestIntegration_EnqueueAndChangeDetection(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "enqueue")
	registerWorker(t, store, run.RunID, "w1")

	item := newTestItem(run.RunID, "doc-1.md")
	item.ContentHash = "hash-v1"

	outcome, err := store.EnqueueDocument(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, EnqueueInserted, outcome)

	// Same document again: absorbed, counters untouched.
	outcome, err = store.EnqueueDocument(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, EnqueueDuplicate, outcome)

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.DocumentsQueued)

	// Process the document to completion with hash-v1.
	claimed, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.CompleteItem(ctx, claimed.QueueID, "w1", "hash-v1"))

	// Unchanged re-observation: still a duplicate.
	outcome, err = store.EnqueueDocument(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, EnqueueDuplicate, outcome)

	// Changed content reopens the completed item with a fresh budget.
	changed := newTestItem(run.RunID, "doc-1.md")
	changed.ContentHash = "hash-v2"
	changed.Priority = 7
	outcome, err = store.EnqueueDocument(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, EnqueueReopened, outcome)

	reopened, err := store.GetQueueItem(ctx, run.RunID, "doc-1.md", "docs")
	require.NoError(t, err)
	assert.Equal(t, ItemStatusPending, reopened.Status)
	assert.Empty(t, reopened.WorkerID)
	assert.Nil(t, reopened.ClaimedAt)
	assert.Nil(t, reopened.CompletedAt)
	assert.Zero(t, reopened.RetryCount)
	assert.Equal(t, 7, reopened.Priority)
	// The recorded hash survives until the re-processing completes.
	assert.Equal(t, "hash-v1", reopened.ContentHash)

	got, err = store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.DocumentsQueued)
	assert.Equal(t, int64(1), got.DocumentsProcessed)

	// Enqueueing into a missing run fails loudly.
	_, err = store.EnqueueDocument(ctx, newTestItem("0000000000000000", "x"))
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestIntegration_ClaimOrdering(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "ordering")
	registerWorker(t, store, run.RunID, "w1")

	low := newTestItem(run.RunID, "low.md")
	low.Priority = 1
	highA := newTestItem(run.RunID, "high-a.md")
	highA.Priority = 5
	highB := newTestItem(run.RunID, "high-b.md")
	highB.Priority = 5

	for _, it := range []*QueueItem{low, highA, highB} {
		_, err := store.EnqueueDocument(ctx, it)
		require.NoError(t, err)
	}

	// Highest priority first; equal priority resolves by insertion order.
	first, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "high-a.md", first.DocID)
	assert.Equal(t, ItemStatusProcessing, first.Status)
	assert.Equal(t, "w1", first.WorkerID)
	require.NotNil(t, first.ClaimedAt)
	require.NotNil(t, first.StartedAt)

	second, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "high-b.md", second.DocID)

	third, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, "low.md", third.DocID)

	empty, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	// Future-scheduled items are invisible until due.
	deferred := newTestItem(run.RunID, "later.md")
	deferred.ScheduledFor = time.Now().Add(time.Hour)
	_, err = store.EnqueueDocument(ctx, deferred)
	require.NoError(t, err)
	empty, err = store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	// Capability gating: an item demanding "pdf" is invisible to a worker
	// without it.
	gated := newTestItem(run.RunID, "scan.pdf")
	gated.RequiredCapabilities = []string{"pdf"}
	gated.Priority = 9
	_, err = store.EnqueueDocument(ctx, gated)
	require.NoError(t, err)

	empty, err = store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	capable, err := store.ClaimNext(ctx, run.RunID, "w1", []string{"pdf", "ocr"})
	require.NoError(t, err)
	require.NotNil(t, capable)
	assert.Equal(t, "scan.pdf", capable.DocID)
}

// Twenty documents, four concurrent claim loops: every document is processed
// exactly once and the run counters add up.
func TestIntegration_ConcurrentClaims(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "concurrent")

	const docs = 20
	for i := 0; i < docs; i++ {
		_, err := store.EnqueueDocument(ctx, newTestItem(run.RunID, fmt.Sprintf("doc-%02d.md", i)))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimedBy := make(map[string]string)
	var firstErr error

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		workerID := fmt.Sprintf("w%d", w)
		registerWorker(t, store, run.RunID, workerID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := store.ClaimNext(ctx, run.RunID, workerID, nil)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				prev, dup := claimedBy[item.DocID]
				claimedBy[item.DocID] = workerID
				mu.Unlock()
				if dup {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("document %s claimed by both %s and %s", item.DocID, prev, workerID)
					}
					mu.Unlock()
					return
				}
				if err := store.CompleteItem(ctx, item.QueueID, workerID, "h"); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, firstErr)

	assert.Len(t, claimedBy, docs)

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(docs), got.DocumentsQueued)
	assert.Equal(t, int64(docs), got.DocumentsProcessed)
	assert.Zero(t, got.DocumentsFailed)

	summary, err := store.SummarizeQueue(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(docs), summary.Completed)
	assert.True(t, summary.Drained())
	assert.False(t, summary.ObservedAt.IsZero())

	// Per-worker claims must add up to the document count.
	workers, err := store.ListWorkers(ctx, run.RunID)
	require.NoError(t, err)
	var totalClaimed int64
	for _, w := range workers {
		totalClaimed += w.DocumentsClaimed
	}
	assert.Equal(t, int64(docs), totalClaimed)
}

func TestIntegration_CompleteAndFail(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "outcomes")
	registerWorker(t, store, run.RunID, "w1")
	registerWorker(t, store, run.RunID, "w2")

	t.Run("CompleteIsGuardedAndIdempotent", func(t *testing.T) {
		_, err := store.EnqueueDocument(ctx, newTestItem(run.RunID, "ok.md"))
		require.NoError(t, err)
		item, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
		require.NoError(t, err)
		require.NotNil(t, item)

		// A worker that does not hold the claim cannot complete it.
		err = store.CompleteItem(ctx, item.QueueID, "w2", "h1")
		assert.ErrorIs(t, err, ErrClaimLost)

		require.NoError(t, store.CompleteItem(ctx, item.QueueID, "w1", "h1"))
		// Duplicate report of the same outcome is harmless.
		require.NoError(t, store.CompleteItem(ctx, item.QueueID, "w1", "h1"))

		done, err := store.GetQueueItem(ctx, run.RunID, "ok.md", "docs")
		require.NoError(t, err)
		assert.Equal(t, ItemStatusCompleted, done.Status)
		assert.Equal(t, "h1", done.ContentHash)
		require.NotNil(t, done.CompletedAt)

		workers, err := store.ListWorkers(ctx, run.RunID)
		require.NoError(t, err)
		for _, w := range workers {
			if w.WorkerID == "w1" {
				assert.Equal(t, int64(1), w.DocumentsProcessed)
				assert.GreaterOrEqual(t, w.ProcessingTimeSeconds, 0.0)
			}
		}
	})

	t.Run("TransientFailureRetriesWithBackoff", func(t *testing.T) {
		it := newTestItem(run.RunID, "flaky.md")
		it.MaxRetries = 2
		_, err := store.EnqueueDocument(ctx, it)
		require.NoError(t, err)

		item, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
		require.NoError(t, err)
		require.NotNil(t, item)

		outcome, err := store.FailItem(ctx, item.QueueID, "w1", "connection reset", []byte(`{"attempt":1}`), true, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, FailRetry, outcome)

		failed, err := store.GetQueueItem(ctx, run.RunID, "flaky.md", "docs")
		require.NoError(t, err)
		assert.Equal(t, ItemStatusRetry, failed.Status)
		assert.Equal(t, 1, failed.RetryCount)
		assert.Empty(t, failed.WorkerID)
		assert.Equal(t, "connection reset", failed.ErrorMessage)
		// The backoff is applied on the database clock.
		assert.True(t, failed.ScheduledFor.After(time.Now().Add(20*time.Second)))

		// Not claimable until the backoff elapses.
		empty, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
		require.NoError(t, err)
		assert.Nil(t, empty)

		// Fast-forward, fail again, fast-forward, and exhaust the budget.
		execSQL(t, store, `UPDATE queue_items SET scheduled_for = NOW() WHERE queue_id = $1`, item.QueueID)
		item2, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
		require.NoError(t, err)
		require.NotNil(t, item2)
		assert.Equal(t, item.QueueID, item2.QueueID)
		outcome, err = store.FailItem(ctx, item2.QueueID, "w1", "connection reset", nil, true, time.Second)
		require.NoError(t, err)
		assert.Equal(t, FailRetry, outcome)

		execSQL(t, store, `UPDATE queue_items SET scheduled_for = NOW() WHERE queue_id = $1`, item.QueueID)
		item3, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
		require.NoError(t, err)
		require.NotNil(t, item3)
		outcome, err = store.FailItem(ctx, item3.QueueID, "w1", "connection reset", nil, true, time.Second)
		require.NoError(t, err)
		assert.Equal(t, FailFailed, outcome)

		exhausted, err := store.GetQueueItem(ctx, run.RunID, "flaky.md", "docs")
		require.NoError(t, err)
		assert.Equal(t, ItemStatusFailed, exhausted.Status)
		assert.Equal(t, 3, exhausted.RetryCount)
	})

	t.Run("PermanentFailureSkipsRetries", func(t *testing.T) {
		_, err := store.EnqueueDocument(ctx, newTestItem(run.RunID, "gone.md"))
		require.NoError(t, err)
		item, err := store.ClaimNext(ctx, run.RunID, "w2", nil)
		require.NoError(t, err)
		require.NotNil(t, item)

		outcome, err := store.FailItem(ctx, item.QueueID, "w2", "document deleted upstream", nil, false, 0)
		require.NoError(t, err)
		assert.Equal(t, FailFailed, outcome)

		failed, err := store.GetQueueItem(ctx, run.RunID, "gone.md", "docs")
		require.NoError(t, err)
		assert.Equal(t, ItemStatusFailed, failed.Status)
		assert.Equal(t, failed.MaxRetries, failed.RetryCount)
		// Reporting the same failure again stays a no-op.
		outcome, err = store.FailItem(ctx, item.QueueID, "w2", "document deleted upstream", nil, false, 0)
		require.NoError(t, err)
		assert.Equal(t, FailFailed, outcome)
	})

	t.Run("RunCountersAddUp", func(t *testing.T) {
		got, err := store.GetRun(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.DocumentsQueued)
		assert.Equal(t, int64(1), got.DocumentsProcessed)
		assert.Equal(t, int64(2), got.DocumentsFailed)
		assert.Equal(t, int64(2), got.DocumentsRetried)
		assert.LessOrEqual(t, got.DocumentsProcessed+got.DocumentsFailed, got.DocumentsQueued)

		failedItems, err := store.ListFailedItems(ctx, run.RunID, 0)
		require.NoError(t, err)
		assert.Len(t, failedItems, 2)
	})
}

func TestIntegration_ReclaimStale(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "reclaim")
	registerWorker(t, store, run.RunID, "w1")
	registerWorker(t, store, run.RunID, "w2")

	_, err := store.EnqueueDocument(ctx, newTestItem(run.RunID, "stuck.md"))
	require.NoError(t, err)
	item, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, item)

	// A fresh claim is not stale.
	reclaimed, exhausted, err := store.ReclaimStale(ctx, run.RunID, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Zero(t, exhausted)

	// Simulate the claimer dying mid-document.
	execSQL(t, store, `UPDATE queue_items SET claimed_at = NOW() - interval '30 minutes' WHERE queue_id = $1`, item.QueueID)
	reclaimed, exhausted, err = store.ReclaimStale(ctx, run.RunID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)
	assert.Zero(t, exhausted)

	pending, err := store.GetQueueItem(ctx, run.RunID, "stuck.md", "docs")
	require.NoError(t, err)
	assert.Equal(t, ItemStatusPending, pending.Status)
	assert.Equal(t, 1, pending.RetryCount)
	assert.Empty(t, pending.WorkerID)
	assert.Nil(t, pending.ClaimedAt)

	// Another worker picks it up and the stale worker's late completion
	// must be rejected.
	rescued, err := store.ClaimNext(ctx, run.RunID, "w2", nil)
	require.NoError(t, err)
	require.NotNil(t, rescued)
	err = store.CompleteItem(ctx, item.QueueID, "w1", "late")
	assert.ErrorIs(t, err, ErrClaimLost)
	require.NoError(t, store.CompleteItem(ctx, rescued.QueueID, "w2", "fresh"))

	// An item with no retry budget left is terminally failed by the sweep.
	doomed := newTestItem(run.RunID, "doomed.md")
	doomed.MaxRetries = 0
	_, err = store.EnqueueDocument(ctx, doomed)
	require.NoError(t, err)
	d, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, d)
	execSQL(t, store, `UPDATE queue_items SET claimed_at = NOW() - interval '30 minutes' WHERE queue_id = $1`, d.QueueID)
	reclaimed, exhausted, err = store.ReclaimStale(ctx, run.RunID, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Equal(t, int64(1), exhausted)

	dd, err := store.GetQueueItem(ctx, run.RunID, "doomed.md", "docs")
	require.NoError(t, err)
	assert.Equal(t, ItemStatusFailed, dd.Status)
}

func TestIntegration_LeaderElection(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "leader")
	lease := 60 * time.Second

	// First candidate wins, second loses while the lease is fresh.
	won, err := store.AttemptLeaderElection(ctx, run.RunID, "w1", lease)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = store.AttemptLeaderElection(ctx, run.RunID, "w2", lease)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.LeaderWorkerID)
	require.NotNil(t, got.LeaderElectedAt)
	electedAt := *got.LeaderElectedAt

	// Renewal extends the lease but keeps the original election time.
	won, err = store.AttemptLeaderElection(ctx, run.RunID, "w1", lease)
	require.NoError(t, err)
	assert.True(t, won)
	got, err = store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, electedAt, *got.LeaderElectedAt)

	// Once the lease expires, another candidate can take over.
	execSQL(t, store, `UPDATE runs SET leader_lease_expires = NOW() - interval '1 second' WHERE run_id = $1`, run.RunID)
	won, err = store.AttemptLeaderElection(ctx, run.RunID, "w2", lease)
	require.NoError(t, err)
	assert.True(t, won)
	got, err = store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "w2", got.LeaderWorkerID)
	assert.NotEqual(t, electedAt, *got.LeaderElectedAt)

	// The deposed leader does not get the seat back while w2's lease lives.
	won, err = store.AttemptLeaderElection(ctx, run.RunID, "w1", lease)
	require.NoError(t, err)
	assert.False(t, won)

	// Graceful release hands over immediately.
	require.NoError(t, store.ReleaseLeadership(ctx, run.RunID, "w2"))
	won, err = store.AttemptLeaderElection(ctx, run.RunID, "w1", lease)
	require.NoError(t, err)
	assert.True(t, won)

	// Releasing a seat someone else holds changes nothing.
	require.NoError(t, store.ReleaseLeadership(ctx, run.RunID, "w2"))
	got, err = store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.LeaderWorkerID)
}

func TestIntegration_RunLifecycle(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "lifecycle")
	registerWorker(t, store, run.RunID, "w1")

	_, err := store.EnqueueDocument(ctx, newTestItem(run.RunID, "only.md"))
	require.NoError(t, err)

	// Live work blocks the transition no matter how quiet the run looks.
	execSQL(t, store, `UPDATE runs SET last_activity_at = NOW() - interval '1 minute' WHERE run_id = $1`, run.RunID)
	moved, err := store.MarkProcessingComplete(ctx, run.RunID, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, moved)

	item, err := store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	require.NoError(t, store.CompleteItem(ctx, item.QueueID, "w1", "h"))

	// Drained, but the completion just now counts as activity.
	moved, err = store.MarkProcessingComplete(ctx, run.RunID, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, moved)

	execSQL(t, store, `UPDATE runs SET last_activity_at = NOW() - interval '1 minute' WHERE run_id = $1`, run.RunID)
	moved, err = store.MarkProcessingComplete(ctx, run.RunID, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, moved)

	// The transition is a one-shot compare-and-swap.
	moved, err = store.MarkProcessingComplete(ctx, run.RunID, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, moved)

	// A late discovery revives the run instead of being lost.
	outcome, err := store.EnqueueDocument(ctx, newTestItem(run.RunID, "late.md"))
	require.NoError(t, err)
	assert.Equal(t, EnqueueInserted, outcome)
	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusActive, got.Status)
	assert.Nil(t, got.ProcessingCompletedAt)

	// Drain again and walk the happy path to completed.
	item, err = store.ClaimNext(ctx, run.RunID, "w1", nil)
	require.NoError(t, err)
	require.NoError(t, store.CompleteItem(ctx, item.QueueID, "w1", "h"))
	execSQL(t, store, `UPDATE runs SET last_activity_at = NOW() - interval '1 minute' WHERE run_id = $1`, run.RunID)
	moved, err = store.MarkProcessingComplete(ctx, run.RunID, 10*time.Second)
	require.NoError(t, err)
	require.True(t, moved)

	began, err := store.BeginPostProcessing(ctx, run.RunID, "w1")
	require.NoError(t, err)
	assert.True(t, began)
	// Only one worker gets the post-processing phase.
	began, err = store.BeginPostProcessing(ctx, run.RunID, "w2")
	require.NoError(t, err)
	assert.False(t, began)

	// No new documents once post-processing started.
	_, err = store.EnqueueDocument(ctx, newTestItem(run.RunID, "too-late.md"))
	assert.ErrorIs(t, err, ErrRunNotAccepting)

	// A new leader can adopt a dead post-processor's phase.
	adopted, err := store.TakeOverPostProcessing(ctx, run.RunID, "w2")
	require.NoError(t, err)
	assert.True(t, adopted)
	got, err = store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "w2", got.PostProcessorWorkerID)

	done, err := store.CompleteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, done)
	got, err = store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.IsTerminal())

	// Terminal runs reject further transitions and enqueues.
	done, err = store.CompleteRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.False(t, done)
	failed, err := store.FailRun(ctx, run.RunID, "operator cancel")
	require.NoError(t, err)
	assert.False(t, failed)
	_, err = store.EnqueueDocument(ctx, newTestItem(run.RunID, "way-too-late.md"))
	assert.ErrorIs(t, err, ErrRunNotAccepting)

	// Cancel and abandonment paths on separate runs.
	cancelled := createRun(t, store, "cancelled")
	ok, err := store.FailRun(ctx, cancelled.RunID, "cancelled by operator")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = store.GetRun(ctx, cancelled.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "cancelled by operator", got.StatusReason)

	deserted := createRun(t, store, "deserted")
	ok, err = store.AbandonRun(ctx, deserted.RunID, "no activity for 24h0m0s")
	require.NoError(t, err)
	assert.True(t, ok)
	got, err = store.GetRun(ctx, deserted.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusAbandoned, got.Status)

	// Terminal runs drop out of the default listing.
	live, err := store.ListRuns(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, live)
	all, err := store.ListRuns(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestIntegration_Dependencies(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	run := createRun(t, store, "deps")

	dep := &DocumentDependency{
		RunID:              run.RunID,
		ParentDocID:        "index.md",
		ChildDocID:         "chapter-1.md",
		SourceName:         "docs",
		LinkType:           LinkTypeDiscovered,
		LinkDepth:          1,
		DiscoveredByWorker: "w1",
	}
	require.NoError(t, store.RecordDependency(ctx, dep))
	// The same edge observed again (by anyone) is absorbed.
	dep.DiscoveredByWorker = "w2"
	require.NoError(t, store.RecordDependency(ctx, dep))

	require.NoError(t, store.RecordDependency(ctx, &DocumentDependency{
		RunID:       run.RunID,
		ParentDocID: "index.md",
		ChildDocID:  "appendix.md",
		SourceName:  "docs",
		LinkType:    LinkTypeDiscovered,
		LinkDepth:   3,
	}))

	deps, err := store.ListDependencies(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "appendix.md", deps[0].ChildDocID)
	assert.Equal(t, "chapter-1.md", deps[1].ChildDocID)
	assert.Equal(t, "w1", deps[1].DiscoveredByWorker)
}
