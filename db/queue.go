package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const itemColumns = `queue_id, run_id, doc_id, source_name, source_type, status,
	COALESCE(worker_id, ''), claimed_at, started_at, completed_at, failed_at,
	retry_count, max_retries, COALESCE(error_message, ''), error_details,
	COALESCE(parent_doc_id, ''), link_depth, max_link_depth,
	COALESCE(content_hash, ''), last_modified, COALESCE(file_size, 0),
	priority, scheduled_for, required_capabilities, created_at`

func scanItem(row pgx.Row) (*QueueItem, error) {
	var it QueueItem
	err := row.Scan(
		&it.QueueID, &it.RunID, &it.DocID, &it.SourceName, &it.SourceType, &it.Status,
		&it.WorkerID, &it.ClaimedAt, &it.StartedAt, &it.CompletedAt, &it.FailedAt,
		&it.RetryCount, &it.MaxRetries, &it.ErrorMessage, &it.ErrorDetails,
		&it.ParentDocID, &it.LinkDepth, &it.MaxLinkDepth,
		&it.ContentHash, &it.LastModified, &it.FileSize,
		&it.Priority, &it.ScheduledFor, &it.RequiredCapabilities, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// EnqueueDocument adds a document to the run's queue, deduplicated on
// (run_id, doc_id, source_name). Outcomes:
//
//   - EnqueueInserted: the document is new to the run.
//   - EnqueueReopened: the document had completed, but item.ContentHash
//     differs from the hash recorded at completion, so the item went back to
//     pending with a fresh retry budget.
//   - EnqueueDuplicate: the document is already tracked and unchanged.
//
// An enqueue into a processing_complete run revives it to active in the same
// transaction. The run row is locked first, which is what makes "revive or
// reject" atomic with respect to the leader's post-processing transition: an
// enqueue either lands before the run enters post_processing (and blocks it
// by reviving), or it observes post_processing and is rejected with
// ErrRunNotAccepting.
func (s *Store) EnqueueDocument(ctx context.Context, item *QueueItem) (EnqueueOutcome, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var runStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE run_id = $1 FOR UPDATE`, item.RunID).Scan(&runStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock run %s: %w", item.RunID, err)
	}
	switch runStatus {
	case RunStatusActive, RunStatusProcessingComplete:
	default:
		return "", fmt.Errorf("run %s is %s: %w", item.RunID, runStatus, ErrRunNotAccepting)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_items (run_id, doc_id, source_name, source_type, parent_doc_id,
			link_depth, max_link_depth, content_hash, last_modified, file_size,
			priority, scheduled_for, max_retries, required_capabilities)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9, $10,
			$11, COALESCE($12::timestamptz, NOW()), $13, $14)
		ON CONFLICT (run_id, doc_id, source_name) DO NOTHING`,
		item.RunID, item.DocID, item.SourceName, item.SourceType, item.ParentDocID,
		item.LinkDepth, item.MaxLinkDepth, item.ContentHash, item.LastModified, item.FileSize,
		item.Priority, nullableTime(item.ScheduledFor), item.MaxRetries, capabilitiesParam(item.RequiredCapabilities))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue document %s: %w", item.DocID, err)
	}

	outcome := EnqueueDuplicate
	if tag.RowsAffected() == 1 {
		outcome = EnqueueInserted
	} else {
		reopened, err := s.reopenIfChanged(ctx, tx, item)
		if err != nil {
			return "", err
		}
		if reopened {
			outcome = EnqueueReopened
		}
	}

	if outcome != EnqueueDuplicate {
		if runStatus == RunStatusProcessingComplete {
			_, err = tx.Exec(ctx, `
				UPDATE runs SET status = 'active', processing_completed_at = NULL,
					documents_queued = documents_queued + 1, last_activity_at = NOW()
				WHERE run_id = $1`, item.RunID)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE runs SET documents_queued = documents_queued + 1, last_activity_at = NOW()
				WHERE run_id = $1`, item.RunID)
		}
		if err != nil {
			return "", fmt.Errorf("failed to update run counters for %s: %w", item.RunID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return outcome, nil
}

// reopenIfChanged implements change detection for an already-tracked
// document: a completed item whose recorded content hash differs from the
// newly observed one returns to the pool with claim state and retry budget
// cleared. The recorded hash is kept until the re-processing completes.
func (s *Store) reopenIfChanged(ctx context.Context, tx pgx.Tx, item *QueueItem) (bool, error) {
	if item.ContentHash == "" {
		return false, nil
	}

	var queueID int64
	var status, storedHash string
	err := tx.QueryRow(ctx, `
		SELECT queue_id, status, COALESCE(content_hash, '')
		FROM queue_items
		WHERE run_id = $1 AND doc_id = $2 AND source_name = $3
		FOR UPDATE`,
		item.RunID, item.DocID, item.SourceName).Scan(&queueID, &status, &storedHash)
	if err != nil {
		return false, fmt.Errorf("failed to inspect document %s: %w", item.DocID, err)
	}

	if status != ItemStatusCompleted || storedHash == item.ContentHash {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE queue_items SET status = 'pending', worker_id = NULL, claimed_at = NULL,
			started_at = NULL, completed_at = NULL, failed_at = NULL,
			retry_count = 0, error_message = NULL, error_details = NULL,
			priority = $2, last_modified = $3, file_size = $4, scheduled_for = NOW()
		WHERE queue_id = $1`,
		queueID, item.Priority, item.LastModified, item.FileSize)
	if err != nil {
		return false, fmt.Errorf("failed to reopen document %s: %w", item.DocID, err)
	}
	return true, nil
}

// ClaimNext atomically claims the highest-priority eligible item for the
// worker, or returns (nil, nil) if nothing is eligible. Eligible means:
// pending or retry, due per scheduled_for on the database clock, and with
// required capabilities covered by the worker's. SKIP LOCKED makes
// concurrent claimers pass over each other instead of queueing up, so no
// two workers can ever claim the same item.
func (s *Store) ClaimNext(ctx context.Context, runID, workerID string, capabilities []string) (*QueueItem, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	item, err := scanItem(tx.QueryRow(ctx, `
		UPDATE queue_items SET status = 'processing', worker_id = $2, claimed_at = NOW(), started_at = NOW()
		WHERE queue_id = (
			SELECT queue_id FROM queue_items
			WHERE run_id = $1 AND status IN ('pending', 'retry') AND scheduled_for <= NOW()
			  AND required_capabilities <@ $3::text[]
			ORDER BY priority DESC, scheduled_for ASC, queue_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+itemColumns,
		runID, workerID, capabilitiesParam(capabilities)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim next item for run %s: %w", runID, err)
	}

	_, err = tx.Exec(ctx, `UPDATE runs SET last_activity_at = NOW() WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to update run activity for %s: %w", runID, err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE run_workers SET documents_claimed = documents_claimed + 1
		WHERE run_id = $1 AND worker_id = $2`, runID, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to update worker counters for %s: %w", workerID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return item, nil
}

// CompleteItem marks a claimed item completed and records the content hash
// of what was processed. The update is guarded on (worker_id, status =
// processing): if the reaper reclaimed the item in the meantime, the caller
// gets ErrClaimLost and must discard its result. Reporting completion twice
// for the same claim is a no-op.
func (s *Store) CompleteItem(ctx context.Context, queueID int64, workerID, contentHash string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var runID string
	var processingSeconds float64
	err = tx.QueryRow(ctx, `
		UPDATE queue_items SET status = 'completed', completed_at = NOW(),
			content_hash = COALESCE(NULLIF($3, ''), content_hash),
			error_message = NULL, error_details = NULL
		WHERE queue_id = $1 AND worker_id = $2 AND status = 'processing'
		RETURNING run_id, GREATEST(EXTRACT(EPOCH FROM (NOW() - started_at)), 0)`,
		queueID, workerID, contentHash).Scan(&runID, &processingSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.classifyLostClaim(ctx, tx, queueID, workerID, ItemStatusCompleted)
	}
	if err != nil {
		return fmt.Errorf("failed to complete item %d: %w", queueID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE runs SET documents_processed = documents_processed + 1, last_activity_at = NOW()
		WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to update run counters for %s: %w", runID, err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE run_workers SET documents_processed = documents_processed + 1,
			processing_time_seconds = processing_time_seconds + $3
		WHERE run_id = $1 AND worker_id = $2`, runID, workerID, processingSeconds)
	if err != nil {
		return fmt.Errorf("failed to update worker counters for %s: %w", workerID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// classifyLostClaim distinguishes a duplicate report (same worker, item
// already in the reported state: harmless) from a genuinely lost claim.
func (s *Store) classifyLostClaim(ctx context.Context, tx pgx.Tx, queueID int64, workerID, reportedStatus string) error {
	var status, holder string
	err := tx.QueryRow(ctx, `
		SELECT status, COALESCE(worker_id, '') FROM queue_items WHERE queue_id = $1`,
		queueID).Scan(&status, &holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("item %d does not exist: %w", queueID, ErrClaimLost)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect item %d: %w", queueID, err)
	}
	if status == reportedStatus && holder == workerID {
		return tx.Commit(ctx)
	}
	return fmt.Errorf("item %d is %s (held by %q): %w", queueID, status, holder, ErrClaimLost)
}

// FailItem records a processing failure for a claimed item. When willRetry
// is true and the retry budget allows it, the item moves to retry and
// becomes claimable again after retryDelay (applied on the database clock).
// Otherwise the item is terminally failed; a permanent failure consumes the
// whole retry budget so later reclaims cannot resurrect it.
//
// Like CompleteItem, the claim is verified first: ErrClaimLost means the
// reaper got there before the report.
func (s *Store) FailItem(ctx context.Context, queueID int64, workerID, errMsg string, details []byte, willRetry bool, retryDelay time.Duration) (FailOutcome, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var runID, status, holder string
	var retryCount, maxRetries int
	err = tx.QueryRow(ctx, `
		SELECT run_id, status, COALESCE(worker_id, ''), retry_count, max_retries
		FROM queue_items WHERE queue_id = $1 FOR UPDATE`,
		queueID).Scan(&runID, &status, &holder, &retryCount, &maxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("item %d does not exist: %w", queueID, ErrClaimLost)
	}
	if err != nil {
		return "", fmt.Errorf("failed to inspect item %d: %w", queueID, err)
	}
	if status == ItemStatusFailed && holder == workerID {
		return FailFailed, tx.Commit(ctx)
	}
	if status != ItemStatusProcessing || holder != workerID {
		return "", fmt.Errorf("item %d is %s (held by %q): %w", queueID, status, holder, ErrClaimLost)
	}

	attempt := retryCount + 1
	if willRetry && attempt <= maxRetries {
		_, err = tx.Exec(ctx, `
			UPDATE queue_items SET status = 'retry', retry_count = retry_count + 1,
				error_message = $2, error_details = $3, failed_at = NOW(),
				worker_id = NULL, claimed_at = NULL, started_at = NULL,
				scheduled_for = NOW() + make_interval(secs => $4)
			WHERE queue_id = $1`,
			queueID, errMsg, jsonParam(details), retryDelay.Seconds())
		if err != nil {
			return "", fmt.Errorf("failed to schedule retry for item %d: %w", queueID, err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE runs SET documents_retried = documents_retried + 1, last_activity_at = NOW()
			WHERE run_id = $1`, runID)
		if err != nil {
			return "", fmt.Errorf("failed to update run counters for %s: %w", runID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("failed to commit transaction: %w", err)
		}
		return FailRetry, nil
	}

	finalCount := attempt
	if !willRetry {
		finalCount = maxRetries
		if retryCount > finalCount {
			finalCount = retryCount
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE queue_items SET status = 'failed', retry_count = $2,
			error_message = $3, error_details = $4, failed_at = NOW()
		WHERE queue_id = $1`,
		queueID, finalCount, errMsg, jsonParam(details))
	if err != nil {
		return "", fmt.Errorf("failed to mark item %d failed: %w", queueID, err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE runs SET documents_failed = documents_failed + 1, last_activity_at = NOW()
		WHERE run_id = $1`, runID)
	if err != nil {
		return "", fmt.Errorf("failed to update run counters for %s: %w", runID, err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE run_workers SET documents_failed = documents_failed + 1
		WHERE run_id = $1 AND worker_id = $2`, runID, workerID)
	if err != nil {
		return "", fmt.Errorf("failed to update worker counters for %s: %w", workerID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return FailFailed, nil
}

// ReclaimStale sweeps claims older than claimTimeout. Items with retry
// budget left return to pending with an incremented retry_count; items
// without are terminally failed. Returns (reclaimed, exhausted) counts.
//
// Staleness is judged on claimed_at against the database clock, so a worker
// with a wildly wrong local clock can neither dodge the sweep nor trigger it
// early.
func (s *Store) ReclaimStale(ctx context.Context, runID string, claimTimeout time.Duration) (int64, int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	secs := claimTimeout.Seconds()

	exhaustedTag, err := tx.Exec(ctx, `
		UPDATE queue_items SET status = 'failed', retry_count = retry_count + 1, failed_at = NOW(),
			error_message = 'claim timed out; retry budget exhausted'
		WHERE run_id = $1 AND status = 'processing'
		  AND claimed_at < NOW() - make_interval(secs => $2)
		  AND retry_count + 1 > max_retries`,
		runID, secs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fail exhausted stale claims for run %s: %w", runID, err)
	}
	exhausted := exhaustedTag.RowsAffected()

	reclaimedTag, err := tx.Exec(ctx, `
		UPDATE queue_items SET status = 'pending', retry_count = retry_count + 1,
			worker_id = NULL, claimed_at = NULL, started_at = NULL,
			error_message = 'claim timed out; returned to pool', scheduled_for = NOW()
		WHERE run_id = $1 AND status = 'processing'
		  AND claimed_at < NOW() - make_interval(secs => $2)`,
		runID, secs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reclaim stale claims for run %s: %w", runID, err)
	}
	reclaimed := reclaimedTag.RowsAffected()

	if exhausted > 0 || reclaimed > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE runs SET documents_failed = documents_failed + $2,
				documents_retried = documents_retried + $3, last_activity_at = NOW()
			WHERE run_id = $1`, runID, exhausted, reclaimed)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to update run counters for %s: %w", runID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return reclaimed, exhausted, nil
}

// SummarizeQueue counts the run's queue items per status in one statement.
func (s *Store) SummarizeQueue(ctx context.Context, runID string) (QueueSummary, error) {
	var sum QueueSummary
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'retry'),
			NOW()
		FROM queue_items WHERE run_id = $1`,
		runID).Scan(&sum.Pending, &sum.Processing, &sum.Completed, &sum.Failed, &sum.Retry, &sum.ObservedAt)
	if err != nil {
		return QueueSummary{}, fmt.Errorf("failed to summarize queue for run %s: %w", runID, err)
	}
	return sum, nil
}

// RecordDependency stores one observed parent→child link. Duplicate
// observations of the same edge are absorbed by the primary key.
func (s *Store) RecordDependency(ctx context.Context, dep *DocumentDependency) error {
	err := s.db.Exec(ctx, `
		INSERT INTO document_dependencies (run_id, parent_doc_id, child_doc_id, source_name,
			link_type, link_depth, discovered_by_worker)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT (run_id, parent_doc_id, child_doc_id, source_name) DO NOTHING`,
		dep.RunID, dep.ParentDocID, dep.ChildDocID, dep.SourceName,
		dep.LinkType, dep.LinkDepth, dep.DiscoveredByWorker)
	if err != nil {
		return fmt.Errorf("failed to record dependency %s -> %s: %w", dep.ParentDocID, dep.ChildDocID, err)
	}
	return nil
}

// ListDependencies returns all recorded links of a run.
func (s *Store) ListDependencies(ctx context.Context, runID string) ([]*DocumentDependency, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, parent_doc_id, child_doc_id, source_name, link_type, link_depth,
			discovered_at, COALESCE(discovered_by_worker, '')
		FROM document_dependencies WHERE run_id = $1
		ORDER BY parent_doc_id, child_doc_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies for run %s: %w", runID, err)
	}
	defer rows.Close()

	var deps []*DocumentDependency
	for rows.Next() {
		var d DocumentDependency
		if err := rows.Scan(&d.RunID, &d.ParentDocID, &d.ChildDocID, &d.SourceName,
			&d.LinkType, &d.LinkDepth, &d.DiscoveredAt, &d.DiscoveredByWorker); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// ListFailedItems returns the run's terminally failed items, most recent
// failures first.
func (s *Store) ListFailedItems(ctx context.Context, runID string, limit int) ([]*QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE run_id = $1 AND status = 'failed'
		ORDER BY failed_at DESC
		LIMIT $2`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed items for run %s: %w", runID, err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetQueueItem loads one item by its logical key.
func (s *Store) GetQueueItem(ctx context.Context, runID, docID, sourceName string) (*QueueItem, error) {
	item, err := scanItem(s.db.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE run_id = $1 AND doc_id = $2 AND source_name = $3`,
		runID, docID, sourceName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("item %s/%s not found in run %s", sourceName, docID, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s/%s: %w", sourceName, docID, err)
	}
	return item, nil
}

// nullableTime maps the zero time to NULL so column defaults apply.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// capabilitiesParam never passes nil so the text[] parameter stays NOT NULL.
func capabilitiesParam(caps []string) []string {
	if caps == nil {
		return []string{}
	}
	return caps
}

// jsonParam maps empty details to NULL instead of invalid empty JSON.
func jsonParam(details []byte) []byte {
	if len(details) == 0 {
		return nil
	}
	return details
}
