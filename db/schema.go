package db

import (
	"context"
	"fmt"
)

// createTablesSQL creates the coordination schema. Every statement is
// idempotent so that any number of workers can race through schema init at
// startup.
//
// The claim index matches the claim query exactly: eligible items are read
// in (priority DESC, scheduled_for, queue_id) order within one run and
// status. The reaper index serves the stale-claim scan.
const createTablesSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id VARCHAR(16) PRIMARY KEY,
    config_hash VARCHAR(64) NOT NULL UNIQUE,
    config_snapshot JSONB NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    status_reason TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    first_worker_at TIMESTAMPTZ,
    last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processing_completed_at TIMESTAMPTZ,
    post_processing_started_at TIMESTAMPTZ,
    post_processing_completed_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    worker_count INTEGER NOT NULL DEFAULT 0,
    documents_queued BIGINT NOT NULL DEFAULT 0,
    documents_processed BIGINT NOT NULL DEFAULT 0,
    documents_failed BIGINT NOT NULL DEFAULT 0,
    documents_retried BIGINT NOT NULL DEFAULT 0,
    leader_worker_id VARCHAR(255),
    leader_elected_at TIMESTAMPTZ,
    leader_heartbeat TIMESTAMPTZ,
    leader_lease_expires TIMESTAMPTZ,
    post_processor_worker_id VARCHAR(255),
    post_processing_lock_acquired_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS queue_items (
    queue_id BIGSERIAL PRIMARY KEY,
    run_id VARCHAR(16) NOT NULL REFERENCES runs(run_id),
    doc_id TEXT NOT NULL,
    source_name VARCHAR(255) NOT NULL,
    source_type VARCHAR(32) NOT NULL DEFAULT 'configured',
    status VARCHAR(32) NOT NULL DEFAULT 'pending',
    worker_id VARCHAR(255),
    claimed_at TIMESTAMPTZ,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    failed_at TIMESTAMPTZ,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    error_message TEXT,
    error_details JSONB,
    parent_doc_id TEXT,
    link_depth INTEGER NOT NULL DEFAULT 0,
    max_link_depth INTEGER NOT NULL DEFAULT 0,
    content_hash VARCHAR(64),
    last_modified TIMESTAMPTZ,
    file_size BIGINT,
    priority INTEGER NOT NULL DEFAULT 0,
    scheduled_for TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    required_capabilities TEXT[] NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (run_id, doc_id, source_name)
);

CREATE INDEX IF NOT EXISTS idx_queue_items_claim
    ON queue_items (run_id, status, priority DESC, scheduled_for, queue_id);

CREATE INDEX IF NOT EXISTS idx_queue_items_reaper
    ON queue_items (run_id, status, claimed_at);

CREATE TABLE IF NOT EXISTS run_workers (
    run_id VARCHAR(16) NOT NULL REFERENCES runs(run_id),
    worker_id VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL DEFAULT 'active',
    joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    left_at TIMESTAMPTZ,
    documents_claimed BIGINT NOT NULL DEFAULT 0,
    documents_processed BIGINT NOT NULL DEFAULT 0,
    documents_failed BIGINT NOT NULL DEFAULT 0,
    processing_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
    hostname VARCHAR(255),
    process_id INTEGER,
    version VARCHAR(64),
    capabilities TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (run_id, worker_id)
);

CREATE INDEX IF NOT EXISTS idx_run_workers_heartbeat
    ON run_workers (run_id, last_heartbeat);

CREATE TABLE IF NOT EXISTS document_dependencies (
    run_id VARCHAR(16) NOT NULL REFERENCES runs(run_id),
    parent_doc_id TEXT NOT NULL,
    child_doc_id TEXT NOT NULL,
    source_name VARCHAR(255) NOT NULL,
    link_type VARCHAR(32) NOT NULL DEFAULT 'discovered',
    link_depth INTEGER NOT NULL DEFAULT 0,
    discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    discovered_by_worker VARCHAR(255),
    PRIMARY KEY (run_id, parent_doc_id, child_doc_id, source_name)
);
`

// CreateTables creates the coordination tables and indexes if they do not
// exist yet.
func (s *Store) CreateTables(ctx context.Context) error {
	if err := s.db.Exec(ctx, createTablesSQL); err != nil {
		return fmt.Errorf("failed to create coordination tables: %w", err)
	}
	return nil
}
