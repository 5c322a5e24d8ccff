package db

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors returned by the coordination store. Callers decide policy
// (exit, log, retry); the store only classifies.
var (
	// ErrRunNotFound is returned when the requested run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal is returned when an operation requires a live run but
	// the run has already reached completed, failed or abandoned.
	ErrRunTerminal = errors.New("run is in a terminal status")

	// ErrRunNotAccepting is returned when a document is enqueued into a run
	// that has left the enqueue-accepting statuses (active and
	// processing_complete). The document is dropped by the caller.
	ErrRunNotAccepting = errors.New("run no longer accepts documents")

	// ErrClaimLost is returned when a worker reports a result for an item it
	// no longer holds: the reaper reclaimed the claim, or another worker has
	// since re-processed the item. The result must be discarded.
	ErrClaimLost = errors.New("claim is no longer held by this worker")

	// ErrWorkerNotFound is returned when a heartbeat or counter update names
	// a worker that never registered for the run.
	ErrWorkerNotFound = errors.New("worker is not registered for this run")
)

// transientPgCodes are PostgreSQL error classes and codes that indicate a
// temporary condition: the same statement can succeed on a later attempt
// without any change to the data.
var transientPgCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// IsTransient reports whether err is worth retrying with backoff. Anything
// not recognized here is treated as permanent by callers: a failed document
// consumes a retry, a failed startup exits.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientPgCodes[pgErr.Code] {
			return true
		}
		// Class 08: connection exceptions.
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			return true
		}
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	return false
}
