// Package worker runs the per-process ingestion loop: attach to the run,
// claim documents, invoke the pipeline, feed discovered links back into the
// queue, and drive the run lifecycle while holding leadership.
package worker

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// DeriveIdentity returns the worker identity for this process. An explicit
// override (worker.id in the configuration, or the WORKER_ID environment
// variable bound to it) wins; otherwise hostname:pid, which is stable across
// heartbeats and readable in the worker table. The UUID fallback only fires
// when even the hostname is unavailable.
func DeriveIdentity(override string) string {
	if override != "" {
		return override
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}
