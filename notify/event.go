// Package notify publishes run lifecycle events to RabbitMQ so that
// operators and downstream systems can follow runs without polling the
// coordination database. Publishing is strictly best-effort: coordination
// decisions never depend on an event having been delivered.
package notify

import "time"

// Event types carried in RunEvent.Type.
const (
	EventRunCreated             = "run_created"
	EventRunAttached            = "run_attached"
	EventStatusChanged          = "status_changed"
	EventPostProcessingStarted  = "post_processing_started"
	EventPostProcessingFinished = "post_processing_finished"
)

// RunEvent is one observation about a run, emitted by the worker that made
// or witnessed it. EventID and OccurredAt are filled by the publisher when
// left empty.
type RunEvent struct {
	EventID    string                 `json:"event_id"`
	RunID      string                 `json:"run_id"`
	WorkerID   string                 `json:"worker_id,omitempty"`
	Type       string                 `json:"type"`
	FromStatus string                 `json:"from_status,omitempty"`
	ToStatus   string                 `json:"to_status,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Publisher delivers run events. Implementations must be safe for
// concurrent use by the worker loop and the lifecycle controller.
type Publisher interface {
	// PublishRunEvent publishes one event. Returns an error if
	// serialization or delivery fails; callers log and move on.
	PublishRunEvent(event RunEvent) error

	// Close releases the underlying connection.
	Close() error
}

// NopPublisher drops all events. Used when no events.url is configured.
type NopPublisher struct{}

func (NopPublisher) PublishRunEvent(RunEvent) error { return nil }
func (NopPublisher) Close() error                   { return nil }
