// Package coordinator implements the shared-nothing coordination protocol:
// workers rendezvous on a run derived from their configuration fingerprint,
// elect a leader through database leases, and the leader drives the run
// lifecycle from active through post-processing to a terminal status.
//
// All coordination state lives in the coordination database. Workers never
// talk to each other; every decision is a compare-and-swap against a run row
// observed on the database clock.
package coordinator

import "hive.evalgo.org/db"

// Status represents a run's lifecycle status.
type Status string

const (
	StatusActive             Status = db.RunStatusActive
	StatusProcessingComplete Status = db.RunStatusProcessingComplete
	StatusPostProcessing     Status = db.RunStatusPostProcessing
	StatusCompleted          Status = db.RunStatusCompleted
	StatusFailed             Status = db.RunStatusFailed
	StatusAbandoned          Status = db.RunStatusAbandoned
)

// ValidTransitions defines which status transitions are allowed. The store's
// guarded updates enforce the same edges in SQL; this map is the readable
// form of that contract. processing_complete can move back to active because
// a late enqueue reopens the run.
var ValidTransitions = map[Status][]Status{
	StatusActive:             {StatusProcessingComplete, StatusFailed, StatusAbandoned},
	StatusProcessingComplete: {StatusPostProcessing, StatusActive, StatusFailed, StatusAbandoned},
	StatusPostProcessing:     {StatusCompleted, StatusFailed},
	// Terminal states: completed, failed, abandoned (no transitions out)
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// IsActive returns true if the run still has a live lifecycle.
func (s Status) IsActive() bool {
	return s == StatusActive || s == StatusProcessingComplete || s == StatusPostProcessing
}

// AcceptsDocuments returns true if new documents may still be enqueued.
// Enqueueing into a processing_complete run moves it back to active.
func (s Status) AcceptsDocuments() bool {
	return s == StatusActive || s == StatusProcessingComplete
}

// CanTransitionTo checks if a transition to the target status is valid.
func (s Status) CanTransitionTo(target Status) bool {
	validTargets, ok := ValidTransitions[s]
	if !ok {
		return false
	}
	for _, valid := range validTargets {
		if valid == target {
			return true
		}
	}
	return false
}
