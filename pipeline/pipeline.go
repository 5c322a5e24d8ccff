// Package pipeline defines the processing contracts HIVE drives: the
// per-document Pipeline and the per-run RelationshipDetector. The built-in
// implementations are deliberately small (a plain-text pipeline and a no-op
// detector); real parse/embed/detect implementations register themselves
// under their own names.
package pipeline

import (
	"context"
	"time"

	"hive.evalgo.org/artifact"
	"hive.evalgo.org/source"
)

// Result is the output of processing one document. The worker stamps run and
// document identity onto the artifacts before storing them, so pipelines
// only fill element/entity content. Processing must be idempotent: the same
// payload produces the same artifact keys, and the artifact store dedupes
// repeated writes.
type Result struct {
	// Elements are the extracted content pieces
	Elements []artifact.Element

	// Entities are the recognized named entities
	Entities []artifact.Entity

	// OutboundLinks are documents this one references; the worker records
	// and, within the depth budget, enqueues them
	OutboundLinks []OutboundLink

	// ContentHash is the sha256 hex of the processed payload
	ContentHash string
}

// OutboundLink names a document referenced by the one being processed.
type OutboundLink struct {
	// DocID is the referenced document's identifier
	DocID string

	// SourceName is the source the referenced document lives in; empty
	// means the same source as the referencing document
	SourceName string
}

// Pipeline processes one document payload into artifacts and links.
type Pipeline interface {
	// Name returns the registered pipeline name.
	Name() string

	// Process turns a payload into a Result. Implementations must honor
	// ctx cancellation and return a PermanentError for payloads that can
	// never be processed.
	Process(ctx context.Context, doc source.Document, payload []byte) (*Result, error)
}

// DetectionSummary reports what a detector pass over a run produced.
type DetectionSummary struct {
	// Detector is the detector name
	Detector string

	// RelationshipsFound is the number of relationships written
	RelationshipsFound int

	// Elapsed is how long the pass took
	Elapsed time.Duration
}

// RelationshipDetector runs the post-processing detection phase over a
// completed run. Detect must be idempotent and safe to re-run from the
// start: the phase resumes from scratch when its leader dies.
type RelationshipDetector interface {
	// Name returns the registered detector name.
	Name() string

	// Detect scans the run's artifacts and writes relationships.
	Detect(ctx context.Context, runID string) (*DetectionSummary, error)
}
