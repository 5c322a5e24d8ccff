package pipeline

import (
	"context"

	"hive.evalgo.org/artifact"
	"hive.evalgo.org/source"
)

// PlainPipeline is the built-in minimal pipeline: the whole payload becomes
// a single text element. No entities, no links.
type PlainPipeline struct{}

func (PlainPipeline) Name() string { return "plain" }

func (PlainPipeline) Process(ctx context.Context, doc source.Document, payload []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Elements: []artifact.Element{{
			ElementID: "text-0",
			Kind:      "text",
			Text:      string(payload),
			Position:  0,
		}},
		ContentHash: source.HashBytes(payload),
	}, nil
}

// NoopDetector is the built-in detector that detects nothing. Used when a
// deployment has no relationship model yet but keeps the post-processing
// phase in place.
type NoopDetector struct{}

func (NoopDetector) Name() string { return "noop" }

func (NoopDetector) Detect(ctx context.Context, runID string) (*DetectionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &DetectionSummary{Detector: "noop"}, nil
}
