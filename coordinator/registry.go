package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"hive.evalgo.org/config"
	"hive.evalgo.org/db"
	"hive.evalgo.org/fingerprint"
	"hive.evalgo.org/notify"
	"hive.evalgo.org/source"
)

// Attachment describes the outcome of joining a run.
type Attachment struct {
	Run         *db.Run
	Fingerprint fingerprint.Fingerprint

	// Created is true when this attach created the run row.
	Created bool
	// FirstJoin is true when this worker had never registered in the run.
	FirstJoin bool

	// Seeded and Reopened count what seeding did: newly enqueued documents
	// and completed documents reopened because their content changed.
	Seeded   int
	Reopened int
}

// Registry performs the run rendezvous: it fingerprints the configuration,
// creates or attaches to the matching run, registers the worker and seeds
// the queue from the configured sources. Seeding runs on every attach; the
// store's idempotent enqueue turns repeats into duplicates and changed
// documents into reopens.
type Registry struct {
	store   Store
	sources map[string]source.ContentSource
	events  notify.Publisher
	logger  *logrus.Entry
}

// NewRegistry creates a registry over the given store and built sources.
// The sources map is keyed by configured source name.
func NewRegistry(store Store, sources map[string]source.ContentSource, events notify.Publisher, logger *logrus.Entry) *Registry {
	if events == nil {
		events = notify.NopPublisher{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		store:   store,
		sources: sources,
		events:  events,
		logger:  logger.WithField("component", "registry"),
	}
}

// Attach joins the run identified by the configuration. It returns
// db.ErrRunTerminal (wrapped) when the run has already finished; starting
// a new run over the same documents requires changing the configuration.
func (r *Registry) Attach(ctx context.Context, cfg *config.Config, desc db.WorkerDescriptor) (*Attachment, error) {
	snapshot := cfg.Snapshot()
	fp, err := fingerprint.Compute(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint configuration: %w", err)
	}
	canonical, err := fingerprint.Canonicalize(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize configuration: %w", err)
	}

	run, created, err := r.store.CreateOrAttachRun(ctx, fp, canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to create or attach run: %w", err)
	}
	if run.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s: %w", run.RunID, run.Status, db.ErrRunTerminal)
	}

	firstJoin, err := r.store.RegisterWorker(ctx, run.RunID, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to register worker %s: %w", desc.WorkerID, err)
	}

	att := &Attachment{
		Run:         run,
		Fingerprint: fp,
		Created:     created,
		FirstJoin:   firstJoin,
	}

	logger := r.logger.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"worker_id": desc.WorkerID,
	})
	if created {
		logger.WithField("config_hash", fp.ConfigHash).Info("Created run")
		r.publish(notify.RunEvent{
			RunID:    run.RunID,
			WorkerID: desc.WorkerID,
			Type:     notify.EventRunCreated,
			ToStatus: run.Status,
			Details:  map[string]interface{}{"config_hash": fp.ConfigHash},
		})
	} else {
		logger.WithField("status", run.Status).Info("Attached to existing run")
	}

	if Status(run.Status).AcceptsDocuments() {
		if err := r.seed(ctx, cfg, att); err != nil {
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"seeded":   att.Seeded,
		"reopened": att.Reopened,
	}).Info("Run rendezvous complete")
	r.publish(notify.RunEvent{
		RunID:    run.RunID,
		WorkerID: desc.WorkerID,
		Type:     notify.EventRunAttached,
		ToStatus: run.Status,
		Details: map[string]interface{}{
			"first_join": firstJoin,
			"seeded":     att.Seeded,
			"reopened":   att.Reopened,
		},
	})
	return att, nil
}

// seed enumerates every configured source and enqueues its documents as
// depth-0 configured items. Stops without error when the run leaves the
// accepting statuses mid-seed; whatever is already queued stands.
func (r *Registry) seed(ctx context.Context, cfg *config.Config, att *Attachment) error {
	for _, srcCfg := range cfg.Sources {
		src, ok := r.sources[srcCfg.Name]
		if !ok {
			return fmt.Errorf("source %q is configured but was not built", srcCfg.Name)
		}
		err := src.Enumerate(ctx, func(doc source.Document) error {
			item := &db.QueueItem{
				RunID:                att.Run.RunID,
				DocID:                doc.ID,
				SourceName:           srcCfg.Name,
				SourceType:           db.SourceTypeConfigured,
				ContentHash:          doc.ContentHash,
				LastModified:         doc.LastModified,
				FileSize:             doc.Size,
				MaxRetries:           cfg.Retry.MaxRetries,
				MaxLinkDepth:         cfg.Crawl.MaxLinkDepth,
				Priority:             srcCfg.Priority,
				RequiredCapabilities: srcCfg.RequiredCapabilities,
			}
			outcome, err := r.store.EnqueueDocument(ctx, item)
			if err != nil {
				return err
			}
			switch outcome {
			case db.EnqueueInserted:
				att.Seeded++
			case db.EnqueueReopened:
				att.Reopened++
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, db.ErrRunNotAccepting) {
				r.logger.WithFields(logrus.Fields{
					"run_id": att.Run.RunID,
					"source": srcCfg.Name,
				}).Info("Run stopped accepting documents during seeding")
				return nil
			}
			return fmt.Errorf("failed to seed source %s: %w", srcCfg.Name, err)
		}
	}
	return nil
}

func (r *Registry) publish(event notify.RunEvent) {
	if err := r.events.PublishRunEvent(event); err != nil {
		r.logger.WithError(err).Debug("Failed to publish run event")
	}
}
