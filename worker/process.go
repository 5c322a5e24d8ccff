package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"hive.evalgo.org/artifact"
	"hive.evalgo.org/cache"
	"hive.evalgo.org/db"
	"hive.evalgo.org/otel"
	"hive.evalgo.org/pipeline"
	"hive.evalgo.org/source"
)

// processItem fetches, processes and settles one claimed document. Failures
// are reported to the store (which decides between retry and terminal
// failure); a lost claim means another worker owns the document now, so the
// outcome is logged and dropped.
func (w *Worker) processItem(ctx context.Context, item *db.QueueItem) {
	started := time.Now()
	logger := w.logger.WithFields(logrus.Fields{
		"run_id":   item.RunID,
		"doc_id":   item.DocID,
		"source":   item.SourceName,
		"queue_id": item.QueueID,
	})

	ctx, span := otel.StartSpan(ctx, "hive.process_document",
		attribute.String("run_id", item.RunID),
		attribute.String("doc_id", item.DocID),
		attribute.String("source", item.SourceName),
		attribute.Int("attempt", item.RetryCount),
		attribute.Int("link_depth", item.LinkDepth),
	)
	defer span.End()

	src, ok := w.opts.Sources[item.SourceName]
	if !ok {
		w.failItem(ctx, logger, item,
			fmt.Errorf("source %q is not configured on this worker", item.SourceName), false)
		return
	}

	payload, contentHash, err := w.fetch(ctx, src, item)
	if err != nil {
		span.RecordError(err)
		w.failItem(ctx, logger, item, fmt.Errorf("failed to fetch document: %w", err), !source.IsPermanent(err))
		return
	}

	doc := source.Document{
		ID:           item.DocID,
		ContentHash:  contentHash,
		LastModified: item.LastModified,
		Size:         int64(len(payload)),
	}

	pctx := ctx
	if timeout := w.opts.Config.Pipeline.ProcessTimeout; timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := w.opts.Pipeline.Process(pctx, doc, payload)
	if err != nil {
		span.RecordError(err)
		w.failItem(ctx, logger, item, fmt.Errorf("pipeline %s failed: %w", w.opts.Pipeline.Name(), err), !pipeline.IsPermanent(err))
		return
	}
	if result.ContentHash != "" {
		contentHash = result.ContentHash
	}

	if err := w.storeArtifacts(ctx, item, result); err != nil {
		span.RecordError(err)
		w.failItem(ctx, logger, item, err, true)
		return
	}

	// Settlement runs detached from the loop context: an interrupted worker
	// still records the links and the outcome of work it already finished.
	sctx, settle := settleCtx(ctx)
	defer settle()

	w.recordLinks(sctx, logger, item, result.OutboundLinks)

	if err := w.opts.Store.CompleteItem(sctx, item.QueueID, w.id, contentHash); err != nil {
		if errors.Is(err, db.ErrClaimLost) {
			logger.Warn("Claim was reclaimed while processing; output stands, completion discarded")
			return
		}
		logger.WithError(err).Error("Failed to mark document completed")
		return
	}

	logger.WithFields(logrus.Fields{
		"elapsed":  time.Since(started).Round(time.Millisecond),
		"elements": len(result.Elements),
		"links":    len(result.OutboundLinks),
	}).Info("Processed document")
}

// fetch returns the document payload and its content hash, consulting the
// local cache first. The queue item's content hash is the expected version;
// a cache entry with that hash spares the backend round trip.
func (w *Worker) fetch(ctx context.Context, src source.ContentSource, item *db.QueueItem) ([]byte, string, error) {
	if entry, err := w.opts.Cache.Get(item.SourceName, item.DocID, item.ContentHash); err == nil && entry != nil {
		return entry.Data, entry.ContentHash, nil
	}

	result, err := src.Fetch(ctx, item.DocID)
	if err != nil {
		return nil, "", err
	}
	hash := result.ContentHash
	if hash == "" {
		hash = source.HashBytes(result.Data)
	}

	if err := w.opts.Cache.Put(item.SourceName, item.DocID, cache.Entry{
		ContentHash:  hash,
		LastModified: result.LastModified,
		Size:         int64(len(result.Data)),
		Data:         result.Data,
	}); err != nil {
		w.logger.WithError(err).Debug("Failed to cache document payload")
	}
	return result.Data, hash, nil
}

// storeArtifacts stamps run and document identity onto the pipeline output
// and writes it to the artifact store.
func (w *Worker) storeArtifacts(ctx context.Context, item *db.QueueItem, result *pipeline.Result) error {
	if len(result.Elements) > 0 {
		elements := make([]artifact.Element, len(result.Elements))
		for i, el := range result.Elements {
			el.RunID = item.RunID
			el.DocID = item.DocID
			elements[i] = el
		}
		if err := w.opts.Artifacts.PutElements(ctx, elements); err != nil {
			return fmt.Errorf("failed to store elements: %w", err)
		}
	}
	if len(result.Entities) > 0 {
		entities := make([]artifact.Entity, len(result.Entities))
		for i, en := range result.Entities {
			en.RunID = item.RunID
			en.DocID = item.DocID
			entities[i] = en
		}
		if err := w.opts.Artifacts.PutEntities(ctx, entities); err != nil {
			return fmt.Errorf("failed to store entities: %w", err)
		}
	}
	return nil
}

// recordLinks persists every outbound link of a processed document and
// enqueues the children that fall within the crawl depth budget. Link
// handling is best-effort: the document's own completion never hinges on
// its references.
func (w *Worker) recordLinks(ctx context.Context, logger *logrus.Entry, item *db.QueueItem, links []pipeline.OutboundLink) {
	for _, link := range links {
		sourceName := link.SourceName
		if sourceName == "" {
			sourceName = item.SourceName
		}
		childDepth := item.LinkDepth + 1

		if err := w.opts.Store.RecordDependency(ctx, &db.DocumentDependency{
			RunID:              item.RunID,
			ParentDocID:        item.DocID,
			ChildDocID:         link.DocID,
			SourceName:         sourceName,
			LinkType:           db.LinkTypeDiscovered,
			LinkDepth:          childDepth,
			DiscoveredByWorker: w.id,
		}); err != nil {
			logger.WithError(err).WithField("child", link.DocID).Warn("Failed to record document dependency")
		}

		if childDepth > item.MaxLinkDepth {
			continue
		}

		outcome, err := w.opts.Store.EnqueueDocument(ctx, &db.QueueItem{
			RunID:                item.RunID,
			DocID:                link.DocID,
			SourceName:           sourceName,
			SourceType:           db.SourceTypeLinked,
			ParentDocID:          item.DocID,
			LinkDepth:            childDepth,
			MaxLinkDepth:         item.MaxLinkDepth,
			MaxRetries:           item.MaxRetries,
			Priority:             item.Priority - 1,
			RequiredCapabilities: item.RequiredCapabilities,
		})
		if err != nil {
			if errors.Is(err, db.ErrRunNotAccepting) {
				logger.Debug("Run no longer accepts documents, dropping discovered links")
				return
			}
			logger.WithError(err).WithField("child", link.DocID).Warn("Failed to enqueue discovered document")
			continue
		}
		if outcome == db.EnqueueInserted {
			logger.WithFields(logrus.Fields{"child": link.DocID, "depth": childDepth}).Debug("Enqueued discovered document")
		}
	}
}

// failItem reports a processing failure to the store. willRetry is a
// request, not a promise: the store turns it down once retries are
// exhausted.
func (w *Worker) failItem(ctx context.Context, logger *logrus.Entry, item *db.QueueItem, cause error, willRetry bool) {
	sctx, settle := settleCtx(ctx)
	defer settle()

	retryDelay := RetryBackoff(w.opts.Config.Retry.BackoffBase, w.opts.Config.Retry.BackoffCap, item.RetryCount)
	details, _ := json.Marshal(map[string]any{
		"error":       cause.Error(),
		"permanent":   !willRetry,
		"retry_count": item.RetryCount,
	})

	outcome, err := w.opts.Store.FailItem(sctx, item.QueueID, w.id, cause.Error(), details, willRetry, retryDelay)
	if err != nil {
		if errors.Is(err, db.ErrClaimLost) {
			logger.Warn("Claim was reclaimed while processing; failure report discarded")
			return
		}
		logger.WithError(err).Error("Failed to report document failure")
		return
	}

	if outcome == db.FailRetry {
		logger.WithError(cause).WithField("retry_in", retryDelay).Warn("Document failed, will retry")
		return
	}
	logger.WithError(cause).Error("Document failed permanently")
}

// settleCtx returns the context used to report an item's outcome. It is
// detached from loop cancellation (a shutdown mid-item must not leave the
// claim dangling until the reaper times it out) but keeps the trace values.
func settleCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
