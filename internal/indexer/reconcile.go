package indexer

import (
	"context"
	"log/slog"

	"lorebase/features/document"
)

const sweepBatchLimit = 200

// Reconcile repairs the two known divergence states between the record
// store and the vector index: documents parked as pending_deletion whose
// vector delete must be retried, and chunk rows whose vector upsert never
// landed. It is safe to run concurrently with normal indexing because
// upserts and deletes are idempotent.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	if err := c.sweepPendingDeletions(ctx); err != nil {
		return err
	}
	return c.sweepUnvectorized(ctx)
}

func (c *Coordinator) sweepPendingDeletions(ctx context.Context) error {
	docs, err := c.records.ListByStatus(ctx, document.StatusPendingDeletion, sweepBatchLimit)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.index.DeleteByDocument(ctx, doc.ID); err != nil {
			slog.WarnContext(ctx, "reconcile: vector delete still failing", "error", err, "document_id", doc.ID)
			continue
		}
		if err := c.records.DeleteChunksByDocument(ctx, doc.ID); err != nil {
			slog.ErrorContext(ctx, "reconcile: chunk row delete failed", "error", err, "document_id", doc.ID)
			continue
		}
		if err := c.records.Delete(ctx, doc.ID); err != nil {
			slog.ErrorContext(ctx, "reconcile: document row delete failed", "error", err, "document_id", doc.ID)
			continue
		}
		slog.InfoContext(ctx, "reconcile: completed deferred deletion", "document_id", doc.ID)
	}
	return nil
}

// sweepUnvectorized re-embeds and upserts chunk rows that have no vector.
// Grouped per document so importance metadata rides along.
func (c *Coordinator) sweepUnvectorized(ctx context.Context) error {
	chunks, err := c.records.ListUnvectorizedChunks(ctx, sweepBatchLimit)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	byDoc := make(map[string][]document.Chunk)
	for _, chunk := range chunks {
		byDoc[chunk.DocumentID] = append(byDoc[chunk.DocumentID], chunk)
	}

	for docID, group := range byDoc {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := c.records.Get(ctx, docID)
		if err != nil {
			slog.WarnContext(ctx, "reconcile: skipping chunks of unknown document", "error", err, "document_id", docID)
			continue
		}
		if doc.Status == document.StatusPendingDeletion {
			continue
		}
		indexed, failures := c.indexBatch(ctx, doc, group)
		slog.InfoContext(ctx, "reconcile: re-indexed unvectorized chunks",
			"document_id", docID, "indexed", indexed, "failed", len(failures))
	}
	return nil
}
