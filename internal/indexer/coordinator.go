package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"lorebase/features/document"
)

// Point is one vector bound for the index, keyed by the chunk id.
type Point struct {
	ID         string
	Vector     []float32
	Content    string
	KBID       string
	DocumentID string
	ChunkIndex int
	Heading    string
	Importance string
	Annotated  bool
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

type VectorIndex interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// RecordStore is the slice of the document repository the coordinator
// needs.
type RecordStore interface {
	InsertChunks(ctx context.Context, chunks []document.Chunk) error
	MarkChunksVectorized(ctx context.Context, chunkIDs []string) error
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	ListUnvectorizedChunks(ctx context.Context, limit int) ([]document.Chunk, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]document.Document, error)
	Get(ctx context.Context, id string) (*document.Document, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id, status, reason string) error
}

// ChunkFailure records one chunk that could not be indexed. Failures are
// per-item: siblings keep going.
type ChunkFailure struct {
	ChunkID  string
	Position int
	Reason   string
}

type IndexResult struct {
	Succeeded      int
	VectorsIndexed int
	Failed         []ChunkFailure
}

const (
	DefaultEmbedBatchSize  = 32
	DefaultUpsertBatchSize = 500
	DefaultConcurrency     = 2
	maxEmbedAttempts       = 3
)

// Coordinator keeps the record store and the vector index in sync. Chunk
// rows are persisted before their vectors: reconciliation can always find a
// row with no vector and retry, never an orphaned vector.
type Coordinator struct {
	records     RecordStore
	index       VectorIndex
	embedder    Embedder
	cache       *embedCache
	batchSize   int
	upsertSize  int
	concurrency int
	timeout     time.Duration
}

type Config struct {
	EmbedBatchSize  int
	UpsertBatchSize int
	Concurrency     int
	EmbedTimeout    time.Duration
}

func NewCoordinator(records RecordStore, index VectorIndex, embedder Embedder, cfg Config) *Coordinator {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if cfg.UpsertBatchSize <= 0 {
		cfg.UpsertBatchSize = DefaultUpsertBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 60 * time.Second
	}
	return &Coordinator{
		records:     records,
		index:       index,
		embedder:    embedder,
		cache:       newEmbedCache(4096),
		batchSize:   cfg.EmbedBatchSize,
		upsertSize:  cfg.UpsertBatchSize,
		concurrency: cfg.Concurrency,
		timeout:     cfg.EmbedTimeout,
	}
}

// Index embeds and indexes a document's chunks. Rows are written first;
// embedding batches then run with bounded concurrency, and vectors are
// upserted in idempotent sub-batches keyed by chunk id.
func (c *Coordinator) Index(ctx context.Context, doc *document.Document, chunks []document.Chunk) (*IndexResult, error) {
	if len(chunks) == 0 {
		return &IndexResult{}, nil
	}

	if err := c.records.InsertChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("persist chunk records: %w", err)
	}

	result := &IndexResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.concurrency)

	for start := 0; start < len(chunks); start += c.batchSize {
		// Batch boundaries are safe points: once the caller's context is
		// cancelled no new batch starts, but batches already in flight run
		// their provider calls to completion on their own timeouts.
		if err := ctx.Err(); err != nil {
			mu.Lock()
			for _, chunk := range chunks[start:] {
				result.Failed = append(result.Failed, ChunkFailure{ChunkID: chunk.ID, Position: chunk.Position, Reason: err.Error()})
			}
			mu.Unlock()
			break
		}

		end := start + c.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			indexed, failures := c.indexBatch(ctx, doc, batch)
			mu.Lock()
			result.Succeeded += len(batch) - len(failures)
			result.VectorsIndexed += indexed
			result.Failed = append(result.Failed, failures...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	return result, nil
}

// indexBatch embeds one batch (cache hits skip the provider) and upserts
// the vectors. A batch whose embedding ultimately fails marks only its own
// chunks failed.
func (c *Coordinator) indexBatch(ctx context.Context, doc *document.Document, batch []document.Chunk) (int, []ChunkFailure) {
	vectors := make([][]float32, len(batch))
	var missIdx []int
	var missTexts []string

	for i, chunk := range batch {
		if vec, ok := c.cache.get(chunk.Content, c.embedder.Model()); ok {
			vectors[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, chunk.Content)
	}

	if len(missTexts) > 0 {
		embedded, err := c.embedWithRetry(ctx, missTexts)
		if err != nil {
			failures := make([]ChunkFailure, 0, len(batch))
			for _, chunk := range batch {
				failures = append(failures, ChunkFailure{ChunkID: chunk.ID, Position: chunk.Position, Reason: err.Error()})
			}
			slog.ErrorContext(ctx, "embedding batch failed permanently", "error", err, "document_id", doc.ID, "chunks", len(batch))
			return 0, failures
		}
		for j, i := range missIdx {
			vectors[i] = embedded[j]
			c.cache.put(batch[i].Content, c.embedder.Model(), embedded[j])
		}
	}

	points := make([]Point, len(batch))
	ids := make([]string, len(batch))
	for i, chunk := range batch {
		points[i] = Point{
			ID:         chunk.ID,
			Vector:     vectors[i],
			Content:    chunk.Content,
			KBID:       chunk.KBID,
			DocumentID: chunk.DocumentID,
			ChunkIndex: chunk.Position,
			Heading:    chunk.Heading,
			Importance: doc.Importance,
			Annotated:  doc.Annotated,
		}
		ids[i] = chunk.ID
	}

	indexed := 0
	var failures []ChunkFailure
	for start := 0; start < len(points); start += c.upsertSize {
		end := start + c.upsertSize
		if end > len(points) {
			end = len(points)
		}
		sub := points[start:end]

		if err := c.upsertWithRetry(ctx, sub); err != nil {
			slog.ErrorContext(ctx, "vector upsert failed", "error", err, "document_id", doc.ID, "vectors", len(sub))
			for _, p := range sub {
				failures = append(failures, ChunkFailure{ChunkID: p.ID, Position: p.ChunkIndex, Reason: err.Error()})
			}
			continue
		}
		indexed += len(sub)
		if err := c.records.MarkChunksVectorized(ctx, ids[start:end]); err != nil {
			// Rows stay vectorized=false; the sweep re-upserts them, which
			// is safe because upsert is idempotent by chunk id.
			slog.WarnContext(ctx, "failed to mark chunks vectorized", "error", err, "document_id", doc.ID)
		}
	}

	return indexed, failures
}

// embedWithRetry shields the provider call from the caller's cancellation:
// an attempt already on the wire completes (or hits its own timeout), and
// cancellation is honoured between attempts via the backoff context.
func (c *Coordinator) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	operation := func() error {
		embedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		vectors, err := c.embedder.EmbedBatch(embedCtx, texts)
		if err != nil {
			return err
		}
		out = vectors
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxEmbedAttempts-1)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) upsertWithRetry(ctx context.Context, points []Point) error {
	operation := func() error {
		upsertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.index.Upsert(upsertCtx, points)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxEmbedAttempts-1)
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// PurgeChunks drops a document's chunks from both stores but keeps the
// document row, which re-indexing needs. Vector-first, same as deletion.
func (c *Coordinator) PurgeChunks(ctx context.Context, documentID string) error {
	if err := c.index.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("purge vectors: %w", err)
	}
	return c.records.DeleteChunksByDocument(ctx, documentID)
}

// DeleteDocument removes a document and its chunks. Vector deletion runs
// first; the relational rows are only removed once it succeeds. On failure
// the document is parked as pending_deletion for the sweep, so search can
// never return a vector whose record is already gone.
func (c *Coordinator) DeleteDocument(ctx context.Context, documentID string) error {
	if err := c.index.DeleteByDocument(ctx, documentID); err != nil {
		if updateErr := c.records.UpdateStatus(ctx, documentID, document.StatusPendingDeletion, err.Error()); updateErr != nil {
			slog.ErrorContext(ctx, "failed to mark document pending_deletion", "error", updateErr, "document_id", documentID)
		}
		return fmt.Errorf("vector delete failed, document parked for reconciliation: %w", err)
	}

	if err := c.records.DeleteChunksByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete chunk records: %w", err)
	}
	return c.records.Delete(ctx, documentID)
}
