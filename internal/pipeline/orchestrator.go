package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"lorebase/features/document"
	"lorebase/features/kb"
	"lorebase/features/run"
	"lorebase/internal/adapter/scrape"
	"lorebase/internal/chunking"
	"lorebase/internal/config"
	"lorebase/internal/indexer"
)

// Progress checkpoints per stage. Within a run progress only moves forward;
// the repository enforces monotonicity with GREATEST.
var stageProgress = map[string]int{
	run.StageScraping:  10,
	run.StageParsing:   30,
	run.StageChunking:  50,
	run.StageEmbedding: 70,
	run.StageIndexing:  90,
}

const cancelPollInterval = 500 * time.Millisecond

type RunStore interface {
	Get(ctx context.Context, id string) (*run.Run, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id, stage string, progress int, stats run.Stats) error
	Finish(ctx context.Context, id, status, reason string, stats run.Stats) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

type KBStore interface {
	Get(ctx context.Context, id string) (*kb.KnowledgeBase, error)
	UpdateStatus(ctx context.Context, id, status, reason string) error
	UpdateCounts(ctx context.Context, id string, documents, chunks int) error
}

type DocStore interface {
	BulkCreate(ctx context.Context, docs []document.Document) ([]string, error)
	ListByKB(ctx context.Context, kbID string) ([]document.Document, error)
	UpdateStatus(ctx context.Context, id, status, reason string) error
	UpdateCounts(ctx context.Context, id string, words, chars, chunks int) error
}

type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*scrape.Page, error)
}

// DocumentIndexer is the indexing coordinator surface the pipeline drives.
type DocumentIndexer interface {
	Index(ctx context.Context, doc *document.Document, chunks []document.Chunk) (*indexer.IndexResult, error)
	PurgeChunks(ctx context.Context, documentID string) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// ResultPayload is the run.result message body announcing a terminal run.
type ResultPayload struct {
	RunID  string    `json:"run_id"`
	KBID   string    `json:"kb_id"`
	Status string    `json:"status"`
	Reason string    `json:"reason,omitempty"`
	Stats  run.Stats `json:"stats"`
}

// Orchestrator executes one pipeline run end to end: scraping, parsing,
// chunking, embedding and indexing. Each source document fails alone; the
// run keeps going as long as any document is still viable.
type Orchestrator struct {
	runs     RunStore
	kbs      KBStore
	docs     DocStore
	fetcher  PageFetcher
	indexer  DocumentIndexer
	events   EventPublisher // optional, announces terminal runs on run.result
	pollEach time.Duration
}

func NewOrchestrator(runs RunStore, kbs KBStore, docs DocStore, fetcher PageFetcher, idx DocumentIndexer, events EventPublisher) *Orchestrator {
	return &Orchestrator{
		runs:     runs,
		kbs:      kbs,
		docs:     docs,
		fetcher:  fetcher,
		indexer:  idx,
		events:   events,
		pollEach: cancelPollInterval,
	}
}

// execution carries the mutable state of one run through its stages.
type execution struct {
	run     *run.Run
	kb      *kb.KnowledgeBase
	docs    []document.Document
	content map[string]string          // docID -> text ready for chunking
	chunks  map[string][]document.Chunk // docID -> chunks awaiting indexing
	failed  map[string]string          // docID -> reason
	stats   run.Stats
}

// Execute runs a queued pipeline run to a terminal status. It is the only
// writer of the run's status and of the knowledge base's status while the
// run is alive.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	r, err := o.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if r.Terminal() {
		slog.InfoContext(ctx, "run already terminal, skipping", "run_id", runID, "status", r.Status)
		return nil
	}

	knowledgeBase, err := o.kbs.Get(ctx, r.KBID)
	if err != nil {
		o.finish(ctx, r, run.StatusFailed, fmt.Sprintf("knowledge base lookup failed: %v", err), run.Stats{})
		return err
	}

	docs, err := o.docs.ListByKB(ctx, r.KBID)
	if err != nil {
		o.finish(ctx, r, run.StatusFailed, fmt.Sprintf("document listing failed: %v", err), run.Stats{})
		return err
	}

	if err := o.runs.MarkRunning(ctx, runID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	slog.InfoContext(ctx, "run started", "run_id", runID, "kb_id", r.KBID, "documents", len(docs), "reindex", r.Reindex)

	// Cancellation is cooperative: a watcher polls the cancel flag and
	// cancels the stage context, which the stages observe between
	// documents and between batches. Calls already on the wire to an
	// external provider complete on their own timeouts; the run settles
	// as cancelled at the next safe point.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	watcherDone := make(chan struct{})
	go o.watchCancel(runCtx, runID, cancelRun, watcherDone)

	exec := &execution{
		run:     r,
		kb:      knowledgeBase,
		docs:    docs,
		content: make(map[string]string),
		chunks:  make(map[string][]document.Chunk),
		failed:  make(map[string]string),
		stats:   run.Stats{SourcesTotal: len(docs)},
	}

	stages := []struct {
		name string
		fn   func(context.Context, *execution) error
	}{
		{run.StageScraping, o.stageScrape},
		{run.StageParsing, o.stageParse},
		{run.StageChunking, o.stageChunk},
		{run.StageEmbedding, o.stageIndex}, // embedding and indexing run together per document
	}

	for _, stage := range stages {
		if cancelled := o.checkCancelled(ctx, runID); cancelled {
			cancelRun()
			<-watcherDone
			return o.finishCancelled(ctx, exec)
		}
		if err := o.runs.UpdateProgress(ctx, runID, stage.name, stageProgress[stage.name], exec.stats); err != nil {
			slog.WarnContext(ctx, "progress update failed", "error", err, "run_id", runID, "stage", stage.name)
		}

		if err := stage.fn(runCtx, exec); err != nil {
			cancelRun()
			<-watcherDone
			if runCtx.Err() != nil && o.checkCancelled(ctx, runID) {
				return o.finishCancelled(ctx, exec)
			}
			o.finish(ctx, r, run.StatusFailed, err.Error(), exec.stats)
			o.kbs.UpdateStatus(ctx, r.KBID, kb.StatusFailed, err.Error())
			return err
		}
	}
	cancelRun()
	<-watcherDone

	if o.checkCancelled(ctx, runID) {
		return o.finishCancelled(ctx, exec)
	}

	return o.finishTerminal(ctx, exec)
}

func (o *Orchestrator) watchCancel(ctx context.Context, runID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.pollEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := o.runs.CancelRequested(context.WithoutCancel(ctx), runID)
			if err != nil {
				slog.WarnContext(ctx, "cancel poll failed", "error", err, "run_id", runID)
				continue
			}
			if requested {
				slog.InfoContext(ctx, "cancel requested, stopping run", "run_id", runID)
				cancel()
				return
			}
		}
	}
}

func (o *Orchestrator) checkCancelled(ctx context.Context, runID string) bool {
	requested, err := o.runs.CancelRequested(ctx, runID)
	if err != nil {
		slog.WarnContext(ctx, "cancel check failed", "error", err, "run_id", runID)
		return false
	}
	return requested
}

// stageScrape fetches web documents and walks their links breadth-first up
// to each document's max crawl depth. Uploads and manual entries already
// carry their content; re-index runs reuse the stored raw content for
// everything.
func (o *Orchestrator) stageScrape(ctx context.Context, exec *execution) error {
	seen := make(map[string]bool, len(exec.docs))
	depth := make(map[string]int, len(exec.docs))
	for _, d := range exec.docs {
		seen[d.Origin] = true
	}

	for i := 0; i < len(exec.docs); i++ {
		doc := exec.docs[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		if exec.run.Reindex || doc.SourceType != document.TypeWeb || doc.RawContent != "" {
			exec.content[doc.ID] = doc.RawContent
			continue
		}

		o.docs.UpdateStatus(ctx, doc.ID, document.StatusProcessing, "")
		// A fetch already in flight finishes on the fetcher's own client
		// timeout; cancellation is observed at the loop head.
		page, err := o.fetcher.Fetch(context.WithoutCancel(ctx), doc.Origin)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.failDocument(ctx, exec, doc.ID, fmt.Sprintf("scrape: %v", err))
			continue
		}
		exec.content[doc.ID] = page.Text
		exec.docs[i].RawContent = page.Text

		o.discoverLinks(ctx, exec, doc, page.Links, seen, depth)
	}
	return nil
}

// discoverLinks expands the crawl frontier: same-host links from a fetched
// page become new source documents, down to the parent's max depth and
// filtered by its exclusion patterns. Children join the current run's
// document list, so later iterations of the scrape loop fetch them too.
func (o *Orchestrator) discoverLinks(ctx context.Context, exec *execution, parent document.Document, links []string, seen map[string]bool, depth map[string]int) {
	if parent.MaxDepth <= 0 || len(links) == 0 {
		return
	}
	origin, err := url.Parse(parent.Origin)
	if err != nil {
		return
	}

	next := scrape.FilterLinks(origin.Host, links, depth[parent.ID], parent.MaxDepth, parent.Exclusions)
	children := make([]document.Document, 0, len(next))
	for _, link := range next {
		if seen[link] {
			continue
		}
		seen[link] = true
		children = append(children, document.Document{
			KBID:       parent.KBID,
			SourceType: document.TypeWeb,
			Origin:     link,
			Status:     document.StatusPending,
			Importance: parent.Importance,
			Annotated:  parent.Annotated,
			MaxDepth:   parent.MaxDepth,
			Exclusions: parent.Exclusions,
		})
	}
	if len(children) == 0 {
		return
	}

	ids, err := o.docs.BulkCreate(ctx, children)
	if err != nil {
		slog.WarnContext(ctx, "crawl frontier persist failed", "error", err, "document_id", parent.ID, "links", len(children))
		return
	}
	for i := range children {
		children[i].ID = ids[i]
		depth[ids[i]] = depth[parent.ID] + 1
	}
	exec.docs = append(exec.docs, children...)
	exec.stats.SourcesTotal += len(children)
	slog.InfoContext(ctx, "crawl discovered links", "document_id", parent.ID,
		"depth", depth[parent.ID]+1, "links", len(children))
}

// stageParse validates content and records document-level text metrics.
func (o *Orchestrator) stageParse(ctx context.Context, exec *execution) error {
	for i := range exec.docs {
		doc := &exec.docs[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, down := exec.failed[doc.ID]; down {
			continue
		}

		text := strings.TrimSpace(exec.content[doc.ID])
		if text == "" {
			o.failDocument(ctx, exec, doc.ID, "parse: document has no extractable content")
			continue
		}
		exec.content[doc.ID] = text

		words := len(strings.Fields(text))
		if err := o.docs.UpdateCounts(ctx, doc.ID, words, len(text), 0); err != nil {
			slog.WarnContext(ctx, "document count update failed", "error", err, "document_id", doc.ID)
		}
	}
	return nil
}

// stageChunk segments every surviving document with the knowledge base's
// frozen chunking configuration. Re-index runs purge the previous chunks
// first so stale vectors cannot shadow the new ones.
func (o *Orchestrator) stageChunk(ctx context.Context, exec *execution) error {
	strategy, err := chunking.ParseStrategy(exec.kb.Chunking.Strategy)
	if err != nil {
		return fmt.Errorf("chunking config: %w", err)
	}
	opts := chunking.Options{
		Strategy:      strategy,
		MaxTokens:     exec.kb.Chunking.MaxTokens,
		OverlapTokens: exec.kb.Chunking.OverlapTokens,
	}

	for i := range exec.docs {
		doc := &exec.docs[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, down := exec.failed[doc.ID]; down {
			continue
		}

		if exec.run.Reindex {
			if err := o.indexer.PurgeChunks(ctx, doc.ID); err != nil {
				o.failDocument(ctx, exec, doc.ID, fmt.Sprintf("purge previous chunks: %v", err))
				continue
			}
		}

		pieces, err := chunking.Split(exec.content[doc.ID], opts)
		if err != nil {
			o.failDocument(ctx, exec, doc.ID, fmt.Sprintf("chunking: %v", err))
			continue
		}
		if len(pieces) == 0 {
			o.failDocument(ctx, exec, doc.ID, "chunking: produced no chunks")
			continue
		}

		rows := make([]document.Chunk, len(pieces))
		for j, p := range pieces {
			rows[j] = document.Chunk{
				ID:         uuid.New().String(),
				DocumentID: doc.ID,
				KBID:       exec.kb.ID,
				Position:   p.Position,
				Content:    p.Content,
				TokenCount: p.TokenCount,
				WordCount:  p.WordCount,
				CharCount:  p.CharCount,
				Heading:    p.Heading,
				Page:       p.Page,
				Strategy:   string(p.Strategy),
			}
		}
		exec.chunks[doc.ID] = rows
		exec.stats.ChunksCreated += len(rows)
	}
	return nil
}

// stageIndex embeds and indexes chunks document by document. The indexing
// coordinator owns retry and sub-batching; the pipeline only interprets the
// per-document outcome.
func (o *Orchestrator) stageIndex(ctx context.Context, exec *execution) error {
	for i := range exec.docs {
		doc := &exec.docs[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, ok := exec.chunks[doc.ID]
		if !ok {
			continue
		}

		result, err := o.indexer.Index(ctx, doc, rows)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.failDocument(ctx, exec, doc.ID, fmt.Sprintf("indexing: %v", err))
			continue
		}

		exec.stats.VectorsIndexed += result.VectorsIndexed
		if result.Succeeded == 0 {
			if ctx.Err() != nil {
				// Cancelled before any batch started; not a document fault.
				return ctx.Err()
			}
			o.failDocument(ctx, exec, doc.ID, firstFailureReason(result))
			continue
		}

		if len(result.Failed) > 0 {
			slog.WarnContext(ctx, "document indexed partially",
				"document_id", doc.ID, "succeeded", result.Succeeded, "failed", len(result.Failed))
		}
		exec.stats.SourcesSucceeded++
		words := len(strings.Fields(exec.content[doc.ID]))
		o.docs.UpdateCounts(ctx, doc.ID, words, len(exec.content[doc.ID]), len(rows))
		o.docs.UpdateStatus(ctx, doc.ID, document.StatusCompleted, "")

		progress := stageProgress[run.StageEmbedding] +
			(stageProgress[run.StageIndexing]-stageProgress[run.StageEmbedding])*(i+1)/len(exec.docs)
		o.runs.UpdateProgress(ctx, exec.run.ID, run.StageIndexing, progress, exec.stats)
	}
	return nil
}

func firstFailureReason(result *indexer.IndexResult) string {
	if len(result.Failed) == 0 {
		return "indexing: no chunks were indexed"
	}
	return fmt.Sprintf("indexing: %s", result.Failed[0].Reason)
}

func (o *Orchestrator) failDocument(ctx context.Context, exec *execution, docID, reason string) {
	exec.failed[docID] = reason
	exec.stats.SourcesFailed++
	if err := o.docs.UpdateStatus(ctx, docID, document.StatusFailed, reason); err != nil {
		slog.WarnContext(ctx, "document status update failed", "error", err, "document_id", docID)
	}
	slog.WarnContext(ctx, "document failed", "document_id", docID, "reason", reason)
}

// finishTerminal maps the run outcome onto the run and knowledge base. Any
// success with any failure degrades to ready_with_warnings; zero successes
// fail both.
func (o *Orchestrator) finishTerminal(ctx context.Context, exec *execution) error {
	succeeded := exec.stats.SourcesSucceeded
	failed := exec.stats.SourcesFailed

	switch {
	case succeeded == 0:
		reason := "all source documents failed"
		if len(exec.docs) == 0 {
			reason = "knowledge base has no source documents"
		}
		o.finish(ctx, exec.run, run.StatusFailed, reason, exec.stats)
		o.kbs.UpdateStatus(ctx, exec.kb.ID, kb.StatusFailed, reason)
		return fmt.Errorf("run %s failed: %s", exec.run.ID, reason)

	case failed > 0:
		o.finish(ctx, exec.run, run.StatusCompleted, "", exec.stats)
		o.kbs.UpdateStatus(ctx, exec.kb.ID, kb.StatusReadyWithWarnings,
			fmt.Sprintf("%d of %d source documents failed", failed, len(exec.docs)))

	default:
		o.finish(ctx, exec.run, run.StatusCompleted, "", exec.stats)
		o.kbs.UpdateStatus(ctx, exec.kb.ID, kb.StatusReady, "")
	}

	o.kbs.UpdateCounts(ctx, exec.kb.ID, succeeded, exec.stats.ChunksCreated)
	slog.InfoContext(ctx, "run finished", "run_id", exec.run.ID,
		"succeeded", succeeded, "failed", failed, "chunks", exec.stats.ChunksCreated)
	return nil
}

// finishCancelled settles a cancelled run. The knowledge base is marked
// failed: a partially ingested corpus is not servable.
func (o *Orchestrator) finishCancelled(ctx context.Context, exec *execution) error {
	const reason = "cancelled by user"
	o.finish(ctx, exec.run, run.StatusCancelled, reason, exec.stats)
	o.kbs.UpdateStatus(ctx, exec.kb.ID, kb.StatusFailed, reason)
	slog.InfoContext(ctx, "run cancelled", "run_id", exec.run.ID, "stage", exec.run.Stage)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, r *run.Run, status, reason string, stats run.Stats) {
	if err := o.runs.Finish(context.WithoutCancel(ctx), r.ID, status, reason, stats); err != nil {
		slog.ErrorContext(ctx, "run finish update failed", "error", err, "run_id", r.ID, "status", status)
	}
	r.Status = status

	if o.events == nil {
		return
	}
	payload, err := json.Marshal(ResultPayload{
		RunID:  r.ID,
		KBID:   r.KBID,
		Status: status,
		Reason: reason,
		Stats:  stats,
	})
	if err != nil {
		return
	}
	if err := o.events.Publish(config.TopicRunResult, payload); err != nil {
		slog.WarnContext(ctx, "failed to publish run result", "error", err, "run_id", r.ID)
	}
}
