package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"lorebase/features/document"
	"lorebase/features/run"
	"lorebase/features/staging"
	"lorebase/internal/chunking"
	"lorebase/internal/config"
	"lorebase/internal/middleware"
)

var (
	ErrRunInFlight = errors.New("knowledge base has a run in flight")
	ErrNotReady    = errors.New("knowledge base is not in a terminal state")
	ErrBadChunking = errors.New("invalid chunking config")
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// VectorPurger removes every vector a knowledge base owns, ahead of the
// relational rows.
type VectorPurger interface {
	DeleteByKnowledgeBase(ctx context.Context, kbID string) error
}

// DispatchPayload is the run.dispatch message body.
type DispatchPayload struct {
	RunID         string `json:"run_id"`
	KBID          string `json:"kb_id"`
	OwnerID       string `json:"owner_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Service struct {
	repo           Repository
	docs           document.Repository
	runs           run.Repository
	staged         staging.Repository
	pub            EventPublisher
	vectors        VectorPurger
	embeddingModel string
}

func NewService(repo Repository, docs document.Repository, runs run.Repository, staged staging.Repository, pub EventPublisher, vectors VectorPurger, embeddingModel string) *Service {
	return &Service{
		repo:           repo,
		docs:           docs,
		runs:           runs,
		staged:         staged,
		pub:            pub,
		vectors:        vectors,
		embeddingModel: embeddingModel,
	}
}

// Finalize promotes a staged draft into a knowledge base with a queued
// ingestion run. The draft is validated again here: it may have been staged
// by an older client, and finalize is the last gate before the pipeline.
func (s *Service) Finalize(ctx context.Context, stagedID string) (*KnowledgeBase, *run.Run, error) {
	cfg, err := s.staged.Get(ctx, stagedID)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	model := cfg.EmbeddingModel
	if model == "" {
		model = s.embeddingModel
	}

	knowledgeBase := &KnowledgeBase{
		OwnerID: cfg.OwnerID,
		Name:    cfg.Name,
		Status:  StatusProcessing,
		Chunking: ChunkingConfig{
			Strategy:      cfg.ChunkStrategy,
			MaxTokens:     cfg.MaxTokens,
			OverlapTokens: cfg.OverlapTokens,
		},
		EmbeddingModel: model,
	}
	if err := s.repo.Save(ctx, knowledgeBase); err != nil {
		return nil, nil, fmt.Errorf("create knowledge base: %w", err)
	}

	docs := make([]document.Document, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		docs = append(docs, document.Document{
			KBID:       knowledgeBase.ID,
			SourceType: src.SourceType,
			Origin:     src.URL,
			RawContent: src.Content,
			MaxDepth:   src.MaxDepth,
			Exclusions: src.Exclusions,
			Status:     document.StatusPending,
			Importance: src.Importance,
			Annotated:  src.Annotated,
		})
	}
	if _, err := s.docs.BulkCreate(ctx, docs); err != nil {
		return nil, nil, fmt.Errorf("create source documents: %w", err)
	}

	pipelineRun := &run.Run{KBID: knowledgeBase.ID}
	if err := s.runs.Create(ctx, pipelineRun); err != nil {
		return nil, nil, err
	}

	if err := s.staged.Delete(ctx, stagedID); err != nil {
		slog.WarnContext(ctx, "failed to delete consumed draft", "error", err, "staged_id", stagedID)
	}

	if err := s.dispatch(ctx, pipelineRun.ID, knowledgeBase.ID, cfg.OwnerID); err != nil {
		return nil, nil, err
	}

	slog.InfoContext(ctx, "knowledge base finalized",
		"kb_id", knowledgeBase.ID, "run_id", pipelineRun.ID, "sources", len(docs))
	return knowledgeBase, pipelineRun, nil
}

// Reindex queues a run that re-chunks and re-embeds stored content without
// scraping. Only terminal knowledge bases qualify. A non-nil newChunking
// replaces the stored chunking config before the run is queued.
func (s *Service) Reindex(ctx context.Context, id string, newChunking *ChunkingConfig) (*run.Run, error) {
	knowledgeBase, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !knowledgeBase.Terminal() {
		return nil, ErrNotReady
	}

	if newChunking != nil {
		if _, err := chunking.ParseStrategy(newChunking.Strategy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadChunking, err)
		}
		if err := s.repo.UpdateChunking(ctx, id, *newChunking); err != nil {
			return nil, fmt.Errorf("update chunking config: %w", err)
		}
	}

	pipelineRun := &run.Run{KBID: id, Reindex: true}
	if err := s.runs.Create(ctx, pipelineRun); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateStatus(ctx, id, StatusReindexing, ""); err != nil {
		slog.WarnContext(ctx, "failed to mark knowledge base reindexing", "error", err, "kb_id", id)
	}

	if err := s.dispatch(ctx, pipelineRun.ID, id, knowledgeBase.OwnerID); err != nil {
		return nil, err
	}
	return pipelineRun, nil
}

// Detail is a knowledge base with its per-document outcomes.
type Detail struct {
	KnowledgeBase
	Documents []document.Document `json:"documents"`
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	knowledgeBase, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	docs, err := s.docs.ListByKB(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].RawContent = ""
	}
	return &Detail{KnowledgeBase: *knowledgeBase, Documents: docs}, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]KnowledgeBase, error) {
	return s.repo.List(ctx, ownerID)
}

// Delete removes a knowledge base: vectors first, rows second. A knowledge
// base with a run in flight must be cancelled before deletion.
func (s *Service) Delete(ctx context.Context, id string) error {
	active, err := s.runs.ActiveByKB(ctx, id)
	if err != nil {
		return err
	}
	if active != nil {
		return ErrRunInFlight
	}

	if err := s.vectors.DeleteByKnowledgeBase(ctx, id); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func (s *Service) dispatch(ctx context.Context, runID, kbID, ownerID string) error {
	payload, err := json.Marshal(DispatchPayload{
		RunID:         runID,
		KBID:          kbID,
		OwnerID:       ownerID,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(config.TopicRunDispatch, payload); err != nil {
		return fmt.Errorf("dispatch run: %w", err)
	}
	return nil
}
