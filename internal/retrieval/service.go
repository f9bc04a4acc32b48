package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lorebase/features/document"
)

// minSimilarity is the semantic floor: vector hits with cosine similarity
// below it are never candidates.
const minSimilarity = 0.3

const defaultTopK = 10

var ErrBothSearchesFailed = errors.New("semantic and keyword search both failed")

// Result is one ranked retrieval hit.
type Result struct {
	ChunkID  string                 `json:"chunk_id"`
	Score    float64                `json:"score"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SemanticHit is a raw nearest-neighbour result from the vector index.
type SemanticHit struct {
	ChunkID    string
	Similarity float64
	Content    string
	Metadata   map[string]interface{}
}

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorSearcher interface {
	SearchNear(ctx context.Context, kbID string, vec []float32, limit int, minSimilarity float64, extra map[string]string) ([]SemanticHit, error)
}

type KeywordSearcher interface {
	SearchKeyword(ctx context.Context, kbID, query string, limit int, filters map[string]string) ([]document.KeywordHit, error)
}

type Options struct {
	TopK    int
	Filters map[string]string
	Rerank  bool
}

// Service is the hybrid retrieval engine: semantic and keyword search run
// concurrently, their rankings are fused with RRF, boosted by document
// importance, optionally reranked, and truncated to TopK.
type Service struct {
	embedder QueryEmbedder
	vectors  VectorSearcher
	keywords KeywordSearcher
	logger   *QueryLogger
	timeout  time.Duration
}

func NewService(e QueryEmbedder, v VectorSearcher, k KeywordSearcher, l *QueryLogger) *Service {
	return &Service{embedder: e, vectors: v, keywords: k, logger: l, timeout: 15 * time.Second}
}

func (s *Service) Search(ctx context.Context, kbID, query string, opts *Options) ([]Result, error) {
	start := time.Now()

	topK := defaultTopK
	var filters map[string]string
	doRerank := false
	if opts != nil {
		if opts.TopK > 0 {
			topK = opts.TopK
		}
		filters = opts.Filters
		doRerank = opts.Rerank
	}
	candidates := 2 * topK

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		wg          sync.WaitGroup
		semantic    []Result
		keyword     []Result
		semanticErr error
		keywordErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		semantic, semanticErr = s.searchSemantic(ctx, kbID, query, candidates, filters)
	}()
	go func() {
		defer wg.Done()
		keyword, keywordErr = s.searchKeyword(ctx, kbID, query, candidates, filters)
	}()
	wg.Wait()

	// One side failing degrades to the other; only total failure surfaces.
	if semanticErr != nil && keywordErr != nil {
		return nil, fmt.Errorf("%w: semantic: %v; keyword: %v", ErrBothSearchesFailed, semanticErr, keywordErr)
	}
	if semanticErr != nil {
		slog.WarnContext(ctx, "semantic search failed, keyword-only results", "error", semanticErr, "kb_id", kbID)
	}
	if keywordErr != nil {
		slog.WarnContext(ctx, "keyword search failed, semantic-only results", "error", keywordErr, "kb_id", kbID)
	}

	cands := boost(fuse(semantic, keyword))
	if doRerank {
		cands = rerank(query, cands)
	}

	if len(cands) > topK {
		cands = cands[:topK]
	}

	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		r := c.result
		r.Score = c.fused
		results = append(results, r)
	}

	if s.logger != nil {
		s.logger.Log(QueryLogEntry{
			KBID:         kbID,
			Query:        query,
			NumResults:   len(results),
			SemanticOnly: keywordErr != nil,
			KeywordOnly:  semanticErr != nil,
			Duration:     time.Since(start),
		})
	}

	return results, nil
}

func (s *Service) searchSemantic(ctx context.Context, kbID, query string, limit int, filters map[string]string) ([]Result, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.vectors.SearchNear(ctx, kbID, vec, limit, minSimilarity, filters)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		meta := h.Metadata
		if meta == nil {
			meta = make(map[string]interface{})
		}
		meta["similarity"] = h.Similarity
		results = append(results, Result{
			ChunkID:  h.ChunkID,
			Content:  h.Content,
			Metadata: meta,
		})
	}
	return results, nil
}

func (s *Service) searchKeyword(ctx context.Context, kbID, query string, limit int, filters map[string]string) ([]Result, error) {
	hits, err := s.keywords.SearchKeyword(ctx, kbID, query, limit, filters)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			ChunkID: h.ChunkID,
			Content: h.Content,
			Metadata: map[string]interface{}{
				"documentId": h.DocumentID,
				"heading":    h.Heading,
				"rank":       h.Rank,
				"importance": h.Importance,
				"annotated":  h.Annotated,
			},
		})
	}
	return results, nil
}
