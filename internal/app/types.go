package app

import (
	"context"

	"lorebase/internal/indexer"
	"lorebase/internal/retrieval"
)

// VectorStore is the full vector index surface the application wires. The
// weaviate adapter satisfies it; tests substitute mocks.
type VectorStore interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, points []indexer.Point) error
	SearchNear(ctx context.Context, kbID string, vec []float32, limit int, minSimilarity float64, extra map[string]string) ([]retrieval.SemanticHit, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	DeleteByKnowledgeBase(ctx context.Context, kbID string) error
}

// Embedder is the embedding provider surface: batches for ingestion, single
// texts for queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}
