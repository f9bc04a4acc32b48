package kb

import (
	"time"
)

// KnowledgeBase lifecycle statuses. Only the pipeline orchestrator mutates
// status once a knowledge base exists.
const (
	StatusProcessing        = "processing"
	StatusReady             = "ready"
	StatusReadyWithWarnings = "ready_with_warnings"
	StatusFailed            = "failed"
	StatusReindexing        = "reindexing"
)

// ChunkingConfig is the per-knowledge-base segmentation configuration. Set
// at finalize time; a reindex request may replace it.
type ChunkingConfig struct {
	Strategy      string `json:"strategy"`
	MaxTokens     int    `json:"max_tokens"`
	OverlapTokens int    `json:"overlap_tokens"`
}

type KnowledgeBase struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	Chunking       ChunkingConfig `json:"chunking"`
	EmbeddingModel string         `json:"embedding_model"`
	DocumentCount  int            `json:"document_count"`
	ChunkCount     int            `json:"chunk_count"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the knowledge base is out of any pipeline's
// hands.
func (k *KnowledgeBase) Terminal() bool {
	switch k.Status {
	case StatusReady, StatusReadyWithWarnings, StatusFailed:
		return true
	}
	return false
}
