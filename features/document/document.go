package document

import (
	"time"
)

// Source document statuses. pending_deletion marks documents whose vector
// delete failed; the reconciliation sweep retries them.
const (
	StatusPending         = "pending"
	StatusProcessing      = "processing"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusPendingDeletion = "pending_deletion"
)

// Source types.
const (
	TypeWeb    = "web"
	TypeUpload = "upload"
	TypeManual = "manual"
)

// Importance levels used for retrieval boosting. The boost only applies
// when the document is explicitly annotated.
const (
	ImportanceCritical = "critical"
	ImportanceHigh     = "high"
	ImportanceMedium   = "medium"
	ImportanceLow      = "low"
)

// Document is one input unit: a crawled page, an uploaded text or a manual
// entry. RawContent is kept so re-indexing can skip the scrape stage.
// MaxDepth and Exclusions drive link discovery for web sources; pages found
// while crawling become documents of their own and inherit both.
type Document struct {
	ID         string    `json:"id"`
	KBID       string    `json:"kb_id"`
	SourceType string    `json:"source_type"`
	Origin     string    `json:"origin,omitempty"`
	RawContent string    `json:"-"`
	MaxDepth   int       `json:"max_depth,omitempty"`
	Exclusions []string  `json:"exclusions,omitempty"`
	Status     string    `json:"status"`
	WordCount  int       `json:"word_count"`
	CharCount  int       `json:"char_count"`
	ChunkCount int       `json:"chunk_count"`
	Importance string    `json:"importance"`
	Annotated  bool      `json:"annotated"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Chunk is the relational record of one segment. ID doubles as the vector
// identifier in the index; a re-chunking run replaces rows (and therefore
// IDs) instead of reusing them.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	KBID       string    `json:"kb_id"`
	Position   int       `json:"position"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	WordCount  int       `json:"word_count"`
	CharCount  int       `json:"char_count"`
	Heading    string    `json:"heading,omitempty"`
	Page       int       `json:"page,omitempty"`
	Strategy   string    `json:"strategy"`
	Vectorized bool      `json:"vectorized"`
	CreatedAt  time.Time `json:"created_at"`
}

// KeywordHit is one full-text search result over chunk content.
type KeywordHit struct {
	ChunkID    string
	DocumentID string
	Content    string
	Heading    string
	Rank       float64
	Importance string
	Annotated  bool
}
