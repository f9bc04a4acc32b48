package staging

import (
	"errors"
	"fmt"
	"time"

	"lorebase/internal/chunking"
)

// TTL is how long a draft survives before Finalize must be called.
const TTL = 24 * time.Hour

var (
	ErrExpired    = errors.New("staged configuration expired")
	ErrInvalid    = errors.New("invalid staged configuration")
	ErrNoSources  = fmt.Errorf("%w: at least one source is required", ErrInvalid)
	ErrNoOwner    = fmt.Errorf("%w: owner is required", ErrInvalid)
	ErrNoName     = fmt.Errorf("%w: name is required", ErrInvalid)
	ErrBadSource  = fmt.Errorf("%w: source", ErrInvalid)
	ErrBadChunker = fmt.Errorf("%w: chunking", ErrInvalid)
)

// StagedSource describes one input the pipeline will ingest. Web sources
// carry a URL and crawl limits; upload and manual sources carry content
// inline.
type StagedSource struct {
	SourceType string   `json:"source_type"`
	URL        string   `json:"url,omitempty"`
	Content    string   `json:"content,omitempty"`
	MaxDepth   int      `json:"max_depth,omitempty"`
	Exclusions []string `json:"exclusions,omitempty"`
	Importance string   `json:"importance,omitempty"`
	Annotated  bool     `json:"annotated,omitempty"`
}

// Config is the draft snapshot the orchestrator consumes at finalize time.
// It never changes after validation.
type Config struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Name           string         `json:"name"`
	ChunkStrategy  string         `json:"chunk_strategy"`
	MaxTokens      int            `json:"max_tokens"`
	OverlapTokens  int            `json:"overlap_tokens"`
	EmbeddingModel string         `json:"embedding_model"`
	Sources        []StagedSource `json:"sources"`
	ExpiresAt      time.Time      `json:"expires_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Validate checks the snapshot is complete enough to build a knowledge
// base. A validation failure at finalize time is run-fatal.
func (c *Config) Validate() error {
	if c.OwnerID == "" {
		return ErrNoOwner
	}
	if c.Name == "" {
		return ErrNoName
	}
	if len(c.Sources) == 0 {
		return ErrNoSources
	}
	if _, err := chunking.ParseStrategy(c.ChunkStrategy); err != nil {
		return fmt.Errorf("%w: %v", ErrBadChunker, err)
	}
	if c.MaxTokens < 0 || c.OverlapTokens < 0 {
		return fmt.Errorf("%w: token limits must be non-negative", ErrBadChunker)
	}
	for i, s := range c.Sources {
		switch s.SourceType {
		case "web":
			if s.URL == "" {
				return fmt.Errorf("%w %d: web source requires a url", ErrBadSource, i)
			}
		case "upload", "manual":
			if s.Content == "" {
				return fmt.Errorf("%w %d: %s source requires content", ErrBadSource, i, s.SourceType)
			}
		default:
			return fmt.Errorf("%w %d: unknown source type %q", ErrBadSource, i, s.SourceType)
		}
	}
	return nil
}
