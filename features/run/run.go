package run

import (
	"time"
)

// Run statuses. queued → running → one of the terminal three.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Stages advance strictly forward while a run is running.
const (
	StageScraping  = "scraping"
	StageParsing   = "parsing"
	StageChunking  = "chunking"
	StageEmbedding = "embedding"
	StageIndexing  = "indexing"
)

// Stats are the cumulative counters of one run.
type Stats struct {
	SourcesTotal     int `json:"sources_total"`
	SourcesSucceeded int `json:"sources_succeeded"`
	SourcesFailed    int `json:"sources_failed"`
	ChunksCreated    int `json:"chunks_created"`
	VectorsIndexed   int `json:"vectors_indexed"`
}

// Run is the ephemeral record of one ingestion execution. Terminal runs are
// pruned after a retention window.
type Run struct {
	ID              string     `json:"id"`
	KBID            string     `json:"kb_id"`
	Status          string     `json:"status"`
	Stage           string     `json:"stage,omitempty"`
	Progress        int        `json:"progress_percent"`
	Stats           Stats      `json:"stats"`
	CancelRequested bool       `json:"cancel_requested"`
	Reindex         bool       `json:"reindex"`
	Error           string     `json:"error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (r *Run) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// stageSequence fixes the forward-only ordering of stages. The repository
// uses it to refuse an update that would move a run's stage backwards.
var stageSequence = []string{StageScraping, StageParsing, StageChunking, StageEmbedding, StageIndexing}

// StageIndex returns the ordinal of a stage, -1 for unknown.
func StageIndex(stage string) int {
	for i, s := range stageSequence {
		if s == stage {
			return i
		}
	}
	return -1
}
