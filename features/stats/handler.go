package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"lorebase/internal/middleware"
)

type KBRepo interface {
	Count(ctx context.Context) (int, error)
}

type RunRepo interface {
	Count(ctx context.Context) (int, error)
}

type ChunkRepo interface {
	CountChunks(ctx context.Context) (int, error)
}

type Handler struct {
	kbRepo    KBRepo
	runRepo   RunRepo
	chunkRepo ChunkRepo
}

func NewHandler(k KBRepo, r RunRepo, c ChunkRepo) *Handler {
	return &Handler{kbRepo: k, runRepo: r, chunkRepo: c}
}

type StatsResponse struct {
	KnowledgeBases int `json:"knowledge_bases"`
	Runs           int `json:"runs"`
	Chunks         int `json:"chunks"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	kbCount, err := h.kbRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count knowledge bases", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count knowledge bases", http.StatusInternalServerError)
		return
	}

	runCount, err := h.runRepo.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count runs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count runs", http.StatusInternalServerError)
		return
	}

	chunkCount, err := h.chunkRepo.CountChunks(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		KnowledgeBases: kbCount,
		Runs:           runCount,
		Chunks:         chunkCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
