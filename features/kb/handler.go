package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"lorebase/features/run"
	"lorebase/features/staging"
	"lorebase/internal/middleware"
	"lorebase/internal/retrieval"
)

// Searcher is the retrieval surface the handler exposes over HTTP.
type Searcher interface {
	Search(ctx context.Context, kbID, query string, opts *retrieval.Options) ([]retrieval.Result, error)
}

type Handler struct {
	service  *Service
	searcher Searcher
}

func NewHandler(service *Service, searcher Searcher) *Handler {
	return &Handler{service: service, searcher: searcher}
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StagedID string `json:"staged_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.StagedID == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "staged_id is required", http.StatusBadRequest)
		return
	}

	knowledgeBase, pipelineRun, err := h.service.Finalize(r.Context(), req.StagedID)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(r.Context(), w, "NOT_FOUND", "Staged configuration not found", http.StatusNotFound)
		case errors.Is(err, staging.ErrExpired):
			h.writeError(r.Context(), w, "STAGED_EXPIRED", "Staged configuration expired", http.StatusGone)
		case errors.Is(err, staging.ErrInvalid):
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		case errors.Is(err, run.ErrActiveRun):
			h.writeError(r.Context(), w, "CONFLICT", err.Error(), http.StatusConflict)
		default:
			slog.Error("finalize failed", "error", err, "staged_id", req.StagedID)
			h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{
			"knowledge_base": knowledgeBase,
			"run":            pipelineRun,
		},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Knowledge base not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": detail}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	bases, err := h.service.List(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if bases == nil {
		bases = []KnowledgeBase{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": bases,
		"meta": map[string]int{"count": len(bases)},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), r.PathValue("id")); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(r.Context(), w, "NOT_FOUND", "Knowledge base not found", http.StatusNotFound)
		case errors.Is(err, ErrRunInFlight):
			h.writeError(r.Context(), w, "CONFLICT", err.Error(), http.StatusConflict)
		default:
			h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	// The body is optional: an empty request reuses the stored chunking
	// config, a populated one replaces it for this and later runs.
	var req struct {
		Chunking *ChunkingConfig `json:"chunking"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	pipelineRun, err := h.service.Reindex(r.Context(), r.PathValue("id"), req.Chunking)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(r.Context(), w, "NOT_FOUND", "Knowledge base not found", http.StatusNotFound)
		case errors.Is(err, ErrBadChunking):
			h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrNotReady), errors.Is(err, run.ErrActiveRun):
			h.writeError(r.Context(), w, "CONFLICT", err.Error(), http.StatusConflict)
		default:
			h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": pipelineRun}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string            `json:"query"`
		TopK    int               `json:"top_k"`
		Filters map[string]string `json:"filters"`
		Rerank  bool              `json:"rerank"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "query is required", http.StatusBadRequest)
		return
	}

	// Searches run concurrently with active indexing; a knowledge base that
	// is still processing simply returns the growing, eventually-consistent
	// result set.
	kbID := r.PathValue("id")
	if _, err := h.service.repo.Get(r.Context(), kbID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(r.Context(), w, "NOT_FOUND", "Knowledge base not found", http.StatusNotFound)
			return
		}
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	results, err := h.searcher.Search(r.Context(), kbID, req.Query, &retrieval.Options{
		TopK:    req.TopK,
		Filters: req.Filters,
		Rerank:  req.Rerank,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrBothSearchesFailed) {
			h.writeError(r.Context(), w, "SEARCH_UNAVAILABLE", "Search backends are unavailable", http.StatusServiceUnavailable)
			return
		}
		slog.Error("search failed", "error", err, "kb_id", kbID)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
	}); err != nil {
		slog.Error("failed to encode response", "error", err)
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
