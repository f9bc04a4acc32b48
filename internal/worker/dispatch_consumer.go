package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"lorebase/features/kb"
	"lorebase/internal/middleware"
	"lorebase/internal/pipeline"
)

// RunDispatcher hands a queued run to the pipeline worker pool.
type RunDispatcher interface {
	Dispatch(runID, ownerID string) error
}

// DispatchConsumer consumes run.dispatch messages and feeds the pipeline.
// Invalid messages are dropped; a saturated owner slot requeues the message
// so the run starts once an earlier one finishes.
type DispatchConsumer struct {
	dispatcher RunDispatcher
}

func NewDispatchConsumer(d RunDispatcher) *DispatchConsumer {
	return &DispatchConsumer{dispatcher: d}
}

func (h *DispatchConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload kb.DispatchPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}

	if payload.RunID == "" {
		slog.ErrorContext(ctx, "missing run_id, dropping", "kb_id", payload.KBID)
		return nil
	}

	if err := h.dispatcher.Dispatch(payload.RunID, payload.OwnerID); err != nil {
		if errors.Is(err, pipeline.ErrOwnerBusy) {
			slog.InfoContext(ctx, "owner at run limit, requeueing", "run_id", payload.RunID, "owner_id", payload.OwnerID)
			return err // Retry
		}
		slog.ErrorContext(ctx, "dispatch failed", "error", err, "run_id", payload.RunID)
		return err // Retry
	}

	slog.InfoContext(ctx, "run dispatched", "run_id", payload.RunID, "kb_id", payload.KBID)
	return nil
}
