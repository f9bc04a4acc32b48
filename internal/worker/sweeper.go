package worker

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler repairs divergence between the record store and the vector
// index.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// RunPruner drops terminal runs past the retention window.
type RunPruner interface {
	PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DraftPruner drops expired staged configurations.
type DraftPruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// Sweeper runs the periodic maintenance pass: vector/record reconciliation,
// run retention and draft expiry.
type Sweeper struct {
	reconciler Reconciler
	runs       RunPruner
	drafts     DraftPruner
	interval   time.Duration
	retention  time.Duration
}

func NewSweeper(reconciler Reconciler, runs RunPruner, drafts DraftPruner, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &Sweeper{
		reconciler: reconciler,
		runs:       runs,
		drafts:     drafts,
		interval:   interval,
		retention:  retention,
	}
}

// Run blocks until the context is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) {
	if err := s.reconciler.Reconcile(ctx); err != nil {
		slog.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
	}

	if pruned, err := s.runs.PruneTerminal(ctx, s.retention); err != nil {
		slog.ErrorContext(ctx, "run pruning failed", "error", err)
	} else if pruned > 0 {
		slog.InfoContext(ctx, "pruned terminal runs", "count", pruned)
	}

	if pruned, err := s.drafts.PruneExpired(ctx); err != nil {
		slog.ErrorContext(ctx, "draft pruning failed", "error", err)
	} else if pruned > 0 {
		slog.InfoContext(ctx, "pruned expired drafts", "count", pruned)
	}
}
