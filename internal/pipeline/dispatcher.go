package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// ErrOwnerBusy is returned when an owner already has their full share of
// concurrent runs; the caller should requeue and retry later.
var ErrOwnerBusy = errors.New("owner has reached concurrent run limit")

// Dispatcher feeds queued runs into a bounded worker pool. The pool caps
// total concurrency, the per-owner counter keeps one tenant from occupying
// every worker.
type Dispatcher struct {
	pool         *ants.Pool
	orchestrator *Orchestrator
	baseCtx      context.Context
	ownerCap     int

	mu       sync.Mutex
	perOwner map[string]int
}

func NewDispatcher(ctx context.Context, orchestrator *Orchestrator, workers, ownerCap int) (*Dispatcher, error) {
	if workers <= 0 {
		workers = 4
	}
	if ownerCap <= 0 {
		ownerCap = 2
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		pool:         pool,
		orchestrator: orchestrator,
		baseCtx:      ctx,
		ownerCap:     ownerCap,
		perOwner:     make(map[string]int),
	}, nil
}

// Dispatch submits a run for execution. It blocks only while the pool is
// saturated, never for the run itself.
func (d *Dispatcher) Dispatch(runID, ownerID string) error {
	if !d.acquireOwnerSlot(ownerID) {
		return ErrOwnerBusy
	}

	err := d.pool.Submit(func() {
		defer d.releaseOwnerSlot(ownerID)
		if err := d.orchestrator.Execute(d.baseCtx, runID); err != nil {
			slog.Error("run execution failed", "error", err, "run_id", runID)
		}
	})
	if err != nil {
		d.releaseOwnerSlot(ownerID)
		return err
	}
	return nil
}

func (d *Dispatcher) acquireOwnerSlot(ownerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.perOwner[ownerID] >= d.ownerCap {
		return false
	}
	d.perOwner[ownerID]++
	return true
}

func (d *Dispatcher) releaseOwnerSlot(ownerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.perOwner[ownerID] <= 1 {
		delete(d.perOwner, ownerID)
		return
	}
	d.perOwner[ownerID]--
}

// Running reports how many runs are currently executing.
func (d *Dispatcher) Running() int {
	return d.pool.Running()
}

func (d *Dispatcher) Close() {
	d.pool.Release()
}
