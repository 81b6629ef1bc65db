// Package compaction runs tombstone garbage collection in the background.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/hypersync/internal/storage"
)

// DefaultRetention is how long a tombstone is kept before it may be
// collected.
const DefaultRetention = 30 * 24 * time.Hour

// Compactor abstracts the store's garbage collection pass.
type Compactor interface {
	Compact(ctx context.Context, opts storage.CompactOptions) (storage.CompactResult, error)
}

// Worker runs Compact on a fixed interval.
type Worker struct {
	store     Compactor
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to 1h; if
// retention is <= 0, it defaults to DefaultRetention.
func NewWorker(store Compactor, retention, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Worker{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Run compacts until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("compaction pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce performs a single compaction pass.
func (w *Worker) RunOnce(ctx context.Context) (storage.CompactResult, error) {
	start := w.now()
	res, err := w.store.Compact(ctx, storage.CompactOptions{Retention: w.retention, Now: start})
	if err != nil {
		return res, fmt.Errorf("compacting: %w", err)
	}

	if res.Hyperedges+res.Nodes > 0 || res.Pending > 0 {
		w.logger.Info("compaction pass complete",
			"hyperedges", res.Hyperedges,
			"nodes", res.Nodes,
			"incidences", res.Incidences,
			"pending", res.Pending,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return res, nil
}
