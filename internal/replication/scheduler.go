package replication

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler runs SyncAll on a fixed interval.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. If interval is <= 0, it defaults to 30s.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run syncs immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one round and returns the per-peer reports.
func (s *Scheduler) RunOnce(ctx context.Context) []Report {
	reports := s.engine.SyncAll(ctx)
	for _, rep := range reports {
		switch {
		case rep.Err == nil:
		case errors.Is(rep.Err, ErrBusy):
			s.logger.Debug("peer still syncing", "peer", rep.Peer)
		case ctx.Err() != nil:
		default:
			s.logger.Error("sync with peer failed", "peer", rep.Peer, "error", rep.Err)
		}
	}
	return reports
}
