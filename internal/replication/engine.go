// Package replication pulls peers' sync logs and merges them into the local
// store. Each peer moves through Idle → Exchanging → Merging → Idle once per
// cycle; peers are exchanged concurrently and independently.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/storage"
)

var (
	// ErrBusy is returned when a cycle for the peer is already running.
	ErrBusy = errors.New("sync already in progress")
	// ErrUnknownPeer is returned by SyncPeer for an unconfigured device.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrRejected marks a peer response that retrying cannot fix, such as
	// a failed authentication.
	ErrRejected = errors.New("peer rejected request")
)

// State is a peer's position in the exchange cycle.
type State int32

const (
	Idle State = iota
	Exchanging
	Merging
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Exchanging:
		return "exchanging"
	case Merging:
		return "merging"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Local is the receiving store.
type Local interface {
	DeviceID() string
	HighWaterMark(ctx context.Context, remote string) (int64, error)
	ApplyEntry(ctx context.Context, remote string, e graph.LogEntry) (storage.MergeResult, error)
	SkipEntry(ctx context.Context, remote string, clock int64) error
	ObserveRemoteClock(ctx context.Context, deviceID string, clock int64) error
	RecordPeerAcks(ctx context.Context, peer string, applied map[string]int64) error
	VectorClock(ctx context.Context) (graph.VectorClock, error)
}

// Report summarises one cycle with one peer.
type Report struct {
	Peer     string `json:"peer"`
	Fetched  int    `json:"fetched"`
	Inserted int    `json:"inserted"`
	Replaced int    `json:"replaced"`
	Stale    int    `json:"stale"`
	Skipped  int    `json:"skipped"`
	// Deferred is set when the cycle stopped at an entry whose
	// dependencies have not arrived yet.
	Deferred bool  `json:"deferred"`
	Mark     int64 `json:"mark"`
	// Causality relates the local vector clock to the peer's after the
	// cycle. Equal means neither side has observed anything the other lacks.
	Causality graph.Causality `json:"causality"`
	Err       error           `json:"-"`
}

// Options tunes the engine.
type Options struct {
	ExchangeTimeout time.Duration
	BatchSize       int
	MaxRetries      uint
	InitialBackoff  time.Duration
	// BreakerFailures consecutive failed fetches open a peer's breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Logger          *slog.Logger
}

func (o *Options) defaults() {
	if o.ExchangeTimeout <= 0 {
		o.ExchangeTimeout = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type peerState struct {
	remote  Remote
	breaker *gobreaker.CircuitBreaker
	state   atomic.Int32
}

// Engine runs exchanges between the local store and its peers.
type Engine struct {
	local  Local
	peers  []*peerState
	byID   map[string]*peerState
	opts   Options
	logger *slog.Logger
}

// NewEngine returns an engine pulling from remotes into local.
func NewEngine(local Local, remotes []Remote, opts Options) (*Engine, error) {
	opts.defaults()
	e := &Engine{
		local:  local,
		byID:   make(map[string]*peerState, len(remotes)),
		opts:   opts,
		logger: opts.Logger,
	}
	for _, r := range remotes {
		id := r.DeviceID()
		if id == "" || id == local.DeviceID() {
			return nil, fmt.Errorf("invalid peer device id %q", id)
		}
		if _, dup := e.byID[id]; dup {
			return nil, fmt.Errorf("duplicate peer %s", id)
		}
		ps := &peerState{remote: r, breaker: e.newBreaker(id)}
		e.peers = append(e.peers, ps)
		e.byID[id] = ps
	}
	return e, nil
}

func (e *Engine) newBreaker(peer string) *gobreaker.CircuitBreaker {
	threshold := e.opts.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        peer,
		MaxRequests: 1,
		Timeout:     e.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("peer breaker state changed", "peer", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Our own shutdown is not the peer's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// Peers returns the configured peer ids in configuration order.
func (e *Engine) Peers() []string {
	out := make([]string, len(e.peers))
	for i, ps := range e.peers {
		out[i] = ps.remote.DeviceID()
	}
	return out
}

// State returns the current cycle state of peer.
func (e *Engine) State(peer string) State {
	ps, ok := e.byID[peer]
	if !ok {
		return Idle
	}
	return State(ps.state.Load())
}

// SyncAll runs one cycle against every peer concurrently. A failing or
// stalled peer only affects its own report.
func (e *Engine) SyncAll(ctx context.Context) []Report {
	reports := make([]Report, len(e.peers))
	var g errgroup.Group
	for i, ps := range e.peers {
		g.Go(func() error {
			rep, err := e.cycle(ctx, ps)
			rep.Err = err
			reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// SyncPeer runs one cycle against a single peer.
func (e *Engine) SyncPeer(ctx context.Context, peer string) (Report, error) {
	ps, ok := e.byID[peer]
	if !ok {
		return Report{Peer: peer}, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return e.cycle(ctx, ps)
}

func (e *Engine) cycle(ctx context.Context, ps *peerState) (Report, error) {
	id := ps.remote.DeviceID()
	rep := Report{Peer: id}

	if !ps.state.CompareAndSwap(int32(Idle), int32(Exchanging)) {
		return rep, ErrBusy
	}
	defer ps.state.Store(int32(Idle))

	start := time.Now()
	mark, err := e.local.HighWaterMark(ctx, id)
	if err != nil {
		return rep, err
	}

	var applied map[string]int64
	peerClock := graph.VectorClock{}
	for {
		batch, err := e.fetch(ctx, ps, mark)
		if err != nil {
			rep.Mark = mark
			return rep, fmt.Errorf("fetching from %s: %w", id, err)
		}
		if batch.DeviceID != id {
			rep.Mark = mark
			return rep, fmt.Errorf("%w: expected device %s, got %q", ErrRejected, id, batch.DeviceID)
		}
		peerClock.Merge(batch.Clock)
		applied = batch.Applied
		rep.Fetched += len(batch.Entries)

		ps.state.Store(int32(Merging))
		next, err := e.merge(ctx, id, batch.Entries, mark, &rep)
		ps.state.Store(int32(Exchanging))
		if err != nil {
			rep.Mark = next
			return rep, err
		}

		progressed := next > mark
		mark = next
		if rep.Deferred || !batch.More || !progressed {
			break
		}
	}
	rep.Mark = mark

	if c := peerClock.Get(id); c > 0 {
		if err := e.local.ObserveRemoteClock(ctx, id, c); err != nil {
			return rep, err
		}
	}
	if len(applied) > 0 {
		if err := e.local.RecordPeerAcks(ctx, id, applied); err != nil {
			return rep, err
		}
	}
	localClock, err := e.local.VectorClock(ctx)
	if err != nil {
		return rep, err
	}
	rep.Causality = localClock.Compare(peerClock)

	e.logger.Info("sync cycle complete",
		"peer", id,
		"fetched", rep.Fetched,
		"inserted", rep.Inserted,
		"replaced", rep.Replaced,
		"stale", rep.Stale,
		"skipped", rep.Skipped,
		"deferred", rep.Deferred,
		"mark", rep.Mark,
		"causality", rep.Causality.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return rep, nil
}

// merge applies entries in order and returns the new high-water mark.
func (e *Engine) merge(ctx context.Context, peer string, entries []graph.LogEntry, mark int64, rep *Report) (int64, error) {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return mark, err
		}

		res, err := e.local.ApplyEntry(ctx, peer, entry)
		switch {
		case err == nil:
		case errors.Is(err, graph.ErrSyncLogCorruption):
			e.logger.Warn("skipping corrupt log entry", "peer", peer, "entry_id", entry.ID, "clock", entry.Clock, "error", err)
			if entry.Clock > mark {
				if err := e.local.SkipEntry(ctx, peer, entry.Clock); err != nil {
					return mark, err
				}
				mark = entry.Clock
			}
			rep.Skipped++
			continue
		case errors.Is(err, storage.ErrDependencyMissing):
			e.logger.Info("deferring log entry", "peer", peer, "entry_id", entry.ID, "error", err)
			rep.Deferred = true
			return mark, nil
		default:
			return mark, fmt.Errorf("applying entry %s: %w", entry.ID, err)
		}

		switch res.Outcome {
		case storage.MergeInserted:
			rep.Inserted++
		case storage.MergeReplaced:
			rep.Replaced++
		case storage.MergeStale:
			rep.Stale++
		}
		mark = max(mark, entry.Clock)
	}
	return mark, nil
}

// fetch pulls one page under the exchange timeout, retrying transient
// failures with exponential backoff behind the peer's breaker.
func (e *Engine) fetch(ctx context.Context, ps *peerState, since int64) (Batch, error) {
	op := func() (Batch, error) {
		cctx, cancel := context.WithTimeout(ctx, e.opts.ExchangeTimeout)
		defer cancel()

		v, err := ps.breaker.Execute(func() (interface{}, error) {
			return ps.remote.FetchLog(cctx, since, e.opts.BatchSize)
		})
		if err != nil {
			if errors.Is(err, ErrRejected) ||
				errors.Is(err, gobreaker.ErrOpenState) ||
				errors.Is(err, gobreaker.ErrTooManyRequests) ||
				ctx.Err() != nil {
				return Batch{}, backoff.Permanent(err)
			}
			return Batch{}, err
		}
		return v.(Batch), nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.opts.MaxRetries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.logger.Warn("fetch failed, retrying", "peer", ps.remote.DeviceID(), "error", err, "wait", wait)
		}),
	)
}
