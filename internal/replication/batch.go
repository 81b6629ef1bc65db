package replication

import (
	"context"
	"fmt"

	"github.com/kalambet/hypersync/internal/graph"
)

// DefaultBatchSize bounds how many entries one FetchLog returns.
const DefaultBatchSize = 500

// Batch is one page of a device's own log plus the bookkeeping its peers
// need. Entry snapshots stay raw JSON until merge time.
type Batch struct {
	DeviceID string            `json:"device_id"`
	Clock    graph.VectorClock `json:"clock"`
	// Applied is how much of each author's log the serving device holds.
	Applied map[string]int64 `json:"applied"`
	Entries []graph.LogEntry `json:"entries"`
	// More is set when entries past the last one returned exist.
	More bool `json:"more"`
}

// Remote is a peer device that can be pulled from.
type Remote interface {
	DeviceID() string
	FetchLog(ctx context.Context, since int64, limit int) (Batch, error)
}

// Source is the serving side of an exchange.
type Source interface {
	DeviceID() string
	LogSince(ctx context.Context, since int64, limit int) ([]graph.LogEntry, error)
	VectorClock(ctx context.Context) (graph.VectorClock, error)
	AppliedMarks(ctx context.Context) (map[string]int64, error)
}

// BuildBatch assembles the page of src's log after since.
func BuildBatch(ctx context.Context, src Source, since int64, limit int) (Batch, error) {
	if since < 0 {
		return Batch{}, &graph.ValidationError{Field: "since", Reason: "must not be negative"}
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	entries, err := src.LogSince(ctx, since, limit+1)
	if err != nil {
		return Batch{}, fmt.Errorf("reading log: %w", err)
	}
	more := len(entries) > limit
	if more {
		entries = entries[:limit]
	}

	clock, err := src.VectorClock(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("reading vector clock: %w", err)
	}
	applied, err := src.AppliedMarks(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("reading applied marks: %w", err)
	}

	if entries == nil {
		entries = []graph.LogEntry{}
	}
	return Batch{
		DeviceID: src.DeviceID(),
		Clock:    clock,
		Applied:  applied,
		Entries:  entries,
		More:     more,
	}, nil
}

// Loopback serves a Source in-process. Tests and single-host setups pair
// two stores through it without a network hop.
type Loopback struct {
	src Source
}

// NewLoopback returns a Remote backed by src.
func NewLoopback(src Source) *Loopback {
	return &Loopback{src: src}
}

func (l *Loopback) DeviceID() string { return l.src.DeviceID() }

func (l *Loopback) FetchLog(ctx context.Context, since int64, limit int) (Batch, error) {
	return BuildBatch(ctx, l.src, since, limit)
}
