package storage

import (
	"time"

	"github.com/kalambet/hypersync/internal/graph"
)

// NodeFilter narrows ListNodes. Zero values do not filter.
type NodeFilter struct {
	DeviceID       string
	ContentType    graph.ContentType
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	UpdatedAfter   time.Time
	UpdatedBefore  time.Time
	IncludeDeleted bool
	Limit          int
}

// DeviceClock is one row of the device clock relation.
type DeviceClock struct {
	DeviceID string
	Clock    int64
	LastSync *time.Time
}

// MergeOutcome says what a remote entry did to local state.
type MergeOutcome int

const (
	// MergeInserted means the entity was unknown and was created as given.
	MergeInserted MergeOutcome = iota
	// MergeReplaced means the incoming state won last-writer-wins.
	MergeReplaced
	// MergeStale means local state was equal or newer; nothing changed.
	MergeStale
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeInserted:
		return "inserted"
	case MergeReplaced:
		return "replaced"
	default:
		return "stale"
	}
}

// MergeResult reports the effect of one ApplyEntry call. Node or Hyperedge
// holds the entity's local state after the merge.
type MergeResult struct {
	Entry     graph.LogEntry
	Outcome   MergeOutcome
	Node      *graph.Node
	Hyperedge *graph.Hyperedge
}

// Changed reports whether local entity state moved.
func (r MergeResult) Changed() bool { return r.Outcome != MergeStale }

// CompactOptions controls a compaction pass.
type CompactOptions struct {
	// Retention is how long a tombstone must age before it can be collected.
	Retention time.Duration
	// Now overrides the store clock when non-zero.
	Now time.Time
}

// CompactResult counts the rows a pass removed.
type CompactResult struct {
	Hyperedges int
	Nodes      int
	Incidences int
	// Pending counts expired tombstones kept because propagation is unconfirmed
	// or, for nodes, because incidence rows still reference them.
	Pending int
}

// Health aggregates replica counts for cluster_health.
type Health struct {
	DeviceID          string                    `json:"device_id"`
	LocalClock        int64                     `json:"local_clock"`
	ActiveNodes       int                       `json:"active_nodes"`
	DeletedNodes      int                       `json:"deleted_nodes"`
	ActiveHyperedges  int                       `json:"active_hyperedges"`
	DeletedHyperedges int                       `json:"deleted_hyperedges"`
	Incidences        int                       `json:"incidences"`
	NodesByType       map[graph.ContentType]int `json:"nodes_by_type"`
	KnownDevices      int                       `json:"known_devices"`
	DevicesSynced     int                       `json:"devices_synced"`
	LastSync          *time.Time                `json:"last_sync,omitempty"`
	LogEntries        int                       `json:"log_entries"`
}

// NodeDegree is a live node with the number of live hyperedges it joins.
type NodeDegree struct {
	Node   graph.Node `json:"node"`
	Degree int        `json:"degree"`
}
