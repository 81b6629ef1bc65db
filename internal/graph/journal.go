package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogEntry is one immutable sync log record. Data holds the full
// post-mutation snapshot; Clock is the authoring device's counter value.
type LogEntry struct {
	ID         string          `json:"id"`
	Operation  Operation       `json:"operation"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	DeviceID   string          `json:"device_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Clock      int64           `json:"clock"`
	Data       json.RawMessage `json:"data"`
}

// DecodeNode decodes the snapshot of a node entry.
func (e LogEntry) DecodeNode() (Node, error) {
	if e.EntityType != EntityNode {
		return Node{}, &SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("entity type %q is not a node", e.EntityType)}
	}
	var n Node
	if err := json.Unmarshal(e.Data, &n); err != nil {
		return Node{}, &SyncLogCorruptionError{EntryID: e.ID, Err: err}
	}
	if n.ID != e.EntityID || n.Content == "" || n.DeviceID == "" {
		return Node{}, &SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("snapshot does not describe node %s", e.EntityID)}
	}
	if _, err := ParseContentType(string(n.ContentType)); err != nil {
		return Node{}, &SyncLogCorruptionError{EntryID: e.ID, Err: err}
	}
	if n.Metadata == nil {
		n.Metadata = Metadata{}
	}
	return n, nil
}

// DecodeHyperedge decodes the snapshot of a hyperedge entry.
func (e LogEntry) DecodeHyperedge() (Hyperedge, error) {
	if e.EntityType != EntityHyperedge {
		return Hyperedge{}, &SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("entity type %q is not a hyperedge", e.EntityType)}
	}
	var h Hyperedge
	if err := json.Unmarshal(e.Data, &h); err != nil {
		return Hyperedge{}, &SyncLogCorruptionError{EntryID: e.ID, Err: err}
	}
	if h.ID != e.EntityID || h.Label == "" || h.DeviceID == "" {
		return Hyperedge{}, &SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("snapshot does not describe hyperedge %s", e.EntityID)}
	}
	// Only a create defines membership. Later snapshots may carry fewer
	// incidences once a participant was compacted on the authoring device.
	if e.Operation == OpCreate && len(h.Incidences) < MinMembers {
		return Hyperedge{}, &SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("hyperedge %s has %d incidences", h.ID, len(h.Incidences))}
	}
	for _, inc := range h.Incidences {
		if inc.HyperedgeID != h.ID {
			return Hyperedge{}, &SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("incidence belongs to %s", inc.HyperedgeID)}
		}
	}
	if h.Metadata == nil {
		h.Metadata = Metadata{}
	}
	return h, nil
}
