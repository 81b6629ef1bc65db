// Package graph defines the hypergraph data model shared by the store, the
// indexes and the sync engine.
package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ContentType tags what kind of cognitive unit a node holds.
type ContentType string

const (
	Thought ContentType = "Thought"
	Memory  ContentType = "Memory"
	Context ContentType = "Context"
	Task    ContentType = "Task"
	Note    ContentType = "Note"
)

// ContentTypes lists every valid content type in display order.
var ContentTypes = []ContentType{Thought, Memory, Context, Task, Note}

// ParseContentType converts a stored or user-supplied tag to a ContentType.
func ParseContentType(s string) (ContentType, error) {
	for _, ct := range ContentTypes {
		if string(ct) == s {
			return ct, nil
		}
	}
	return "", &ValidationError{Field: "content_type", Reason: fmt.Sprintf("unknown content type %q", s)}
}

// EntityType names the journaled entity kinds.
type EntityType string

const (
	EntityNode      EntityType = "node"
	EntityHyperedge EntityType = "hyperedge"
)

// Operation names a journaled mutation.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Metadata is an open key-value document. The top level is always an object.
type Metadata map[string]any

// ParseMetadata decodes raw JSON into Metadata. Empty input yields an empty
// document; a top-level scalar or array is rejected.
func ParseMetadata(raw []byte) (Metadata, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Metadata{}, nil
	}
	if raw[0] != '{' {
		return nil, &ValidationError{Field: "metadata", Reason: "must be a JSON object"}
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	if m == nil {
		m = Metadata{}
	}
	return m, nil
}

// Node is a single cognitive unit.
type Node struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Metadata    Metadata    `json:"metadata"`
	Embedding   []float32   `json:"embedding,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
	DeviceID    string      `json:"device_id"`
	Version     int64       `json:"version"`
}

// Deleted reports whether the node carries a tombstone.
func (n Node) Deleted() bool { return n.DeletedAt != nil }

// Stamp returns the node's last-writer-wins ordering key.
func (n Node) Stamp() Stamp {
	return Stamp{Version: n.Version, UpdatedAt: n.UpdatedAt, DeviceID: n.DeviceID}
}

// Incidence records that a node participates in a hyperedge at a position.
type Incidence struct {
	HyperedgeID string    `json:"hyperedge_id"`
	NodeID      string    `json:"node_id"`
	Position    int       `json:"position"`
	Role        string    `json:"role,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Hyperedge is an n-ary, optionally directed relationship.
type Hyperedge struct {
	ID         string      `json:"id"`
	Label      string      `json:"label"`
	Metadata   Metadata    `json:"metadata"`
	IsDirected bool        `json:"is_directed"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	DeletedAt  *time.Time  `json:"deleted_at,omitempty"`
	DeviceID   string      `json:"device_id"`
	Version    int64       `json:"version"`
	Incidences []Incidence `json:"incidences"`
}

// Deleted reports whether the hyperedge carries a tombstone.
func (h Hyperedge) Deleted() bool { return h.DeletedAt != nil }

// Stamp returns the hyperedge's last-writer-wins ordering key.
func (h Hyperedge) Stamp() Stamp {
	return Stamp{Version: h.Version, UpdatedAt: h.UpdatedAt, DeviceID: h.DeviceID}
}

// Source returns the incidence at position 0 of a directed hyperedge.
func (h Hyperedge) Source() (Incidence, bool) {
	if !h.IsDirected {
		return Incidence{}, false
	}
	for _, inc := range h.Incidences {
		if inc.Position == 0 {
			return inc, true
		}
	}
	return Incidence{}, false
}

// NodeIDs returns the participating node ids in position order.
func (h Hyperedge) NodeIDs() []string {
	ids := make([]string, len(h.Incidences))
	for i, inc := range h.Incidences {
		ids[i] = inc.NodeID
	}
	return ids
}
