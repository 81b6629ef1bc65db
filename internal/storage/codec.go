package storage

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/kalambet/hypersync/internal/graph"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeMetadata(m graph.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (graph.Metadata, error) {
	m := graph.Metadata{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// encodeEmbedding serializes a float32 slice to little-endian bytes.
// A nil vector maps to SQL NULL.
func encodeEmbedding(v []float32) any {
	if v == nil {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeEmbedding(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

const nodeColumns = `id, content, content_type, metadata, embedding, created_at, updated_at, deleted_at, device_id, version`

const hyperedgeColumns = `id, label, metadata, is_directed, created_at, updated_at, deleted_at, device_id, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (graph.Node, error) {
	var (
		n                    graph.Node
		contentType, meta    string
		blob                 []byte
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := r.Scan(&n.ID, &n.Content, &contentType, &meta, &blob, &createdAt, &updatedAt, &deletedAt, &n.DeviceID, &n.Version); err != nil {
		return graph.Node{}, err
	}
	n.ContentType = graph.ContentType(contentType)

	var err error
	if n.Metadata, err = decodeMetadata(meta); err != nil {
		return graph.Node{}, fmt.Errorf("node %s: %w", n.ID, err)
	}
	if n.Embedding, err = decodeEmbedding(blob); err != nil {
		return graph.Node{}, fmt.Errorf("decoding embedding for %s: %w", n.ID, err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.Node{}, fmt.Errorf("parsing created_at for %s: %w", n.ID, err)
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.Node{}, fmt.Errorf("parsing updated_at for %s: %w", n.ID, err)
	}
	if n.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return graph.Node{}, fmt.Errorf("parsing deleted_at for %s: %w", n.ID, err)
	}
	return n, nil
}

func scanHyperedge(r rowScanner) (graph.Hyperedge, error) {
	var (
		h                    graph.Hyperedge
		meta                 string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := r.Scan(&h.ID, &h.Label, &meta, &h.IsDirected, &createdAt, &updatedAt, &deletedAt, &h.DeviceID, &h.Version); err != nil {
		return graph.Hyperedge{}, err
	}

	var err error
	if h.Metadata, err = decodeMetadata(meta); err != nil {
		return graph.Hyperedge{}, fmt.Errorf("hyperedge %s: %w", h.ID, err)
	}
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return graph.Hyperedge{}, fmt.Errorf("parsing created_at for %s: %w", h.ID, err)
	}
	if h.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return graph.Hyperedge{}, fmt.Errorf("parsing updated_at for %s: %w", h.ID, err)
	}
	if h.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return graph.Hyperedge{}, fmt.Errorf("parsing deleted_at for %s: %w", h.ID, err)
	}
	return h, nil
}
