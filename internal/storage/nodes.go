package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/hypersync/internal/graph"
)

// CreateNode validates and inserts a node at version 0, journaling the create.
func (s *Store) CreateNode(ctx context.Context, in graph.NewNode) (graph.Node, error) {
	if err := in.Validate(s.dimension); err != nil {
		return graph.Node{}, err
	}

	var n graph.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.createNode(ctx, tx, in)
		return err
	})
	if err != nil {
		return graph.Node{}, err
	}
	return n, nil
}

// CreateNodesBatch creates every node of ins in one transaction: either all
// of them are stored and journaled or none are. Results keep input order.
func (s *Store) CreateNodesBatch(ctx context.Context, ins []graph.NewNode) ([]graph.Node, error) {
	if len(ins) == 0 {
		return nil, &graph.ValidationError{Field: "nodes", Reason: "must not be empty"}
	}
	for i, in := range ins {
		if err := in.Validate(s.dimension); err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
	}

	nodes := make([]graph.Node, len(ins))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, in := range ins {
			n, err := s.createNode(ctx, tx, in)
			if err != nil {
				return err
			}
			nodes[i] = n
		}
		return nil
	})
	if err != nil {
		return nil, &graph.TransactionError{Op: "create_nodes_batch", Err: err}
	}
	return nodes, nil
}

// createNode inserts and journals a validated node inside tx.
func (s *Store) createNode(ctx context.Context, tx *sql.Tx, in graph.NewNode) (graph.Node, error) {
	now := s.now().UTC()
	n := graph.Node{
		ID:          uuid.NewString(),
		Content:     in.Content,
		ContentType: in.ContentType,
		Metadata:    in.Metadata,
		Embedding:   in.Embedding,
		CreatedAt:   now,
		UpdatedAt:   now,
		DeviceID:    s.deviceID,
		Version:     0,
	}
	if n.Metadata == nil {
		n.Metadata = graph.Metadata{}
	}
	if err := insertNode(ctx, tx, n); err != nil {
		return graph.Node{}, err
	}
	if err := s.journal(ctx, tx, graph.OpCreate, graph.EntityNode, n.ID, n, now); err != nil {
		return graph.Node{}, err
	}
	return n, nil
}

func insertNode(ctx context.Context, q queryer, n graph.Node) error {
	meta, err := encodeMetadata(n.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Content, string(n.ContentType), meta, encodeEmbedding(n.Embedding),
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt), formatNullTime(n.DeletedAt), n.DeviceID, n.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting node %s: %w", n.ID, err)
	}
	return nil
}

// UpdateNode applies patch if the stored version equals expectedVersion.
// The check and the increment are one statement, so two local callers racing
// on the same node cannot both succeed.
func (s *Store) UpdateNode(ctx context.Context, id string, patch graph.NodePatch, expectedVersion int64) (graph.Node, error) {
	if err := patch.Validate(s.dimension); err != nil {
		return graph.Node{}, err
	}

	var content, contentType, meta, embedding any
	if patch.Content != nil {
		content = *patch.Content
	}
	if patch.ContentType != nil {
		contentType = string(*patch.ContentType)
	}
	if patch.Metadata != nil {
		m, err := encodeMetadata(patch.Metadata)
		if err != nil {
			return graph.Node{}, err
		}
		meta = m
	}
	if patch.Embedding != nil {
		embedding = encodeEmbedding(patch.Embedding)
	}

	now := s.now().UTC()
	var updated graph.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE nodes SET
				content      = COALESCE(?, content),
				content_type = COALESCE(?, content_type),
				metadata     = COALESCE(?, metadata),
				embedding    = CASE WHEN ? THEN NULL ELSE COALESCE(?, embedding) END,
				updated_at   = ?,
				device_id    = ?,
				version      = version + 1
			WHERE id = ? AND version = ? AND deleted_at IS NULL
			RETURNING `+nodeColumns,
			content, contentType, meta, patch.ClearEmbedding, embedding,
			formatTime(now), s.deviceID, id, expectedVersion,
		)
		n, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			return explainNodeMiss(ctx, tx, id, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("updating node %s: %w", id, err)
		}
		updated = n
		return s.journal(ctx, tx, graph.OpUpdate, graph.EntityNode, id, n, now)
	})
	if err != nil {
		return graph.Node{}, err
	}
	return updated, nil
}

// SoftDeleteNode tombstones a node under the same version contract as
// UpdateNode. The row and its incidences stay in place until compaction.
func (s *Store) SoftDeleteNode(ctx context.Context, id string, expectedVersion int64) (graph.Node, error) {
	now := s.now().UTC()
	var deleted graph.Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE nodes SET
				deleted_at = ?,
				updated_at = ?,
				device_id  = ?,
				version    = version + 1
			WHERE id = ? AND version = ? AND deleted_at IS NULL
			RETURNING `+nodeColumns,
			formatTime(now), formatTime(now), s.deviceID, id, expectedVersion,
		)
		n, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			return explainNodeMiss(ctx, tx, id, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("deleting node %s: %w", id, err)
		}
		deleted = n
		return s.journal(ctx, tx, graph.OpDelete, graph.EntityNode, id, n, now)
	})
	if err != nil {
		return graph.Node{}, err
	}
	return deleted, nil
}

// explainNodeMiss tells a missing or tombstoned node apart from a stale version
// after a compare-and-swap matched no row.
func explainNodeMiss(ctx context.Context, q queryer, id string, expected int64) error {
	var version int64
	var deletedAt sql.NullString
	err := q.QueryRowContext(ctx, `SELECT version, deleted_at FROM nodes WHERE id = ?`, id).Scan(&version, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deletedAt.Valid) {
		return &graph.NotFoundError{Kind: graph.EntityNode, ID: id}
	}
	if err != nil {
		return fmt.Errorf("reading node %s: %w", id, err)
	}
	return &graph.ConflictError{Kind: graph.EntityNode, ID: id, Expected: expected, Actual: version}
}

// GetNode returns a live node. Tombstoned nodes are reported as not found.
func (s *Store) GetNode(ctx context.Context, id string) (graph.Node, error) {
	n, err := loadNode(ctx, s.db, id)
	if err != nil {
		return graph.Node{}, err
	}
	if n.Deleted() {
		return graph.Node{}, &graph.NotFoundError{Kind: graph.EntityNode, ID: id}
	}
	return n, nil
}

// loadNode reads a node regardless of its tombstone.
func loadNode(ctx context.Context, q queryer, id string) (graph.Node, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Node{}, &graph.NotFoundError{Kind: graph.EntityNode, ID: id}
	}
	if err != nil {
		return graph.Node{}, fmt.Errorf("loading node %s: %w", id, err)
	}
	return n, nil
}

// GetNodes returns the live nodes among ids, keyed by id.
func (s *Store) GetNodes(ctx context.Context, ids []string) (map[string]graph.Node, error) {
	out := make(map[string]graph.Node, len(ids))
	for _, chunk := range chunks(ids, maxInArgs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+nodeColumns+` FROM nodes
			WHERE deleted_at IS NULL AND id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("querying nodes by id: %w", err)
		}
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[n.ID] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListNodes returns nodes matching f, newest first.
func (s *Store) ListNodes(ctx context.Context, f NodeFilter) ([]graph.Node, error) {
	var where []string
	var args []any
	if !f.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.ContentType != "" {
		where = append(where, "content_type = ?")
		args = append(args, string(f.ContentType))
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, formatTime(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.CreatedBefore))
	}
	if !f.UpdatedAfter.IsZero() {
		where = append(where, "updated_at > ?")
		args = append(args, formatTime(f.UpdatedAfter))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(f.UpdatedBefore))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []graph.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// EachEmbedding streams the id and embedding of every live node that has one.
func (s *Store) EachEmbedding(ctx context.Context, fn func(id string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM nodes WHERE deleted_at IS NULL AND embedding IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		vec, err := decodeEmbedding(blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

const maxInArgs = 500

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return "?" + strings.Repeat(",?", n-1)
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
