package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/hypersync/internal/graph"
)

// CreateHyperedge inserts a hyperedge and one incidence per member in a single
// transaction. If any member is missing or tombstoned nothing is written.
func (s *Store) CreateHyperedge(ctx context.Context, in graph.NewHyperedge) (graph.Hyperedge, error) {
	if err := in.Validate(); err != nil {
		return graph.Hyperedge{}, err
	}

	now := s.now().UTC()
	h := graph.Hyperedge{
		ID:         uuid.NewString(),
		Label:      in.Label,
		Metadata:   in.Metadata,
		IsDirected: in.IsDirected,
		CreatedAt:  now,
		UpdatedAt:  now,
		DeviceID:   s.deviceID,
		Version:    0,
	}
	if h.Metadata == nil {
		h.Metadata = graph.Metadata{}
	}
	h.Incidences = make([]graph.Incidence, len(in.Members))
	for i, m := range in.Members {
		h.Incidences[i] = graph.Incidence{
			HyperedgeID: h.ID,
			NodeID:      m.NodeID,
			Position:    i,
			Role:        m.Role,
			CreatedAt:   now,
		}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertHyperedge(ctx, tx, h); err != nil {
			return err
		}
		for _, inc := range h.Incidences {
			if err := requireLiveNode(ctx, tx, inc.NodeID); err != nil {
				return err
			}
			if err := insertIncidence(ctx, tx, inc); err != nil {
				return err
			}
		}
		return s.journal(ctx, tx, graph.OpCreate, graph.EntityHyperedge, h.ID, h, now)
	})
	if err != nil {
		return graph.Hyperedge{}, &graph.TransactionError{Op: "create_hyperedge", Err: err}
	}
	return h, nil
}

func requireLiveNode(ctx context.Context, q queryer, id string) error {
	var live int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ? AND deleted_at IS NULL`, id).Scan(&live)
	if errors.Is(err, sql.ErrNoRows) {
		return &graph.NotFoundError{Kind: graph.EntityNode, ID: id}
	}
	if err != nil {
		return fmt.Errorf("checking node %s: %w", id, err)
	}
	return nil
}

func insertHyperedge(ctx context.Context, q queryer, h graph.Hyperedge) error {
	meta, err := encodeMetadata(h.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO hyperedges (`+hyperedgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Label, meta, h.IsDirected,
		formatTime(h.CreatedAt), formatTime(h.UpdatedAt), formatNullTime(h.DeletedAt), h.DeviceID, h.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting hyperedge %s: %w", h.ID, err)
	}
	return nil
}

func insertIncidence(ctx context.Context, q queryer, inc graph.Incidence) error {
	var role any
	if inc.Role != "" {
		role = inc.Role
	}
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO incidences (hyperedge_id, node_id, position, role, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		inc.HyperedgeID, inc.NodeID, inc.Position, role, formatTime(inc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting incidence %s/%s@%d: %w", inc.HyperedgeID, inc.NodeID, inc.Position, err)
	}
	return nil
}

// UpdateHyperedge applies patch if the stored version equals expectedVersion.
// Incidences are not affected.
func (s *Store) UpdateHyperedge(ctx context.Context, id string, patch graph.HyperedgePatch, expectedVersion int64) (graph.Hyperedge, error) {
	if err := patch.Validate(); err != nil {
		return graph.Hyperedge{}, err
	}

	var label, meta, directed any
	if patch.Label != nil {
		label = *patch.Label
	}
	if patch.Metadata != nil {
		m, err := encodeMetadata(patch.Metadata)
		if err != nil {
			return graph.Hyperedge{}, err
		}
		meta = m
	}
	if patch.IsDirected != nil {
		directed = *patch.IsDirected
	}

	now := s.now().UTC()
	var updated graph.Hyperedge
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE hyperedges SET
				label       = COALESCE(?, label),
				metadata    = COALESCE(?, metadata),
				is_directed = COALESCE(?, is_directed),
				updated_at  = ?,
				device_id   = ?,
				version     = version + 1
			WHERE id = ? AND version = ? AND deleted_at IS NULL
			RETURNING `+hyperedgeColumns,
			label, meta, directed, formatTime(now), s.deviceID, id, expectedVersion,
		)
		h, err := scanHyperedge(row)
		if errors.Is(err, sql.ErrNoRows) {
			return explainHyperedgeMiss(ctx, tx, id, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("updating hyperedge %s: %w", id, err)
		}
		if h.Incidences, err = loadIncidences(ctx, tx, id); err != nil {
			return err
		}
		updated = h
		return s.journal(ctx, tx, graph.OpUpdate, graph.EntityHyperedge, id, h, now)
	})
	if err != nil {
		return graph.Hyperedge{}, err
	}
	return updated, nil
}

// SoftDeleteHyperedge tombstones a hyperedge. Its incidences stay until
// compaction so a concurrent restore on another device can still win.
func (s *Store) SoftDeleteHyperedge(ctx context.Context, id string, expectedVersion int64) (graph.Hyperedge, error) {
	now := s.now().UTC()
	var deleted graph.Hyperedge
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE hyperedges SET
				deleted_at = ?,
				updated_at = ?,
				device_id  = ?,
				version    = version + 1
			WHERE id = ? AND version = ? AND deleted_at IS NULL
			RETURNING `+hyperedgeColumns,
			formatTime(now), formatTime(now), s.deviceID, id, expectedVersion,
		)
		h, err := scanHyperedge(row)
		if errors.Is(err, sql.ErrNoRows) {
			return explainHyperedgeMiss(ctx, tx, id, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("deleting hyperedge %s: %w", id, err)
		}
		if h.Incidences, err = loadIncidences(ctx, tx, id); err != nil {
			return err
		}
		deleted = h
		return s.journal(ctx, tx, graph.OpDelete, graph.EntityHyperedge, id, h, now)
	})
	if err != nil {
		return graph.Hyperedge{}, err
	}
	return deleted, nil
}

func explainHyperedgeMiss(ctx context.Context, q queryer, id string, expected int64) error {
	var version int64
	var deletedAt sql.NullString
	err := q.QueryRowContext(ctx, `SELECT version, deleted_at FROM hyperedges WHERE id = ?`, id).Scan(&version, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deletedAt.Valid) {
		return &graph.NotFoundError{Kind: graph.EntityHyperedge, ID: id}
	}
	if err != nil {
		return fmt.Errorf("reading hyperedge %s: %w", id, err)
	}
	return &graph.ConflictError{Kind: graph.EntityHyperedge, ID: id, Expected: expected, Actual: version}
}

// GetHyperedge returns a live hyperedge with its incidences in position order.
func (s *Store) GetHyperedge(ctx context.Context, id string) (graph.Hyperedge, error) {
	h, err := loadHyperedge(ctx, s.db, id)
	if err != nil {
		return graph.Hyperedge{}, err
	}
	if h.Deleted() {
		return graph.Hyperedge{}, &graph.NotFoundError{Kind: graph.EntityHyperedge, ID: id}
	}
	return h, nil
}

func loadHyperedge(ctx context.Context, q queryer, id string) (graph.Hyperedge, error) {
	row := q.QueryRowContext(ctx, `SELECT `+hyperedgeColumns+` FROM hyperedges WHERE id = ?`, id)
	h, err := scanHyperedge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Hyperedge{}, &graph.NotFoundError{Kind: graph.EntityHyperedge, ID: id}
	}
	if err != nil {
		return graph.Hyperedge{}, fmt.Errorf("loading hyperedge %s: %w", id, err)
	}
	if h.Incidences, err = loadIncidences(ctx, q, id); err != nil {
		return graph.Hyperedge{}, err
	}
	return h, nil
}

func loadIncidences(ctx context.Context, q queryer, hyperedgeID string) ([]graph.Incidence, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT hyperedge_id, node_id, position, role, created_at
		FROM incidences WHERE hyperedge_id = ?
		ORDER BY position ASC`, hyperedgeID)
	if err != nil {
		return nil, fmt.Errorf("querying incidences of %s: %w", hyperedgeID, err)
	}
	defer rows.Close()

	incs := []graph.Incidence{}
	for rows.Next() {
		inc, err := scanIncidence(rows)
		if err != nil {
			return nil, err
		}
		incs = append(incs, inc)
	}
	return incs, rows.Err()
}

func scanIncidence(r rowScanner) (graph.Incidence, error) {
	var (
		inc       graph.Incidence
		role      sql.NullString
		createdAt string
	)
	if err := r.Scan(&inc.HyperedgeID, &inc.NodeID, &inc.Position, &role, &createdAt); err != nil {
		return graph.Incidence{}, fmt.Errorf("scanning incidence: %w", err)
	}
	inc.Role = role.String
	t, err := parseTime(createdAt)
	if err != nil {
		return graph.Incidence{}, fmt.Errorf("parsing incidence created_at: %w", err)
	}
	inc.CreatedAt = t
	return inc, nil
}

// HyperedgesForNode returns the live hyperedges nodeID participates in.
func (s *Store) HyperedgesForNode(ctx context.Context, nodeID string) ([]graph.Hyperedge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT h.id
		FROM incidences i JOIN hyperedges h ON h.id = i.hyperedge_id
		WHERE i.node_id = ? AND h.deleted_at IS NULL
		ORDER BY h.created_at ASC`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying hyperedges of %s: %w", nodeID, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	out := make([]graph.Hyperedge, 0, len(ids))
	for _, id := range ids {
		h, err := loadHyperedge(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// CountIncidences returns how many incidence rows reference nodeID,
// including those of tombstoned hyperedges.
func (s *Store) CountIncidences(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidences WHERE node_id = ?`, nodeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting incidences of %s: %w", nodeID, err)
	}
	return n, nil
}
