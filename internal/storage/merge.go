package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/hypersync/internal/graph"
)

// ErrDependencyMissing is reported when a remote hyperedge references a node
// this replica has not received yet. The entry should be retried later.
var ErrDependencyMissing = errors.New("dependency missing")

// DependencyError names the node a remote hyperedge is waiting for.
type DependencyError struct {
	HyperedgeID string
	NodeID      string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("hyperedge %s references unknown node %s", e.HyperedgeID, e.NodeID)
}

func (e *DependencyError) Is(target error) bool { return target == ErrDependencyMissing }

// ApplyEntry merges one entry authored by remote into the local replica.
// In a single transaction it applies last-writer-wins, copies the entry into
// the local log and advances remote's high-water mark to the entry's clock.
// Replaying an entry is a no-op. A corrupt snapshot yields a
// *graph.SyncLogCorruptionError and changes nothing.
func (s *Store) ApplyEntry(ctx context.Context, remote string, e graph.LogEntry) (MergeResult, error) {
	if e.DeviceID != remote {
		return MergeResult{}, &graph.SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("authored by %s, served by %s", e.DeviceID, remote)}
	}
	if e.ID == "" || e.Clock <= 0 {
		return MergeResult{}, &graph.SyncLogCorruptionError{EntryID: e.ID, Err: errors.New("missing id or clock")}
	}

	res := MergeResult{Entry: e}
	switch e.EntityType {
	case graph.EntityNode:
		n, err := e.DecodeNode()
		if err != nil {
			return MergeResult{}, err
		}
		if n.DeviceID != e.DeviceID {
			return MergeResult{}, &graph.SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("snapshot authored by %s", n.DeviceID)}
		}
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			out, state, err := s.mergeNode(ctx, tx, n)
			if err != nil {
				return err
			}
			res.Outcome, res.Node = out, state
			return s.recordApplied(ctx, tx, remote, e)
		})
		if err != nil {
			return MergeResult{}, err
		}

	case graph.EntityHyperedge:
		h, err := e.DecodeHyperedge()
		if err != nil {
			return MergeResult{}, err
		}
		if h.DeviceID != e.DeviceID {
			return MergeResult{}, &graph.SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("snapshot authored by %s", h.DeviceID)}
		}
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			out, state, err := s.mergeHyperedge(ctx, tx, h)
			if err != nil {
				return err
			}
			res.Outcome, res.Hyperedge = out, state
			return s.recordApplied(ctx, tx, remote, e)
		})
		if err != nil {
			return MergeResult{}, err
		}

	default:
		return MergeResult{}, &graph.SyncLogCorruptionError{EntryID: e.ID, Err: fmt.Errorf("unknown entity type %q", e.EntityType)}
	}

	if res.Outcome == MergeStale {
		s.logger.Info("merge kept local state",
			"entity_type", e.EntityType,
			"entity_id", e.EntityID,
			"entry_id", e.ID,
			"remote", remote,
		)
	}
	return res, nil
}

// SkipEntry advances remote's mark past an entry that cannot be applied.
func (s *Store) SkipEntry(ctx context.Context, remote string, clock int64) error {
	return advanceMark(ctx, s.db, remote, clock, s.now())
}

func (s *Store) recordApplied(ctx context.Context, tx *sql.Tx, remote string, e graph.LogEntry) error {
	if err := insertLogEntry(ctx, tx, e); err != nil {
		return err
	}
	return advanceMark(ctx, tx, remote, e.Clock, s.now())
}

func (s *Store) mergeNode(ctx context.Context, tx *sql.Tx, in graph.Node) (MergeOutcome, *graph.Node, error) {
	local, err := loadNode(ctx, tx, in.ID)
	if errors.Is(err, graph.ErrNotFound) {
		// A compacted entity leaves no row, only its journal. The incoming
		// state must still beat the tombstone that was collected.
		gone, ok, err := compactedStamp(ctx, tx, graph.EntityNode, in.ID)
		if err != nil {
			return 0, nil, err
		}
		if ok && !in.Stamp().Wins(gone) {
			return MergeStale, nil, nil
		}
		if err := insertNode(ctx, tx, in); err != nil {
			return 0, nil, err
		}
		return MergeInserted, &in, nil
	}
	if err != nil {
		return 0, nil, err
	}
	if !in.Stamp().Wins(local.Stamp()) {
		return MergeStale, &local, nil
	}

	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return 0, nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE nodes SET
			content = ?, content_type = ?, metadata = ?, embedding = ?,
			created_at = ?, updated_at = ?, deleted_at = ?, device_id = ?, version = ?
		WHERE id = ?`,
		in.Content, string(in.ContentType), meta, encodeEmbedding(in.Embedding),
		formatTime(in.CreatedAt), formatTime(in.UpdatedAt), formatNullTime(in.DeletedAt), in.DeviceID, in.Version,
		in.ID,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("replacing node %s: %w", in.ID, err)
	}
	return MergeReplaced, &in, nil
}

func (s *Store) mergeHyperedge(ctx context.Context, tx *sql.Tx, in graph.Hyperedge) (MergeOutcome, *graph.Hyperedge, error) {
	local, err := loadHyperedge(ctx, tx, in.ID)
	if errors.Is(err, graph.ErrNotFound) {
		gone, ok, err := compactedStamp(ctx, tx, graph.EntityHyperedge, in.ID)
		if err != nil {
			return 0, nil, err
		}
		if ok && !in.Stamp().Wins(gone) {
			return MergeStale, nil, nil
		}
		incs, err := s.resolveIncidences(ctx, tx, in)
		if err != nil {
			return 0, nil, err
		}
		if err := insertHyperedge(ctx, tx, in); err != nil {
			return 0, nil, err
		}
		for _, inc := range incs {
			if err := insertIncidence(ctx, tx, inc); err != nil {
				return 0, nil, err
			}
		}
		in.Incidences = incs
		return MergeInserted, &in, nil
	}
	if err != nil {
		return 0, nil, err
	}
	if !in.Stamp().Wins(local.Stamp()) {
		return MergeStale, &local, nil
	}

	meta, err := encodeMetadata(in.Metadata)
	if err != nil {
		return 0, nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE hyperedges SET
			label = ?, metadata = ?, is_directed = ?,
			created_at = ?, updated_at = ?, deleted_at = ?, device_id = ?, version = ?
		WHERE id = ?`,
		in.Label, meta, in.IsDirected,
		formatTime(in.CreatedAt), formatTime(in.UpdatedAt), formatNullTime(in.DeletedAt), in.DeviceID, in.Version,
		in.ID,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("replacing hyperedge %s: %w", in.ID, err)
	}
	// Incidences are fixed at creation; the local rows already match.
	in.Incidences = local.Incidences
	return MergeReplaced, &in, nil
}

// resolveIncidences checks that every participant of a remote hyperedge has
// a local row. Participants that were compacted here are dropped; unknown
// ones are a retryable dependency miss.
func (s *Store) resolveIncidences(ctx context.Context, tx *sql.Tx, h graph.Hyperedge) ([]graph.Incidence, error) {
	incs := make([]graph.Incidence, 0, len(h.Incidences))
	for _, inc := range h.Incidences {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, inc.NodeID).Scan(&exists)
		if err == nil {
			incs = append(incs, inc)
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checking node %s: %w", inc.NodeID, err)
		}
		_, compacted, err := compactedStamp(ctx, tx, graph.EntityNode, inc.NodeID)
		if err != nil {
			return nil, err
		}
		if !compacted {
			return nil, &DependencyError{HyperedgeID: h.ID, NodeID: inc.NodeID}
		}
		s.logger.Warn("dropping incidence to compacted node",
			"hyperedge_id", h.ID,
			"node_id", inc.NodeID,
			"position", inc.Position,
		)
	}
	return incs, nil
}

// compactedStamp returns the newest stamp among journaled deletes of an
// entity. ok is false when the entity was never deleted here.
func compactedStamp(ctx context.Context, q queryer, kind graph.EntityType, id string) (graph.Stamp, bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM sync_log l JOIN sync_log_clocks c ON c.log_id = l.id
		WHERE l.entity_id = ? AND l.entity_type = ? AND l.operation = ?`,
		id, string(kind), string(graph.OpDelete))
	if err != nil {
		return graph.Stamp{}, false, fmt.Errorf("querying deletes of %s: %w", id, err)
	}
	defer rows.Close()

	var best graph.Stamp
	var found bool
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return graph.Stamp{}, false, err
		}
		var st graph.Stamp
		switch kind {
		case graph.EntityNode:
			n, err := e.DecodeNode()
			if err != nil {
				continue
			}
			st = n.Stamp()
		case graph.EntityHyperedge:
			h, err := e.DecodeHyperedge()
			if err != nil {
				continue
			}
			st = h.Stamp()
		}
		if !found || st.Wins(best) {
			best, found = st, true
		}
	}
	return best, found, rows.Err()
}
