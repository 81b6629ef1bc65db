package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kalambet/hypersync/internal/graph"
)

type tombstone struct {
	id     string
	author string
}

// Compact physically removes tombstoned entities whose tombstone is older
// than the retention window and whose delete every known device has applied.
// Hyperedges go first so their incidences cascade; a node is removed only
// once no incidence references it. The sync log is left intact.
func (s *Store) Compact(ctx context.Context, opts CompactOptions) (CompactResult, error) {
	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}
	cutoff := formatTime(now.Add(-opts.Retention))

	var res CompactResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		devices, err := knownDevices(ctx, tx)
		if err != nil {
			return err
		}

		edges, err := expiredTombstones(ctx, tx, "hyperedges", cutoff)
		if err != nil {
			return err
		}
		for _, t := range edges {
			ok, err := s.propagated(ctx, tx, graph.EntityHyperedge, t, devices)
			if err != nil {
				return err
			}
			if !ok {
				res.Pending++
				continue
			}
			var incs int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidences WHERE hyperedge_id = ?`, t.id).Scan(&incs); err != nil {
				return fmt.Errorf("counting incidences of %s: %w", t.id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM hyperedges WHERE id = ?`, t.id); err != nil {
				return fmt.Errorf("removing hyperedge %s: %w", t.id, err)
			}
			res.Hyperedges++
			res.Incidences += incs
		}

		nodes, err := expiredTombstones(ctx, tx, "nodes", cutoff)
		if err != nil {
			return err
		}
		for _, t := range nodes {
			var refs int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidences WHERE node_id = ?`, t.id).Scan(&refs); err != nil {
				return fmt.Errorf("counting incidences of %s: %w", t.id, err)
			}
			if refs > 0 {
				res.Pending++
				continue
			}
			ok, err := s.propagated(ctx, tx, graph.EntityNode, t, devices)
			if err != nil {
				return err
			}
			if !ok {
				res.Pending++
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, t.id); err != nil {
				return fmt.Errorf("removing node %s: %w", t.id, err)
			}
			res.Nodes++
		}
		return nil
	})
	if err != nil {
		return CompactResult{}, err
	}

	if res.Hyperedges > 0 || res.Nodes > 0 {
		s.logger.Info("compaction removed tombstones",
			"hyperedges", res.Hyperedges,
			"nodes", res.Nodes,
			"incidences", res.Incidences,
			"pending", res.Pending,
		)
	}
	return res, nil
}

// expiredTombstones lists tombstones in table older than cutoff. table is
// always a literal from this file.
func expiredTombstones(ctx context.Context, q queryer, table, cutoff string) ([]tombstone, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, device_id FROM `+table+`
		WHERE deleted_at IS NOT NULL AND deleted_at < ?
		ORDER BY deleted_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying %s tombstones: %w", table, err)
	}
	defer rows.Close()

	var out []tombstone
	for rows.Next() {
		var t tombstone
		if err := rows.Scan(&t.id, &t.author); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func knownDevices(ctx context.Context, q queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT device_id FROM device_clock`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// propagated reports whether every known device has applied the entry that
// produced the tombstone.
func (s *Store) propagated(ctx context.Context, q queryer, kind graph.EntityType, t tombstone, devices []string) (bool, error) {
	var clock sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT MAX(c.clock)
		FROM sync_log l JOIN sync_log_clocks c ON c.log_id = l.id
		WHERE l.entity_id = ? AND l.entity_type = ? AND l.device_id = ?`,
		t.id, string(kind), t.author).Scan(&clock)
	if err != nil {
		return false, fmt.Errorf("finding delete entry of %s: %w", t.id, err)
	}
	if !clock.Valid {
		return false, nil
	}

	for _, d := range devices {
		if d == t.author {
			continue
		}
		var applied int64
		if d == s.deviceID {
			err = q.QueryRowContext(ctx, `SELECT applied_clock FROM sync_peers WHERE remote_device_id = ?`, t.author).Scan(&applied)
		} else {
			err = q.QueryRowContext(ctx, `SELECT clock FROM peer_acks WHERE peer_id = ? AND author_id = ?`, d, t.author).Scan(&applied)
		}
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("reading acks for %s: %w", d, err)
		}
		if applied < clock.Int64 {
			return false, nil
		}
	}
	return true, nil
}
