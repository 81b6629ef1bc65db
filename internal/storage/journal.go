package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/hypersync/internal/graph"
)

// journal appends one sync log entry for a local mutation and advances the
// local device clock. It must run inside the mutation's transaction.
func (s *Store) journal(ctx context.Context, tx *sql.Tx, op graph.Operation, kind graph.EntityType, id string, snapshot any, ts time.Time) error {
	var clock int64
	err := tx.QueryRowContext(ctx,
		`UPDATE device_clock SET clock = clock + 1 WHERE device_id = ? RETURNING clock`, s.deviceID,
	).Scan(&clock)
	if err != nil {
		return fmt.Errorf("advancing device clock: %w", err)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding %s snapshot: %w", kind, err)
	}

	return insertLogEntry(ctx, tx, graph.LogEntry{
		ID:         uuid.NewString(),
		Operation:  op,
		EntityType: kind,
		EntityID:   id,
		DeviceID:   s.deviceID,
		Timestamp:  ts,
		Clock:      clock,
		Data:       data,
	})
}

// insertLogEntry stores an entry and its clock. Replays of an entry already
// present are ignored.
func insertLogEntry(ctx context.Context, q queryer, e graph.LogEntry) error {
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_log (id, operation, entity_type, entity_id, device_id, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Operation), string(e.EntityType), e.EntityID, e.DeviceID, formatTime(e.Timestamp), string(e.Data),
	)
	if err != nil {
		return fmt.Errorf("appending sync log entry %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO sync_log_clocks (log_id, clock) VALUES (?, ?)`, e.ID, e.Clock); err != nil {
		return fmt.Errorf("recording clock for entry %s: %w", e.ID, err)
	}
	return nil
}

const logColumns = `l.id, l.operation, l.entity_type, l.entity_id, l.device_id, l.timestamp, c.clock, l.data`

func scanLogEntry(r rowScanner) (graph.LogEntry, error) {
	var (
		e            graph.LogEntry
		op, kind, ts string
		data         string
	)
	if err := r.Scan(&e.ID, &op, &kind, &e.EntityID, &e.DeviceID, &ts, &e.Clock, &data); err != nil {
		return graph.LogEntry{}, err
	}
	e.Operation = graph.Operation(op)
	e.EntityType = graph.EntityType(kind)
	e.Data = json.RawMessage(data)
	t, err := parseTime(ts)
	if err != nil {
		return graph.LogEntry{}, fmt.Errorf("parsing timestamp for entry %s: %w", e.ID, err)
	}
	e.Timestamp = t
	return e, nil
}

// LogSince returns entries authored by the local device with a clock above
// since, in clock order. This is what a remote device pulls during exchange.
func (s *Store) LogSince(ctx context.Context, since int64, limit int) ([]graph.LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM sync_log l JOIN sync_log_clocks c ON c.log_id = l.id
		WHERE l.device_id = ? AND c.clock > ?
		ORDER BY c.clock ASC
		LIMIT ?`, s.deviceID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync log: %w", err)
	}
	defer rows.Close()

	var entries []graph.LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntityHistory returns every journaled entry for an entity, from any
// device, oldest first. Entries that lost a merge stay here for audit.
func (s *Store) EntityHistory(ctx context.Context, entityID string) ([]graph.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM sync_log l JOIN sync_log_clocks c ON c.log_id = l.id
		WHERE l.entity_id = ?
		ORDER BY l.timestamp ASC, l.device_id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", entityID, err)
	}
	defer rows.Close()

	var entries []graph.LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LocalClock returns the local device's own counter.
func (s *Store) LocalClock(ctx context.Context) (int64, error) {
	var clock int64
	err := s.db.QueryRowContext(ctx, `SELECT clock FROM device_clock WHERE device_id = ?`, s.deviceID).Scan(&clock)
	return clock, err
}

// VectorClock snapshots the device clock relation. Each row contributes one
// component.
func (s *Store) VectorClock(ctx context.Context) (graph.VectorClock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, clock FROM device_clock`)
	if err != nil {
		return nil, fmt.Errorf("querying device clocks: %w", err)
	}
	defer rows.Close()

	vc := graph.VectorClock{}
	for rows.Next() {
		var dev string
		var clock int64
		if err := rows.Scan(&dev, &clock); err != nil {
			return nil, err
		}
		vc[dev] = clock
	}
	return vc, rows.Err()
}

// DeviceClocks lists every known device.
func (s *Store) DeviceClocks(ctx context.Context) ([]DeviceClock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, clock, last_sync FROM device_clock ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("querying device clocks: %w", err)
	}
	defer rows.Close()

	var out []DeviceClock
	for rows.Next() {
		var d DeviceClock
		var lastSync sql.NullString
		if err := rows.Scan(&d.DeviceID, &d.Clock, &lastSync); err != nil {
			return nil, err
		}
		if d.LastSync, err = parseNullTime(lastSync); err != nil {
			return nil, fmt.Errorf("parsing last_sync for %s: %w", d.DeviceID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ObserveRemoteClock records a remote device's counter as seen at the end of
// an exchange. The counter never moves backwards.
func (s *Store) ObserveRemoteClock(ctx context.Context, deviceID string, clock int64) error {
	if deviceID == s.deviceID {
		return fmt.Errorf("device %s is local", deviceID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_clock (device_id, clock, last_sync) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			clock = MAX(device_clock.clock, excluded.clock),
			last_sync = excluded.last_sync`,
		deviceID, clock, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("recording clock for %s: %w", deviceID, err)
	}
	return nil
}

// HighWaterMark returns the highest clock of remote's log already applied.
func (s *Store) HighWaterMark(ctx context.Context, remote string) (int64, error) {
	var mark int64
	err := s.db.QueryRowContext(ctx, `SELECT applied_clock FROM sync_peers WHERE remote_device_id = ?`, remote).Scan(&mark)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return mark, err
}

func advanceMark(ctx context.Context, q queryer, remote string, clock int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_peers (remote_device_id, applied_clock, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(remote_device_id) DO UPDATE SET
			applied_clock = MAX(sync_peers.applied_clock, excluded.applied_clock),
			updated_at = excluded.updated_at`,
		remote, clock, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("advancing high-water mark for %s: %w", remote, err)
	}
	return nil
}

// AppliedMarks reports how much of each author's log this device holds:
// the high-water mark for every remote plus the local clock for itself.
// Peers use it to confirm tombstone propagation.
func (s *Store) AppliedMarks(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT remote_device_id, applied_clock FROM sync_peers`)
	if err != nil {
		return nil, fmt.Errorf("querying high-water marks: %w", err)
	}
	defer rows.Close()

	marks := map[string]int64{}
	for rows.Next() {
		var dev string
		var clock int64
		if err := rows.Scan(&dev, &clock); err != nil {
			return nil, err
		}
		marks[dev] = clock
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	local, err := s.LocalClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local clock: %w", err)
	}
	marks[s.deviceID] = local
	return marks, nil
}

// RecordPeerAcks stores what peer reported it has applied of each author's
// log. Values never move backwards.
func (s *Store) RecordPeerAcks(ctx context.Context, peer string, applied map[string]int64) error {
	now := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for author, clock := range applied {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO peer_acks (peer_id, author_id, clock, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(peer_id, author_id) DO UPDATE SET
					clock = MAX(peer_acks.clock, excluded.clock),
					updated_at = excluded.updated_at`,
				peer, author, clock, now,
			)
			if err != nil {
				return fmt.Errorf("recording ack %s/%s: %w", peer, author, err)
			}
		}
		return nil
	})
}
