package storage

import (
	"context"
	"fmt"

	"github.com/kalambet/hypersync/internal/graph"
)

// ClusterHealth reports aggregate counts over the local replica.
func (s *Store) ClusterHealth(ctx context.Context) (Health, error) {
	h := Health{DeviceID: s.deviceID, NodesByType: map[graph.ContentType]int{}}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL`, &h.ActiveNodes},
		{`SELECT COUNT(*) FROM nodes WHERE deleted_at IS NOT NULL`, &h.DeletedNodes},
		{`SELECT COUNT(*) FROM hyperedges WHERE deleted_at IS NULL`, &h.ActiveHyperedges},
		{`SELECT COUNT(*) FROM hyperedges WHERE deleted_at IS NOT NULL`, &h.DeletedHyperedges},
		{`SELECT COUNT(*) FROM incidences`, &h.Incidences},
		{`SELECT COUNT(*) FROM device_clock`, &h.KnownDevices},
		{`SELECT COUNT(*) FROM device_clock WHERE last_sync IS NOT NULL`, &h.DevicesSynced},
		{`SELECT COUNT(*) FROM sync_log`, &h.LogEntries},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return Health{}, fmt.Errorf("health: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT content_type, COUNT(*) FROM nodes
		WHERE deleted_at IS NULL GROUP BY content_type`)
	if err != nil {
		return Health{}, fmt.Errorf("health: counting content types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ct string
		var n int
		if err := rows.Scan(&ct, &n); err != nil {
			return Health{}, err
		}
		h.NodesByType[graph.ContentType(ct)] = n
	}
	if err := rows.Err(); err != nil {
		return Health{}, err
	}

	devices, err := s.DeviceClocks(ctx)
	if err != nil {
		return Health{}, err
	}
	for _, d := range devices {
		if d.DeviceID == s.deviceID {
			h.LocalClock = d.Clock
		}
		if d.LastSync != nil && (h.LastSync == nil || d.LastSync.After(*h.LastSync)) {
			t := *d.LastSync
			h.LastSync = &t
		}
	}
	return h, nil
}
