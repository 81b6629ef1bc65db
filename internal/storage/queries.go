package storage

import (
	"context"
	"fmt"
	"slices"

	"github.com/kalambet/hypersync/internal/graph"
)

// HyperedgesBetween returns the live hyperedges that include every node in
// ids, oldest first.
func (s *Store) HyperedgesBetween(ctx context.Context, ids []string) ([]graph.Hyperedge, error) {
	if len(ids) == 0 {
		return nil, &graph.ValidationError{Field: "node_ids", Reason: "must not be empty"}
	}
	edges, err := s.HyperedgesForNode(ctx, ids[0])
	if err != nil {
		return nil, err
	}

	out := edges[:0]
	for _, h := range edges {
		members := h.NodeIDs()
		if !slices.ContainsFunc(ids[1:], func(id string) bool { return !slices.Contains(members, id) }) {
			out = append(out, h)
		}
	}
	return out, nil
}

// MostConnectedNodes returns up to limit live nodes ranked by how many live
// hyperedges they participate in. Nodes without any are left out; ties go to
// the older node.
func (s *Store) MostConnectedNodes(ctx context.Context, limit int) ([]NodeDegree, error) {
	if limit <= 0 {
		return nil, &graph.ValidationError{Field: "limit", Reason: "must be positive"}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.node_id, COUNT(DISTINCT i.hyperedge_id) AS degree
		FROM incidences i
		JOIN hyperedges h ON h.id = i.hyperedge_id AND h.deleted_at IS NULL
		JOIN nodes n ON n.id = i.node_id AND n.deleted_at IS NULL
		GROUP BY i.node_id
		ORDER BY degree DESC, MIN(n.created_at) ASC, i.node_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ranking nodes: %w", err)
	}
	var ranked []NodeDegree
	var ids []string
	for rows.Next() {
		var d NodeDegree
		if err := rows.Scan(&d.Node.ID, &d.Degree); err != nil {
			rows.Close()
			return nil, err
		}
		ranked = append(ranked, d)
		ids = append(ids, d.Node.ID)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	nodes, err := s.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := ranked[:0]
	for _, d := range ranked {
		if n, ok := nodes[d.Node.ID]; ok {
			d.Node = n
			out = append(out, d)
		}
	}
	return out, nil
}

// OrphanNodes returns live nodes that take part in no live hyperedge,
// oldest first. A limit of zero returns all of them.
func (s *Store) OrphanNodes(ctx context.Context, limit int) ([]graph.Node, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE deleted_at IS NULL AND NOT EXISTS (
			SELECT 1 FROM incidences i
			JOIN hyperedges h ON h.id = i.hyperedge_id AND h.deleted_at IS NULL
			WHERE i.node_id = nodes.id
		)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying orphan nodes: %w", err)
	}
	defer rows.Close()

	var out []graph.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
