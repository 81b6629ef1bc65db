package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/hypersync/internal/graph"
)

// SearchNodes runs a full-text query over live node content, best match
// first. Each whitespace-separated token is matched as a literal term, so
// FTS operators in user input have no effect.
func (s *Store) SearchNodes(ctx context.Context, query string, limit int) ([]graph.Node, error) {
	q := sanitizeFTS(query)
	if q == "" {
		return nil, &graph.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.content, n.content_type, n.metadata, n.embedding,
		       n.created_at, n.updated_at, n.deleted_at, n.device_id, n.version
		FROM nodes_fts f
		JOIN nodes n ON n.id = f.node_id
		WHERE nodes_fts MATCH ? AND n.deleted_at IS NULL
		ORDER BY bm25(nodes_fts) ASC
		LIMIT ?`, q, limit)
	if err != nil {
		return nil, fmt.Errorf("searching nodes: %w", err)
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

// sanitizeFTS wraps each word in quotes so FTS5 treats it as a term, not an
// operator. "fix auth bug" becomes `"fix" "auth" "bug"`.
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	out := words[:0]
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		if w == "" {
			continue
		}
		out = append(out, `"`+w+`"`)
	}
	return strings.Join(out, " ")
}

// ActiveNode reports whether id names a live node.
func (s *Store) ActiveNode(ctx context.Context, id string) (bool, error) {
	err := requireLiveNode(ctx, s.db, id)
	if errors.Is(err, graph.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Neighbors expands a traversal frontier by one hop: for every id in
// frontier it returns the other live nodes sharing a live hyperedge with it.
// Work is one query per chunk of the frontier, not one per node.
func (s *Store) Neighbors(ctx context.Context, frontier []string) (map[string][]string, error) {
	out := make(map[string][]string, len(frontier))
	for _, chunk := range chunks(frontier, maxInArgs) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT src.node_id, dst.node_id
			FROM incidences src
			JOIN hyperedges h ON h.id = src.hyperedge_id AND h.deleted_at IS NULL
			JOIN incidences dst ON dst.hyperedge_id = src.hyperedge_id AND dst.node_id <> src.node_id
			JOIN nodes n ON n.id = dst.node_id AND n.deleted_at IS NULL
			WHERE src.node_id IN (`+placeholders(len(chunk))+`)
			ORDER BY src.node_id, dst.node_id`, args...)
		if err != nil {
			return nil, fmt.Errorf("expanding frontier: %w", err)
		}
		for rows.Next() {
			var from, to string
			if err := rows.Scan(&from, &to); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning neighbor: %w", err)
			}
			out[from] = append(out[from], to)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IndexMeta returns a value recorded in index_meta, or "" when unset.
func (s *Store) IndexMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading index meta %s: %w", key, err)
	}
	return v, nil
}

// SetIndexMeta records a value in index_meta, replacing any previous one.
func (s *Store) SetIndexMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing index meta %s: %w", key, err)
	}
	return nil
}
