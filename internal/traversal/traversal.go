// Package traversal answers bounded breadth-first queries over the
// node-hyperedge incidence structure.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/kalambet/hypersync/internal/graph"
)

// ErrNoPath is returned by ShortestPath when the target is not reachable
// within the depth bound.
var ErrNoPath = errors.New("no path")

// Graph is the read side of the store the traversal needs. Both methods only
// see live nodes and live hyperedges.
type Graph interface {
	ActiveNode(ctx context.Context, id string) (bool, error)
	// Neighbors returns, for each id in frontier, the live nodes that share
	// a live hyperedge with it.
	Neighbors(ctx context.Context, frontier []string) (map[string][]string, error)
}

// Hit is a discovered node and its hop distance from the start.
type Hit struct {
	NodeID   string `json:"node_id"`
	Distance int    `json:"distance"`
}

// Engine runs traversals against a Graph.
type Engine struct {
	g           Graph
	maxFrontier int
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxFrontier caps how many nodes are expanded per level. Zero means no
// cap. When the cap bites, the lexically smallest ids are expanded.
func WithMaxFrontier(n int) Option {
	return func(e *Engine) { e.maxFrontier = n }
}

// WithLogger sets the logger used to report truncated frontiers.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an Engine over g.
func New(g Graph, opts ...Option) *Engine {
	e := &Engine{g: g, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Neighborhood returns every live node within maxDepth hops of start with its
// minimum distance, ordered by distance then id. Depth 0 yields only start.
func (e *Engine) Neighborhood(ctx context.Context, start string, maxDepth int) ([]Hit, error) {
	if err := e.checkStart(ctx, start, maxDepth); err != nil {
		return nil, err
	}

	visited := map[string]int{start: 0}
	frontier := []string{start}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		adj, err := e.g.Neighbors(ctx, e.bound(frontier, depth))
		if err != nil {
			return nil, fmt.Errorf("expanding level %d: %w", depth, err)
		}

		var next []string
		for _, from := range frontier {
			for _, to := range adj[from] {
				if _, seen := visited[to]; seen {
					continue
				}
				visited[to] = depth
				next = append(next, to)
			}
		}
		frontier = next
	}

	hits := make([]Hit, 0, len(visited))
	for id, d := range visited {
		hits = append(hits, Hit{NodeID: id, Distance: d})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].NodeID < hits[j].NodeID
	})
	return hits, nil
}

// Component returns the ids of every live node connected to start through
// live hyperedges, start included, in id order. The per-level frontier cap
// still applies.
func (e *Engine) Component(ctx context.Context, start string) ([]string, error) {
	hits, err := e.Neighborhood(ctx, start, math.MaxInt)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.NodeID
	}
	sort.Strings(ids)
	return ids, nil
}

// ShortestPath returns the node ids of a shortest path from -> to, both
// included, using at most maxDepth hops.
func (e *Engine) ShortestPath(ctx context.Context, from, to string, maxDepth int) ([]string, error) {
	if err := e.checkStart(ctx, from, maxDepth); err != nil {
		return nil, err
	}
	ok, err := e.g.ActiveNode(ctx, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &graph.NotFoundError{Kind: graph.EntityNode, ID: to}
	}
	if from == to {
		return []string{from}, nil
	}

	parent := map[string]string{from: ""}
	frontier := []string{from}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		adj, err := e.g.Neighbors(ctx, e.bound(frontier, depth))
		if err != nil {
			return nil, fmt.Errorf("expanding level %d: %w", depth, err)
		}

		var next []string
		for _, f := range frontier {
			for _, n := range adj[f] {
				if _, seen := parent[n]; seen {
					continue
				}
				parent[n] = f
				if n == to {
					return walkBack(parent, to), nil
				}
				next = append(next, n)
			}
		}
		frontier = next
	}
	return nil, ErrNoPath
}

func walkBack(parent map[string]string, to string) []string {
	var path []string
	for n := to; n != ""; n = parent[n] {
		path = append(path, n)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func (e *Engine) checkStart(ctx context.Context, start string, maxDepth int) error {
	if maxDepth < 0 {
		return &graph.ValidationError{Field: "max_depth", Reason: "must not be negative"}
	}
	ok, err := e.g.ActiveNode(ctx, start)
	if err != nil {
		return err
	}
	if !ok {
		return &graph.NotFoundError{Kind: graph.EntityNode, ID: start}
	}
	return nil
}

// bound sorts the frontier and applies the per-level cap.
func (e *Engine) bound(frontier []string, depth int) []string {
	sort.Strings(frontier)
	if e.maxFrontier <= 0 || len(frontier) <= e.maxFrontier {
		return frontier
	}
	e.logger.Debug("frontier truncated", "depth", depth, "size", len(frontier), "cap", e.maxFrontier)
	return frontier[:e.maxFrontier]
}
