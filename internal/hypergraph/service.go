// Package hypergraph is the entry point for callers: it exposes the graph
// operations over one device's store and keeps the vector index in step with
// every local write and every merged remote entry.
package hypergraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/index"
	"github.com/kalambet/hypersync/internal/storage"
	"github.com/kalambet/hypersync/internal/traversal"
)

// ErrIndexMismatch is returned by New when the database was indexed with a
// different metric or dimension than configured.
var ErrIndexMismatch = errors.New("index configuration mismatch")

const (
	metaMetric    = "metric"
	metaDimension = "dimension"
)

// Options configures a Service.
type Options struct {
	Dimension   int
	Metric      index.Metric
	MaxFrontier int
	// CompactAfter is the number of removed vectors that triggers an index
	// rebuild, once they also outnumber the live ones. Zero uses
	// DefaultCompactAfter.
	CompactAfter int
	// Reindex rewrites the recorded metric and dimension instead of failing
	// on a mismatch.
	Reindex bool
	Logger  *slog.Logger
}

// DefaultCompactAfter is the removed-vector floor used when Options leaves it unset.
const DefaultCompactAfter = 1024

// ScoredNode is a vector search hit.
type ScoredNode struct {
	Node     graph.Node `json:"node"`
	Distance float32    `json:"distance"`
}

// Service wraps a Store. Read-only and sync bookkeeping methods are promoted
// from the Store; methods that change embeddings are overridden here.
type Service struct {
	*storage.Store

	index        *index.HNSW
	compactAfter uint64
	traversal    *traversal.Engine
	logger       *slog.Logger
}

// New builds the vector index from the store and returns a ready Service.
func New(ctx context.Context, store *storage.Store, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Metric == "" {
		opts.Metric = index.Cosine
	}
	if opts.CompactAfter <= 0 {
		opts.CompactAfter = DefaultCompactAfter
	}

	if err := checkIndexMeta(ctx, store, opts); err != nil {
		return nil, err
	}

	idx, err := index.New(func(o *index.Options) {
		o.Dimension = opts.Dimension
		o.Metric = opts.Metric
	})
	if err != nil {
		return nil, fmt.Errorf("creating index: %w", err)
	}

	s := &Service{
		Store:        store,
		index:        idx,
		compactAfter: uint64(opts.CompactAfter),
		traversal:    traversal.New(store, traversal.WithMaxFrontier(opts.MaxFrontier), traversal.WithLogger(logger)),
		logger:       logger,
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func checkIndexMeta(ctx context.Context, store *storage.Store, opts Options) error {
	metric, err := store.IndexMeta(ctx, metaMetric)
	if err != nil {
		return err
	}
	dim, err := store.IndexMeta(ctx, metaDimension)
	if err != nil {
		return err
	}
	want := strconv.Itoa(opts.Dimension)

	if metric != "" && !opts.Reindex && (metric != string(opts.Metric) || dim != want) {
		return fmt.Errorf("%w: database indexed with %s/%s, configured %s/%s; run `hypersync index rebuild`",
			ErrIndexMismatch, metric, dim, opts.Metric, want)
	}
	if err := store.SetIndexMeta(ctx, metaMetric, string(opts.Metric)); err != nil {
		return err
	}
	return store.SetIndexMeta(ctx, metaDimension, want)
}

type embedding struct {
	id  string
	vec []float32
}

// load streams embeddings out of SQLite while a second goroutine links them
// into the graph.
func (s *Service) load(ctx context.Context) error {
	start := time.Now()
	ch := make(chan embedding, 256)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(ch)
		return s.Store.EachEmbedding(gctx, func(id string, vec []float32) error {
			select {
			case ch <- embedding{id: id, vec: vec}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	var loaded, skipped int
	g.Go(func() error {
		for e := range ch {
			if err := s.index.Upsert(e.id, e.vec); err != nil {
				// A stored vector of another dimension predates a config change.
				s.logger.Warn("skipping embedding", "node_id", e.id, "error", err)
				skipped++
				continue
			}
			loaded++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	s.logger.Info("vector index loaded",
		"vectors", loaded,
		"skipped", skipped,
		"metric", s.index.Metric(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Index exposes the vector index for diagnostics.
func (s *Service) Index() *index.HNSW { return s.index }

// reindex brings the index entry for n in line with its stored state.
func (s *Service) reindex(n graph.Node) {
	if n.Deleted() || n.Embedding == nil {
		if s.index.Remove(n.ID) {
			s.compactIndex()
		}
		return
	}
	if err := s.index.Upsert(n.ID, n.Embedding); err != nil {
		s.logger.Warn("indexing embedding", "node_id", n.ID, "error", err)
		return
	}
	s.compactIndex()
}

// compactIndex rebuilds the index once removed vectors pass the floor and
// outnumber the live ones.
func (s *Service) compactIndex() {
	removed := s.index.Removed()
	if removed < s.compactAfter || removed <= uint64(s.index.Len()) {
		return
	}
	start := time.Now()
	reclaimed := s.index.Compact()
	s.logger.Info("vector index compacted",
		"reclaimed", reclaimed,
		"vectors", s.index.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// CreateNode stores a node and indexes its embedding.
func (s *Service) CreateNode(ctx context.Context, in graph.NewNode) (graph.Node, error) {
	n, err := s.Store.CreateNode(ctx, in)
	if err != nil {
		return graph.Node{}, err
	}
	s.reindex(n)
	return n, nil
}

// CreateNodesBatch stores all nodes in one transaction and indexes their
// embeddings.
func (s *Service) CreateNodesBatch(ctx context.Context, ins []graph.NewNode) ([]graph.Node, error) {
	nodes, err := s.Store.CreateNodesBatch(ctx, ins)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		s.reindex(n)
	}
	return nodes, nil
}

// UpdateNode applies patch under the optimistic version check.
func (s *Service) UpdateNode(ctx context.Context, id string, patch graph.NodePatch, expectedVersion int64) (graph.Node, error) {
	n, err := s.Store.UpdateNode(ctx, id, patch, expectedVersion)
	if err != nil {
		return graph.Node{}, err
	}
	s.reindex(n)
	return n, nil
}

// SoftDeleteNode tombstones a node and drops it from vector search.
func (s *Service) SoftDeleteNode(ctx context.Context, id string, expectedVersion int64) (graph.Node, error) {
	n, err := s.Store.SoftDeleteNode(ctx, id, expectedVersion)
	if err != nil {
		return graph.Node{}, err
	}
	s.reindex(n)
	return n, nil
}

// ApplyEntry merges a remote entry and reindexes the node it changed.
func (s *Service) ApplyEntry(ctx context.Context, remote string, e graph.LogEntry) (storage.MergeResult, error) {
	res, err := s.Store.ApplyEntry(ctx, remote, e)
	if err != nil {
		return res, err
	}
	if res.Changed() && res.Node != nil {
		s.reindex(*res.Node)
	}
	return res, nil
}

// VectorSearch returns the k live nodes nearest to q, nearest first.
func (s *Service) VectorSearch(ctx context.Context, q []float32, k int) ([]ScoredNode, error) {
	if err := graph.CheckEmbedding(q, s.index.Dimension()); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, &graph.ValidationError{Field: "k", Reason: "must be positive"}
	}

	hits, err := s.index.Search(q, k)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	nodes, err := s.Store.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ScoredNode, 0, len(hits))
	for _, h := range hits {
		n, ok := nodes[h.ID]
		if !ok {
			// Deleted between the index read and the row read.
			continue
		}
		out = append(out, ScoredNode{Node: n, Distance: h.Distance})
	}
	return out, nil
}

// Neighborhood returns live nodes within maxDepth hops of start.
func (s *Service) Neighborhood(ctx context.Context, start string, maxDepth int) ([]traversal.Hit, error) {
	return s.traversal.Neighborhood(ctx, start, maxDepth)
}

// ShortestPath returns a shortest chain of node ids from -> to.
func (s *Service) ShortestPath(ctx context.Context, from, to string, maxDepth int) ([]string, error) {
	return s.traversal.ShortestPath(ctx, from, to, maxDepth)
}

// ConnectedComponent returns every live node connected to start, start
// included, in id order.
func (s *Service) ConnectedComponent(ctx context.Context, start string) ([]graph.Node, error) {
	ids, err := s.traversal.Component(ctx, start)
	if err != nil {
		return nil, err
	}
	nodes, err := s.Store.GetNodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]graph.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}
