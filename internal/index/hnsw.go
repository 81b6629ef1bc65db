// Package index implements an in-memory Hierarchical Navigable Small World
// graph over node embeddings.
//
// The graph is rebuilt from the store at startup and kept in step with
// local and merged writes. Removal is logical: removed vertices stay in the
// graph for navigation but are never returned, until Compact rebuilds the
// graph without them.
//
// # Parameters
//
//   - M: links per vertex above layer 0, 2*M at layer 0 (default 16)
//   - EFConstruction: candidate list size while linking (default 200)
//   - EFSearch: candidate list size while searching, at least k (default 64)
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package index

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	// DefaultM is the default number of links per vertex.
	DefaultM = 16
	// DefaultEFConstruction is the default candidate list size while inserting.
	DefaultEFConstruction = 200
	// DefaultEFSearch is the default candidate list size while searching.
	DefaultEFSearch = 64

	minimumM = 2
)

var (
	ErrEmptyVector = errors.New("vector cannot be empty")
	ErrInvalidK    = errors.New("k must be positive")
)

// ErrDimensionMismatch reports a vector whose length differs from the index.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Options configures an index.
type Options struct {
	Dimension      int
	Metric         Metric
	M              int
	EFConstruction int
	EFSearch       int
	Seed           uint64
}

// DefaultOptions contains the defaults used by New.
var DefaultOptions = Options{
	Metric:         Cosine,
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Seed:           1,
}

// Result is one search hit.
type Result struct {
	ID       string
	Distance float32
}

type vertex struct {
	id    string
	vec   []float32
	links [][]uint32 // per layer
}

// HNSW is safe for concurrent use. Searches share a read lock; writes are
// serialized.
type HNSW struct {
	mu sync.RWMutex

	opts      Options
	distance  distanceFunc
	levelMult float64
	rng       *rand.Rand

	vertices []*vertex
	byID     map[string]uint32
	removed  *roaring.Bitmap
	entry    uint32
	maxLevel int
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*HNSW, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", opts.Dimension)
	}
	if _, err := ParseMetric(string(opts.Metric)); err != nil {
		return nil, err
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}

	return &HNSW{
		opts:      opts,
		distance:  opts.Metric.distance(),
		levelMult: 1 / math.Log(float64(opts.M)),
		rng:       rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		byID:      make(map[string]uint32),
		removed:   roaring.New(),
		maxLevel:  -1,
	}, nil
}

// Dimension returns the vector length the index accepts.
func (h *HNSW) Dimension() int { return h.opts.Dimension }

// Metric returns the distance the index was built with.
func (h *HNSW) Metric() Metric { return h.opts.Metric }

// Len returns the number of live vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Removed returns how many vertices are kept only for navigation.
func (h *HNSW) Removed() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.removed.GetCardinality()
}

// Contains reports whether id is indexed and live.
func (h *HNSW) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byID[id]
	return ok
}

func (h *HNSW) prepare(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, ErrEmptyVector
	}
	if len(v) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}
	if h.opts.Metric == Cosine {
		return normalize(v), nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, nil
}

// Upsert indexes vec under id, replacing any previous vector for id.
func (h *HNSW) Upsert(id string, vec []float32) error {
	v, err := h.prepare(vec)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.byID[id]; ok {
		h.removed.Add(old)
	}
	h.insert(id, v)
	return nil
}

// Compact rebuilds the graph from the live vectors, dropping every removed
// vertex, and returns how many were reclaimed. Searches block meanwhile.
func (h *HNSW) Compact() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	reclaimed := int(h.removed.GetCardinality())
	if reclaimed == 0 {
		return 0
	}
	live := make([]*vertex, 0, len(h.byID))
	for i, v := range h.vertices {
		if cur, ok := h.byID[v.id]; ok && cur == uint32(i) {
			live = append(live, v)
		}
	}

	h.vertices = make([]*vertex, 0, len(live))
	h.byID = make(map[string]uint32, len(live))
	h.removed = roaring.New()
	h.entry = 0
	h.maxLevel = -1
	for _, v := range live {
		h.insert(v.id, v.vec)
	}
	return reclaimed
}

// insert links a prepared vector as a new vertex. Callers hold the write lock.
func (h *HNSW) insert(id string, v []float32) {
	level := h.randomLevel()
	internal := uint32(len(h.vertices))
	h.vertices = append(h.vertices, &vertex{id: id, vec: v, links: make([][]uint32, level+1)})
	h.byID[id] = internal

	if h.maxLevel < 0 {
		h.entry = internal
		h.maxLevel = level
		return
	}

	ep := candidate{id: h.entry, dist: h.distance(v, h.vertices[h.entry].vec)}

	// 1. Greedy descent through the layers above the new vertex.
	for l := h.maxLevel; l > level; l-- {
		ep = h.greedy(v, ep, l)
	}

	// 2. Search and link from the vertex's top layer down to 0.
	eps := []candidate{ep}
	for l := min(level, h.maxLevel); l >= 0; l-- {
		found := h.searchLayer(v, eps, h.opts.EFConstruction, l, true)
		maxConns := h.maxConns(l)
		neighbors := found
		if len(neighbors) > maxConns {
			neighbors = neighbors[:maxConns]
		}

		links := make([]uint32, len(neighbors))
		for i, n := range neighbors {
			links[i] = n.id
		}
		h.vertices[internal].links[l] = links

		for _, n := range neighbors {
			h.link(n.id, internal, l)
		}
		eps = found
	}

	if level > h.maxLevel {
		h.entry = internal
		h.maxLevel = level
	}
}

// Remove drops id from results. It reports whether id was live.
func (h *HNSW) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	internal, ok := h.byID[id]
	if !ok {
		return false
	}
	delete(h.byID, id)
	h.removed.Add(internal)
	return true
}

// Search returns up to k live vectors nearest to q, nearest first.
func (h *HNSW) Search(q []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	v, err := h.prepare(q)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.maxLevel < 0 || len(h.byID) == 0 {
		return nil, nil
	}

	ep := candidate{id: h.entry, dist: h.distance(v, h.vertices[h.entry].vec)}
	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedy(v, ep, l)
	}

	ef := max(k, h.opts.EFSearch)
	found := h.searchLayer(v, []candidate{ep}, ef, 0, false)
	if len(found) > k {
		found = found[:k]
	}

	out := make([]Result, len(found))
	for i, c := range found {
		out[i] = Result{ID: h.vertices[c.id].id, Distance: c.dist}
	}
	return out, nil
}

func (h *HNSW) maxConns(level int) int {
	if level == 0 {
		return 2 * h.opts.M
	}
	return h.opts.M
}

func (h *HNSW) randomLevel() int {
	// 1 - Float64 is in (0, 1], keeping the log finite.
	return int(math.Floor(-math.Log(1-h.rng.Float64()) * h.levelMult))
}

// greedy walks layer l from ep towards q while the distance keeps shrinking.
func (h *HNSW) greedy(q []float32, ep candidate, l int) candidate {
	changed := true
	for changed {
		changed = false
		for _, next := range h.linksAt(ep.id, l) {
			d := h.distance(q, h.vertices[next].vec)
			if d < ep.dist {
				ep = candidate{id: next, dist: d}
				changed = true
			}
		}
	}
	return ep
}

func (h *HNSW) linksAt(id uint32, l int) []uint32 {
	links := h.vertices[id].links
	if l >= len(links) {
		return nil
	}
	return links[l]
}

// searchLayer runs a best-first search on layer l and returns up to ef
// candidates nearest first. Removed vertices are always explored; they are
// returned only when withRemoved is set, which keeps new vertices linked into
// regions whose members were removed.
func (h *HNSW) searchLayer(q []float32, eps []candidate, ef, l int, withRemoved bool) []candidate {
	visited := roaring.New()
	frontier := newQueue(false, ef)
	results := newQueue(true, ef+1)

	for _, ep := range eps {
		if visited.Contains(ep.id) {
			continue
		}
		visited.Add(ep.id)
		frontier.push(ep)
		if withRemoved || !h.removed.Contains(ep.id) {
			results.pushBounded(ep, ef)
		}
	}

	for frontier.Len() > 0 {
		curr := frontier.pop()
		if results.Len() >= ef && curr.dist > results.top().dist {
			break
		}
		for _, next := range h.linksAt(curr.id, l) {
			if visited.Contains(next) {
				continue
			}
			visited.Add(next)

			d := h.distance(q, h.vertices[next].vec)
			if results.Len() >= ef && d > results.top().dist {
				continue
			}
			c := candidate{id: next, dist: d}
			frontier.push(c)
			if withRemoved || !h.removed.Contains(next) {
				results.pushBounded(c, ef)
			}
		}
	}
	return results.sorted()
}

// link adds a back-link from src to dst on layer l, pruning src's links to
// the nearest maxConns when it overflows.
func (h *HNSW) link(src, dst uint32, l int) {
	v := h.vertices[src]
	if l >= len(v.links) {
		return
	}
	links := append(v.links[l], dst)
	maxConns := h.maxConns(l)
	if len(links) <= maxConns {
		v.links[l] = links
		return
	}

	q := newQueue(true, len(links))
	for _, id := range links {
		q.push(candidate{id: id, dist: h.distance(v.vec, h.vertices[id].vec)})
	}
	for q.Len() > maxConns {
		q.pop()
	}
	kept := q.sorted()
	pruned := make([]uint32, len(kept))
	for i, c := range kept {
		pruned[i] = c.id
	}
	v.links[l] = pruned
}
