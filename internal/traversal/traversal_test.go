package traversal

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hypersync/internal/graph"
	"github.com/kalambet/hypersync/internal/storage"
)

// memGraph is an adjacency list over hyperedges given as member lists.
type memGraph struct {
	nodes map[string]bool
	edges [][]string
	calls int
}

func newMemGraph(edges ...[]string) *memGraph {
	g := &memGraph{nodes: map[string]bool{}, edges: edges}
	for _, e := range edges {
		for _, n := range e {
			g.nodes[n] = true
		}
	}
	return g
}

func (g *memGraph) ActiveNode(_ context.Context, id string) (bool, error) {
	return g.nodes[id], nil
}

func (g *memGraph) Neighbors(_ context.Context, frontier []string) (map[string][]string, error) {
	g.calls++
	out := map[string][]string{}
	for _, f := range frontier {
		seen := map[string]bool{}
		for _, e := range g.edges {
			in := false
			for _, n := range e {
				if n == f {
					in = true
				}
			}
			if !in {
				continue
			}
			for _, n := range e {
				if n != f && g.nodes[n] && !seen[n] {
					seen[n] = true
					out[f] = append(out[f], n)
				}
			}
		}
	}
	return out, nil
}

func distances(hits []Hit) map[string]int {
	out := make(map[string]int, len(hits))
	for _, h := range hits {
		out[h.NodeID] = h.Distance
	}
	return out
}

func TestNeighborhoodDepthZero(t *testing.T) {
	g := newMemGraph([]string{"a", "b"})
	hits, err := New(g).Neighborhood(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.Equal(t, []Hit{{NodeID: "a", Distance: 0}}, hits)
	assert.Zero(t, g.calls, "depth 0 must not expand")
}

func TestNeighborhoodMinimumDistance(t *testing.T) {
	// a-b-c-d chain plus a triangle shortcut a,c,e.
	g := newMemGraph(
		[]string{"a", "b"},
		[]string{"b", "c"},
		[]string{"c", "d"},
		[]string{"a", "c", "e"},
	)
	hits, err := New(g).Neighborhood(context.Background(), "a", 5)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 1, "e": 1, "d": 2}, distances(hits))

	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
	}
	// Halts once nothing new is found: levels 1, 2 and one empty expansion.
	assert.Equal(t, 3, g.calls)
}

func TestNeighborhoodMonotonic(t *testing.T) {
	var edges [][]string
	for i := 0; i < 30; i++ {
		edges = append(edges, []string{fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", (i*7+3)%30), fmt.Sprintf("n%d", (i+1)%30)})
	}
	g := newMemGraph(edges...)
	e := New(g)

	prev := map[string]int{}
	for d := 0; d <= 6; d++ {
		hits, err := e.Neighborhood(context.Background(), "n0", d)
		require.NoError(t, err)
		cur := distances(hits)
		for id, dist := range prev {
			got, ok := cur[id]
			if assert.True(t, ok, "%s found at depth %d but not %d", id, d-1, d) {
				assert.Equal(t, dist, got, "distance of %s changed", id)
			}
		}
		for _, h := range hits {
			assert.LessOrEqual(t, h.Distance, d)
		}
		prev = cur
	}
}

func TestNeighborhoodMaxFrontier(t *testing.T) {
	// hub connects to five spokes; each spoke has a private leaf.
	edges := [][]string{}
	for i := 0; i < 5; i++ {
		spoke := fmt.Sprintf("s%d", i)
		edges = append(edges, []string{"hub", spoke}, []string{spoke, "leaf" + spoke})
	}
	g := newMemGraph(edges...)

	hits, err := New(g, WithMaxFrontier(2)).Neighborhood(context.Background(), "hub", 2)
	require.NoError(t, err)
	got := distances(hits)
	assert.Len(t, got, 1+5+2, "all spokes recorded, only two expanded")
	assert.Equal(t, 2, got["leafs0"])
	assert.Equal(t, 2, got["leafs1"])
	assert.NotContains(t, got, "leafs4")
}

func TestNeighborhoodErrors(t *testing.T) {
	g := newMemGraph([]string{"a", "b"})
	e := New(g)

	_, err := e.Neighborhood(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, graph.ErrNotFound)

	_, err = e.Neighborhood(context.Background(), "a", -1)
	assert.ErrorIs(t, err, graph.ErrValidation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Neighborhood(ctx, "a", 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComponent(t *testing.T) {
	// Two islands: a long chain through a hyperedge of three, and a pair.
	g := newMemGraph(
		[]string{"d", "c"},
		[]string{"c", "b", "e"},
		[]string{"b", "a"},
		[]string{"x", "y"},
	)
	e := New(g)

	ids, err := e.Component(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)

	ids, err = e.Component(context.Background(), "y")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids)

	_, err = e.Component(context.Background(), "missing")
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestShortestPath(t *testing.T) {
	g := newMemGraph(
		[]string{"a", "b"},
		[]string{"b", "c"},
		[]string{"c", "d"},
		[]string{"a", "x", "d"},
		[]string{"y", "z"},
	)
	e := New(g)
	ctx := context.Background()

	path, err := e.ShortestPath(ctx, "a", "d", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, path)

	path, err = e.ShortestPath(ctx, "b", "d", 5)
	require.NoError(t, err)
	assert.Len(t, path, 3)
	assert.Equal(t, "b", path[0])
	assert.Equal(t, "d", path[2])

	path, err = e.ShortestPath(ctx, "a", "a", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, path)

	_, err = e.ShortestPath(ctx, "a", "z", 5)
	assert.ErrorIs(t, err, ErrNoPath)

	_, err = e.ShortestPath(ctx, "b", "d", 1)
	assert.ErrorIs(t, err, ErrNoPath)

	_, err = e.ShortestPath(ctx, "a", "missing", 3)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

// TestNeighborhoodOverStore runs against SQLite: a two-node hyperedge, then
// the same query after one participant is tombstoned.
func TestNeighborhoodOverStore(t *testing.T) {
	ctx := context.Background()
	s, err := storage.Open(":memory:", "device-1")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	a, err := s.CreateNode(ctx, graph.NewNode{Content: "entropy curvature", ContentType: graph.Thought})
	require.NoError(t, err)
	b, err := s.CreateNode(ctx, graph.NewNode{Content: "heliobiology observation", ContentType: graph.Memory})
	require.NoError(t, err)
	h, err := s.CreateHyperedge(ctx, graph.NewHyperedge{
		Label: "relates",
		Members: []graph.Member{
			{NodeID: a.ID, Role: "source"},
			{NodeID: b.ID, Role: "evidence"},
		},
	})
	require.NoError(t, err)

	e := New(s)
	hits, err := e.Neighborhood(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{a.ID: 0, b.ID: 1}, distances(hits))

	_, err = s.SoftDeleteNode(ctx, b.ID, b.Version)
	require.NoError(t, err)

	hits, err = e.Neighborhood(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{a.ID: 0}, distances(hits))

	n, err := s.CountIncidences(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "incidence for %s/%s must survive the tombstone", h.ID, b.ID)

	_, err = e.Neighborhood(ctx, b.ID, 1)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}
