package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hypersync/internal/graph"
)

func TestCreateNodesBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	nodes, err := s.CreateNodesBatch(ctx, []graph.NewNode{
		{Content: "first", ContentType: graph.Thought},
		{Content: "second", ContentType: graph.Memory, Embedding: []float32{0, 0, 1}},
		{Content: "third", ContentType: graph.Note},
	})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "first", nodes[0].Content)
	assert.Equal(t, "third", nodes[2].Content)
	assert.Equal(t, []float32{0, 0, 1}, nodes[1].Embedding)

	entries, err := s.LogSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, graph.OpCreate, e.Operation)
		assert.Equal(t, nodes[i].ID, e.EntityID)
	}
}

func TestCreateNodesBatchAllOrNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateNodesBatch(ctx, []graph.NewNode{
		{Content: "fine", ContentType: graph.Note},
		{Content: "", ContentType: graph.Note},
	})
	require.ErrorIs(t, err, graph.ErrValidation)
	assert.ErrorContains(t, err, "node 1")
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM nodes"))
	assert.Equal(t, 0, countRows(t, s, "SELECT COUNT(*) FROM sync_log"))

	_, err = s.CreateNodesBatch(ctx, nil)
	assert.ErrorIs(t, err, graph.ErrValidation)
}

func TestHyperedgesBetween(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, "a", graph.Note)
	b := mustNode(t, s, "b", graph.Note)
	c := mustNode(t, s, "c", graph.Note)
	abc := mustEdge(t, s, "all", graph.Member{NodeID: a.ID}, graph.Member{NodeID: b.ID}, graph.Member{NodeID: c.ID})
	ab := mustEdge(t, s, "pair", graph.Member{NodeID: a.ID}, graph.Member{NodeID: b.ID})
	mustEdge(t, s, "other", graph.Member{NodeID: b.ID}, graph.Member{NodeID: c.ID})

	got, err := s.HyperedgesBetween(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{abc.ID, ab.ID}, edgeIDs(got))

	got, err = s.HyperedgesBetween(ctx, []string{c.ID, a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{abc.ID}, edgeIDs(got))

	_, err = s.SoftDeleteHyperedge(ctx, abc.ID, 0)
	require.NoError(t, err)
	got, err = s.HyperedgesBetween(ctx, []string{a.ID, c.ID})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.HyperedgesBetween(ctx, nil)
	assert.ErrorIs(t, err, graph.ErrValidation)
}

func TestMostConnectedNodes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hub := mustNode(t, s, "hub", graph.Note)
	a := mustNode(t, s, "a", graph.Note)
	b := mustNode(t, s, "b", graph.Note)
	mustNode(t, s, "alone", graph.Note)
	mustEdge(t, s, "one", graph.Member{NodeID: hub.ID}, graph.Member{NodeID: a.ID})
	mustEdge(t, s, "two", graph.Member{NodeID: hub.ID}, graph.Member{NodeID: b.ID}, graph.Member{NodeID: hub.ID})
	dead := mustEdge(t, s, "three", graph.Member{NodeID: b.ID}, graph.Member{NodeID: a.ID})
	_, err := s.SoftDeleteHyperedge(ctx, dead.ID, 0)
	require.NoError(t, err)

	ranked, err := s.MostConnectedNodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, hub.ID, ranked[0].Node.ID)
	assert.Equal(t, "hub", ranked[0].Node.Content)
	assert.Equal(t, 2, ranked[0].Degree, "repeated membership counts once")
	// a and b tie on one live hyperedge each; a is older.
	assert.Equal(t, a.ID, ranked[1].Node.ID)
	assert.Equal(t, b.ID, ranked[2].Node.ID)
	assert.Equal(t, 1, ranked[2].Degree)

	top, err := s.MostConnectedNodes(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, hub.ID, top[0].Node.ID)

	_, err = s.MostConnectedNodes(ctx, 0)
	assert.ErrorIs(t, err, graph.ErrValidation)
}

func TestOrphanNodes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mustNode(t, s, "a", graph.Note)
	b := mustNode(t, s, "b", graph.Note)
	lone := mustNode(t, s, "lone", graph.Note)
	gone := mustNode(t, s, "gone", graph.Note)
	h := mustEdge(t, s, "pair", graph.Member{NodeID: a.ID}, graph.Member{NodeID: b.ID})
	_, err := s.SoftDeleteNode(ctx, gone.ID, 0)
	require.NoError(t, err)

	got, err := s.OrphanNodes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, lone.ID, got[0].ID)

	// A tombstoned hyperedge no longer anchors its members.
	_, err = s.SoftDeleteHyperedge(ctx, h.ID, 0)
	require.NoError(t, err)
	got, err = s.OrphanNodes(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID, lone.ID}, nodeIDs(got))

	got, err = s.OrphanNodes(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, nodeIDs(got))
}

func edgeIDs(edges []graph.Hyperedge) []string {
	ids := make([]string, len(edges))
	for i, h := range edges {
		ids[i] = h.ID
	}
	return ids
}

func nodeIDs(nodes []graph.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
