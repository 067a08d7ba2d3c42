package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// triangle a-b-c plus the detached pair d-e.
func twoClusters() *Graph {
	return New(
		[]string{"a", "b", "c", "d", "e"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"d", "e"}},
	)
}

func TestNewSortsAndDedupes(t *testing.T) {
	g := New([]string{"c", "a", "b"}, [][2]string{
		{"a", "b"},
		{"b", "a"}, // reverse of an existing undirected pair
		{"a", "a"}, // self loop dropped
		{"a", "z"}, // unknown endpoint dropped
	})
	assert.Equal(t, []string{"a", "b", "c"}, g.Nodes)
	assert.Len(t, g.Edges, 2, "self loops and unknown endpoints are dropped")
	assert.Equal(t, []int{1}, g.Neighbors(0), "undirected adjacency deduplicates a<->b")
	assert.Equal(t, -1, g.Index("z"))
	assert.Equal(t, 1, g.OutDegree(g.Index("a")))
}

func TestSubgraphPreservesIDs(t *testing.T) {
	g := twoClusters()
	sub := g.Subgraph([]int{g.Index("a"), g.Index("b"), g.Index("d")})
	assert.Equal(t, []string{"a", "b", "d"}, sub.Nodes)
	assert.Len(t, sub.Edges, 1, "only a->b survives the cut")
}

func TestMinMaxScale(t *testing.T) {
	v := []float64{2, 4, 6}
	minMaxScale(v)
	assert.Equal(t, []float64{0, 50, 100}, v)

	constant := []float64{3, 3, 3}
	minMaxScale(constant)
	assert.Equal(t, []float64{50, 50, 50}, constant, "constant vectors map to all-50")

	minMaxScale(nil) // no panic
}

func TestDetectSeparatesComponents(t *testing.T) {
	g := twoClusters()
	assign := Detect(g, DefaultLeidenParams())
	require.Len(t, assign, 5)

	byID := func(id string) int { return assign[g.Index(id)] }
	assert.Equal(t, byID("a"), byID("b"))
	assert.Equal(t, byID("b"), byID("c"))
	assert.Equal(t, byID("d"), byID("e"))
	assert.NotEqual(t, byID("a"), byID("d"), "disconnected clusters get distinct labels")

	labels := map[int]bool{}
	for _, l := range assign {
		labels[l] = true
	}
	assert.Len(t, labels, 2)
}

func TestDetectDeterministic(t *testing.T) {
	g := twoClusters()
	p := DefaultLeidenParams()
	first := Detect(g, p)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Detect(g, p), "same seed, same partition")
	}
}

func TestDetectEmptyAndSingleton(t *testing.T) {
	assert.Nil(t, Detect(New(nil, nil), DefaultLeidenParams()))
	assert.Equal(t, []int{0}, Detect(New([]string{"only"}, nil), DefaultLeidenParams()))
}

func TestPageRankSumsToOne(t *testing.T) {
	// Every node has out-degree >= 1, so rank mass is conserved.
	g := New([]string{"a", "b", "c", "d", "e"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"d", "e"}, {"e", "d"}})
	raw := PageRank(g)
	require.Len(t, raw, 5)

	sum := 0.0
	for _, v := range raw {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-3)
	for _, v := range raw {
		assert.Positive(t, v)
	}
}

func TestPageRankDanglingNode(t *testing.T) {
	// e has no out-edges; its mass leaks but every rank stays positive.
	g := twoClusters()
	raw := PageRank(g)
	sum := 0.0
	for _, v := range raw {
		assert.Positive(t, v)
		sum += v
	}
	assert.Less(t, sum, 1.0)
	assert.Greater(t, raw[g.Index("e")], raw[g.Index("d")],
		"e still collects d's share through the damping term")
}

func TestPageRankSymmetricCycle(t *testing.T) {
	g := New([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}})
	raw := PageRank(g)
	assert.InDelta(t, raw[0], raw[1], 1e-6)
	assert.InDelta(t, raw[1], raw[2], 1e-6)

	scores := PageRankScores(g)
	for id, v := range scores {
		assert.Equal(t, 50.0, v, "uniform ranks normalize to 50 (%s)", id)
	}
}

func TestPageRankDeterministic(t *testing.T) {
	g := twoClusters()
	first := PageRank(g)
	assert.Equal(t, first, PageRank(g))
}

func TestBetweennessPathMidpoint(t *testing.T) {
	g := New([]string{"a", "b", "c", "d", "e"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "e"}})
	scores := Betweenness(g)
	assert.Equal(t, 100.0, scores["c"], "path midpoint carries all shortest paths")
	assert.Equal(t, 0.0, scores["a"])
	assert.Equal(t, 0.0, scores["e"])
	assert.Greater(t, scores["c"], scores["b"])
}

func TestBuildHierarchy(t *testing.T) {
	g := twoClusters()
	clusters := BuildHierarchy(g, DefaultLeidenParams(), 2, 3)
	require.Len(t, clusters, 2)
	for _, c := range clusters {
		assert.Equal(t, 0, c.Level)
		assert.Equal(t, -1, c.Parent)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, clusters[0].Members)
	assert.ElementsMatch(t, []string{"d", "e"}, clusters[1].Members)
}

func TestBuildHierarchyDropsSmallCommunities(t *testing.T) {
	g := twoClusters()
	clusters := BuildHierarchy(g, DefaultLeidenParams(), 3, 3)
	require.Len(t, clusters, 1, "the d-e pair falls under minSize")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, clusters[0].Members)
}

func TestBuildHierarchyOffset(t *testing.T) {
	// Two nested levels: a dense 4-clique bridged to another 4-clique forces
	// subdivision at level 1.
	nodes := []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3", "b4"}
	var edges [][2]string
	clique := func(ids ...string) {
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				edges = append(edges, [2]string{ids[i], ids[j]})
			}
		}
	}
	clique("a1", "a2", "a3", "a4")
	clique("b1", "b2", "b3", "b4")
	edges = append(edges, [2]string{"a1", "b1"})

	g := New(nodes, edges)
	plain := BuildHierarchy(g, DefaultLeidenParams(), 2, 3)
	shifted := BuildHierarchyOffset(g, DefaultLeidenParams(), 2, 3, 10)
	require.Equal(t, len(plain), len(shifted))
	for i := range plain {
		if plain[i].Parent >= 0 {
			assert.Equal(t, plain[i].Parent+10, shifted[i].Parent)
		} else {
			assert.Equal(t, -1, shifted[i].Parent)
		}
	}
}

func TestHierarchyScores(t *testing.T) {
	clusters := []Cluster{
		{Level: 0, Parent: -1, Members: []string{"a", "b"}},
		{Level: 1, Parent: 0, Members: []string{"b"}},
	}
	scores := HierarchyScores([]string{"a", "b", "loner"}, clusters)
	assert.Equal(t, 50.0, scores["loner"], "community-less entities score 50")
	assert.Equal(t, 0.0, scores["a"], "mean level 0 normalizes to the bottom")
	assert.Equal(t, 100.0, scores["b"], "mean level 0.5 is the max here")
}

func TestCombineImportance(t *testing.T) {
	assert.Equal(t, 50.0, CombineImportance(50, 50, 50))
	assert.Equal(t, 40.0, CombineImportance(100, 0, 0))
	assert.Equal(t, 20.0, CombineImportance(0, 0, 100))
	assert.Equal(t, 100.0, CombineImportance(150, 150, 150), "clamped above")
	assert.Equal(t, 0.0, CombineImportance(-10, 0, 0), "clamped below")
}

func TestEffectiveImportance(t *testing.T) {
	assert.Equal(t, 42.0, EffectiveImportance(nil, 42))
	assert.Equal(t, 42.0, EffectiveImportance(map[string]any{}, 42))
	assert.Equal(t, 42.0, EffectiveImportance(map[string]any{"importanceOverride": "bogus"}, 42))

	assert.Equal(t, 10.0, EffectiveImportance(map[string]any{"importanceOverride": "low"}, 42))
	assert.Equal(t, 50.0, EffectiveImportance(map[string]any{"importanceOverride": "normal"}, 42))
	assert.Equal(t, 80.0, EffectiveImportance(map[string]any{"importanceOverride": "high"}, 42))
	assert.Equal(t, 100.0, EffectiveImportance(map[string]any{"importanceOverride": "critical"}, 42))
}
