// Package graph holds the in-memory campaign graph and the analytics that
// run over it: community detection, PageRank, betweenness centrality and the
// combined importance score.
package graph

import "sort"

// Edge is one directed edge between two loaded nodes.
type Edge struct {
	From int
	To   int
}

// Graph is a compact in-memory view of a campaign's entity graph. Nodes carry
// only their IDs; content never enters memory. Node order is the sorted ID
// order so every algorithm is deterministic for the same input set.
type Graph struct {
	Nodes []string
	Edges []Edge

	index map[string]int
	out   [][]int
	in    [][]int
	und   [][]int // undirected adjacency, deduplicated
}

// New builds a graph from node IDs and directed edges given as ID pairs.
// Edges referencing unknown nodes are dropped.
func New(nodeIDs []string, edges [][2]string) *Graph {
	nodes := append([]string(nil), nodeIDs...)
	sort.Strings(nodes)

	g := &Graph{
		Nodes: nodes,
		index: make(map[string]int, len(nodes)),
		out:   make([][]int, len(nodes)),
		in:    make([][]int, len(nodes)),
		und:   make([][]int, len(nodes)),
	}
	for i, id := range nodes {
		g.index[id] = i
	}

	seen := make(map[[2]int]bool, len(edges))
	for _, e := range edges {
		from, ok := g.index[e[0]]
		if !ok {
			continue
		}
		to, ok := g.index[e[1]]
		if !ok || from == to {
			continue
		}
		g.Edges = append(g.Edges, Edge{From: from, To: to})
		g.out[from] = append(g.out[from], to)
		g.in[to] = append(g.in[to], from)

		a, b := from, to
		if a > b {
			a, b = b, a
		}
		if !seen[[2]int{a, b}] {
			seen[[2]int{a, b}] = true
			g.und[a] = append(g.und[a], b)
			g.und[b] = append(g.und[b], a)
		}
	}
	for i := range g.und {
		sort.Ints(g.und[i])
	}
	return g
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.Nodes) }

// Index returns the position of a node ID, or -1 when absent.
func (g *Graph) Index(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Neighbors returns the undirected neighbor set of node i.
func (g *Graph) Neighbors(i int) []int { return g.und[i] }

// OutDegree returns the directed out-degree of node i.
func (g *Graph) OutDegree(i int) int { return len(g.out[i]) }

// Subgraph builds the induced subgraph over the given node indices. The
// returned graph has its own node ordering; IDs are preserved.
func (g *Graph) Subgraph(nodeIdx []int) *Graph {
	keep := make(map[int]bool, len(nodeIdx))
	ids := make([]string, 0, len(nodeIdx))
	for _, i := range nodeIdx {
		if !keep[i] {
			keep[i] = true
			ids = append(ids, g.Nodes[i])
		}
	}
	var edges [][2]string
	for _, e := range g.Edges {
		if keep[e.From] && keep[e.To] {
			edges = append(edges, [2]string{g.Nodes[e.From], g.Nodes[e.To]})
		}
	}
	return New(ids, edges)
}

// minMaxScale normalizes values to [0,100] in place. A constant vector maps
// to all-50 so downstream weights stay meaningful.
func minMaxScale(values []float64) {
	if len(values) == 0 {
		return
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		for i := range values {
			values[i] = 50
		}
		return
	}
	for i := range values {
		values[i] = (values[i] - lo) / (hi - lo) * 100
	}
}
