package graph

import (
	"math/rand"
	"sort"
)

// LeidenParams control community detection. The seed fixes the node visit
// order so results are reproducible.
type LeidenParams struct {
	Resolution    float64
	Seed          int64
	MaxIterations int
}

// DefaultLeidenParams returns the standard detection parameters.
func DefaultLeidenParams() LeidenParams {
	return LeidenParams{Resolution: 1.0, Seed: 42, MaxIterations: 10}
}

// Detect partitions the undirected view of the graph into communities using
// seeded modularity optimization with local moving, refinement by community
// aggregation, and the given resolution. It returns one compact community
// label per node; labels are renumbered so equal inputs give equal outputs.
func Detect(g *Graph, p LeidenParams) []int {
	n := g.Len()
	if n == 0 {
		return nil
	}
	if p.Resolution <= 0 {
		p.Resolution = 1.0
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = 10
	}
	rng := rand.New(rand.NewSource(p.Seed))

	lg := newLocalGraph(g)
	assign := make([]int, n)
	for i := range assign {
		assign[i] = i
	}

	// Local moving on the working graph, then aggregate and repeat until the
	// partition stops improving.
	working := lg
	mapping := assign // node -> community of the original graph
	for {
		moved := working.localMove(rng, p.Resolution, p.MaxIterations)
		comm, count := compactLabels(working.community)
		for i := range mapping {
			mapping[i] = comm[working.community[mapping[i]]]
		}
		if !moved || count == working.n {
			break
		}
		working = working.aggregate(comm, count)
	}

	labels, _ := compactLabels(mapping)
	out := make([]int, n)
	for i := range out {
		out[i] = labels[mapping[i]]
	}
	return out
}

// localGraph is the weighted working graph the detection loop operates on.
type localGraph struct {
	n         int
	adj       []map[int]float64 // neighbor -> edge weight
	selfLoop  []float64
	degree    []float64 // weighted degree including self loops
	total     float64   // 2m
	community []int
	commTot   []float64 // summed degree per community
}

func newLocalGraph(g *Graph) *localGraph {
	lg := &localGraph{
		n:        g.Len(),
		adj:      make([]map[int]float64, g.Len()),
		selfLoop: make([]float64, g.Len()),
		degree:   make([]float64, g.Len()),
	}
	for i := range lg.adj {
		lg.adj[i] = map[int]float64{}
	}
	for i := 0; i < lg.n; i++ {
		for _, j := range g.Neighbors(i) {
			lg.adj[i][j] = 1
		}
	}
	lg.finish()
	return lg
}

func (lg *localGraph) finish() {
	lg.total = 0
	lg.community = make([]int, lg.n)
	lg.commTot = make([]float64, lg.n)
	for i := 0; i < lg.n; i++ {
		d := lg.selfLoop[i] * 2
		for _, w := range lg.adj[i] {
			d += w
		}
		lg.degree[i] = d
		lg.total += d
		lg.community[i] = i
		lg.commTot[i] = d
	}
}

// localMove greedily reassigns nodes to the neighboring community with the
// best modularity gain until a full pass makes no move or the iteration cap
// is reached. Ties break toward the lowest community label.
func (lg *localGraph) localMove(rng *rand.Rand, resolution float64, maxIter int) bool {
	if lg.total == 0 {
		return false
	}
	order := rng.Perm(lg.n)
	movedAny := false
	for iter := 0; iter < maxIter; iter++ {
		movedThisPass := false
		for _, i := range order {
			cur := lg.community[i]
			lg.commTot[cur] -= lg.degree[i]

			// Edge weight from i into each neighboring community.
			links := map[int]float64{cur: 0}
			for j, w := range lg.adj[i] {
				links[lg.community[j]] += w
			}

			best, bestGain := cur, gain(links[cur], lg.commTot[cur], lg.degree[i], lg.total, resolution)
			cands := make([]int, 0, len(links))
			for c := range links {
				cands = append(cands, c)
			}
			sort.Ints(cands)
			for _, c := range cands {
				if c == cur {
					continue
				}
				g := gain(links[c], lg.commTot[c], lg.degree[i], lg.total, resolution)
				if g > bestGain {
					best, bestGain = c, g
				}
			}

			lg.commTot[best] += lg.degree[i]
			if best != cur {
				lg.community[i] = best
				movedThisPass = true
				movedAny = true
			}
		}
		if !movedThisPass {
			break
		}
	}
	return movedAny
}

// gain is the modularity delta (up to a constant factor) of joining a
// community with summed degree tot through edges of weight in.
func gain(in, tot, deg, total, resolution float64) float64 {
	return in - resolution*tot*deg/total
}

// aggregate collapses communities into super-nodes, preserving edge weights
// and intra-community weight as self loops.
func (lg *localGraph) aggregate(comm map[int]int, count int) *localGraph {
	agg := &localGraph{
		n:        count,
		adj:      make([]map[int]float64, count),
		selfLoop: make([]float64, count),
		degree:   make([]float64, count),
	}
	for i := range agg.adj {
		agg.adj[i] = map[int]float64{}
	}
	for i := 0; i < lg.n; i++ {
		ci := comm[lg.community[i]]
		agg.selfLoop[ci] += lg.selfLoop[i]
		for j, w := range lg.adj[i] {
			cj := comm[lg.community[j]]
			if ci == cj {
				if i < j {
					agg.selfLoop[ci] += w
				}
				continue
			}
			agg.adj[ci][cj] += w
		}
	}
	agg.finish()
	return agg
}

// compactLabels renumbers arbitrary labels to 0..count-1 in order of first
// appearance by label value, returning the mapping and the distinct count.
func compactLabels(labels []int) (map[int]int, int) {
	distinct := make([]int, 0, len(labels))
	seen := map[int]bool{}
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			distinct = append(distinct, l)
		}
	}
	sort.Ints(distinct)
	out := make(map[int]int, len(distinct))
	for i, l := range distinct {
		out[l] = i
	}
	return out, len(distinct)
}
