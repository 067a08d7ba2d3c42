package graph

// PageRank parameters.
const (
	pagerankDamping   = 0.85
	pagerankMaxIter   = 100
	pagerankTolerance = 1e-4
)

// PageRank computes the raw PageRank vector over the directed graph. The
// vector sums to roughly 1; dangling nodes contribute nothing but stay
// reachable through the teleport term. Iteration stops when the largest
// per-node delta drops below the tolerance or after the iteration cap.
func PageRank(g *Graph) []float64 {
	n := g.Len()
	if n == 0 {
		return nil
	}

	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}
	base := (1 - pagerankDamping) / float64(n)

	for iter := 0; iter < pagerankMaxIter; iter++ {
		for i := range next {
			next[i] = base
		}
		for m := 0; m < n; m++ {
			deg := g.OutDegree(m)
			if deg == 0 {
				continue
			}
			share := pagerankDamping * rank[m] / float64(deg)
			for _, to := range g.out[m] {
				next[to] += share
			}
		}

		maxDelta := 0.0
		for i := range rank {
			d := next[i] - rank[i]
			if d < 0 {
				d = -d
			}
			if d > maxDelta {
				maxDelta = d
			}
		}
		rank, next = next, rank
		if maxDelta < pagerankTolerance {
			break
		}
	}
	return rank
}

// PageRankScores computes PageRank and min-max normalizes it to [0,100],
// keyed by node ID.
func PageRankScores(g *Graph) map[string]float64 {
	raw := PageRank(g)
	minMaxScale(raw)
	out := make(map[string]float64, len(raw))
	for i, v := range raw {
		out[g.Nodes[i]] = v
	}
	return out
}
