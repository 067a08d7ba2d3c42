package graph

// Betweenness computes unweighted betweenness centrality with Brandes'
// algorithm over the undirected view of the graph, min-max normalized to
// [0,100] and keyed by node ID.
func Betweenness(g *Graph) map[string]float64 {
	n := g.Len()
	raw := make([]float64, n)

	sigma := make([]float64, n)
	dist := make([]int, n)
	delta := make([]float64, n)
	pred := make([][]int, n)
	stack := make([]int, 0, n)
	queue := make([]int, 0, n)

	for s := 0; s < n; s++ {
		stack = stack[:0]
		queue = queue[:0]
		for i := 0; i < n; i++ {
			sigma[i] = 0
			dist[i] = -1
			delta[i] = 0
			pred[i] = pred[i][:0]
		}
		sigma[s] = 1
		dist[s] = 0
		queue = append(queue, s)

		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, w := range g.Neighbors(v) {
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					pred[w] = append(pred[w], v)
				}
			}
		}

		// Dependency accumulation, reverse BFS order.
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range pred[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				raw[w] += delta[w]
			}
		}
	}

	minMaxScale(raw)
	out := make(map[string]float64, n)
	for i, v := range raw {
		out[g.Nodes[i]] = v
	}
	return out
}
