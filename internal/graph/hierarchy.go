package graph

import "sort"

// Hierarchy construction parameters.
const (
	DefaultMinCommunitySize = 2
	DefaultMaxLevels        = 3

	// Communities below this size are not decomposed further.
	subdivideThreshold = 4
)

// Cluster is one detected community in the multi-level hierarchy. Parent
// indexes into the same result slice, -1 for level 0.
type Cluster struct {
	Level   int
	Parent  int
	Members []string
}

// BuildHierarchy runs community detection at level 0 and recursively
// decomposes large communities into sublevels. Communities smaller than
// minSize are dropped at level 0; sublevel communities need at least two
// members. maxLevels bounds the depth.
func BuildHierarchy(g *Graph, p LeidenParams, minSize, maxLevels int) []Cluster {
	if minSize <= 0 {
		minSize = DefaultMinCommunitySize
	}
	if maxLevels <= 0 {
		maxLevels = DefaultMaxLevels
	}

	var out []Cluster
	base := groupByCommunity(g, Detect(g, p))
	for _, members := range base {
		if len(members) < minSize {
			continue
		}
		idx := len(out)
		out = append(out, Cluster{Level: 0, Parent: -1, Members: memberIDs(g, members)})
		out = subdivide(out, g, members, p, idx, 1, maxLevels)
	}
	return out
}

// subdivide re-detects over the induced subgraph of one community and
// appends its children, recursing while communities stay large enough and
// the depth allows.
func subdivide(out []Cluster, g *Graph, members []int, p LeidenParams, parent, level, maxLevels int) []Cluster {
	if len(members) < subdivideThreshold || level >= maxLevels {
		return out
	}
	sub := g.Subgraph(members)
	groups := groupByCommunity(sub, Detect(sub, p))
	if len(groups) < 2 {
		return out // no finer structure found
	}
	for _, subMembers := range groups {
		if len(subMembers) < 2 {
			continue
		}
		idx := len(out)
		out = append(out, Cluster{Level: level, Parent: parent, Members: memberIDs(sub, subMembers)})
		// Recurse with subgraph-local indices translated back.
		backIdx := make([]int, len(subMembers))
		for i, m := range subMembers {
			backIdx[i] = g.Index(sub.Nodes[m])
		}
		out = subdivide(out, g, backIdx, p, idx, level+1, maxLevels)
	}
	return out
}

// BuildHierarchyOffset is BuildHierarchy with parent indexes shifted by
// offset, for appending onto an existing cluster slice.
func BuildHierarchyOffset(g *Graph, p LeidenParams, minSize, maxLevels, offset int) []Cluster {
	clusters := BuildHierarchy(g, p, minSize, maxLevels)
	for i := range clusters {
		if clusters[i].Parent >= 0 {
			clusters[i].Parent += offset
		}
	}
	return clusters
}

// groupByCommunity buckets node indices by community label, ordered by label.
func groupByCommunity(g *Graph, assign []int) [][]int {
	byLabel := map[int][]int{}
	for node, label := range assign {
		byLabel[label] = append(byLabel[label], node)
	}
	labels := make([]int, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	out := make([][]int, 0, len(labels))
	for _, l := range labels {
		out = append(out, byLabel[l])
	}
	return out
}

func memberIDs(g *Graph, nodes []int) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = g.Nodes[n]
	}
	sort.Strings(ids)
	return ids
}

// HierarchyScores derives the per-entity hierarchy input of the importance
// score: 50 for entities in no community, otherwise the mean of their
// community levels, min-max normalized within the campaign.
func HierarchyScores(nodes []string, clusters []Cluster) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, c := range clusters {
		for _, id := range c.Members {
			sums[id] += float64(c.Level)
			counts[id]++
		}
	}

	means := make([]float64, 0, len(counts))
	memberOrder := make([]string, 0, len(counts))
	for _, id := range nodes {
		if counts[id] == 0 {
			continue
		}
		means = append(means, sums[id]/float64(counts[id]))
		memberOrder = append(memberOrder, id)
	}
	minMaxScale(means)

	out := make(map[string]float64, len(nodes))
	for _, id := range nodes {
		out[id] = 50
	}
	for i, id := range memberOrder {
		out[id] = means[i]
	}
	return out
}
