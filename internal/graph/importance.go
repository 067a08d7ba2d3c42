package graph

import "github.com/loreforge/loreforge/internal/model"

// Importance weights.
const (
	weightPagerank    = 0.4
	weightBetweenness = 0.4
	weightHierarchy   = 0.2
)

// CombineImportance folds the three normalized inputs into the combined
// score, clamped to [0,100].
func CombineImportance(pagerank, betweenness, hierarchy float64) float64 {
	s := weightPagerank*pagerank + weightBetweenness*betweenness + weightHierarchy*hierarchy
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// EffectiveImportance applies the manual override in entity metadata, when
// present, over the computed score. Overrides never touch the stored value;
// they replace it on read.
func EffectiveImportance(meta map[string]any, computed float64) float64 {
	if meta != nil {
		if lvl, ok := meta["importanceOverride"].(string); ok {
			if v, ok := model.ImportanceOverride[lvl]; ok {
				return v
			}
		}
	}
	return computed
}
