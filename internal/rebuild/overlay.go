package rebuild

import (
	"sort"

	"github.com/loreforge/loreforge/internal/model"
)

// Overlay is the read-time projection of unapplied changelog entries.
// Clients layer it over stale graph reads to see current world state before
// the next rebuild lands.
type Overlay struct {
	EntityState       map[string]map[string]any  `json:"entityState"`
	RelationshipState map[string]map[string]any  `json:"relationshipState"`
	NewEntities       map[string]model.NewEntity `json:"newEntities"`
}

// relationshipKey is "<from>::<to>".
func relationshipKey(from, to string) string { return from + "::" + to }

// Reduce folds changelog entries into an overlay. Entries apply in
// (timestamp, seq) order; later writes win per entity or relationship key.
// Deleted entities are represented by a tombstone field.
func Reduce(entries []model.ChangelogEntry) Overlay {
	sorted := append([]model.ChangelogEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	o := Overlay{
		EntityState:       map[string]map[string]any{},
		RelationshipState: map[string]map[string]any{},
		NewEntities:       map[string]model.NewEntity{},
	}
	for _, e := range sorted {
		for _, n := range e.Payload.NewEntities {
			o.NewEntities[n.EntityID] = n
			if len(n.Fields) > 0 {
				o.EntityState[n.EntityID] = mergeFields(o.EntityState[n.EntityID], n.Fields)
			}
		}
		for _, u := range e.Payload.EntityUpdates {
			if u.ChangeType == "deleted" {
				o.EntityState[u.EntityID] = map[string]any{"deleted": true}
				delete(o.NewEntities, u.EntityID)
				continue
			}
			o.EntityState[u.EntityID] = mergeFields(o.EntityState[u.EntityID], u.Fields)
		}
		for _, u := range e.Payload.RelationshipUpdates {
			key := relationshipKey(u.FromEntityID, u.ToEntityID)
			merged := mergeFields(o.RelationshipState[key], u.Fields)
			merged["relationshipType"] = u.RelationshipType
			o.RelationshipState[key] = merged
		}
	}
	return o
}

// mergeFields applies newer fields over the accumulated state, last write
// wins per field.
func mergeFields(state, fields map[string]any) map[string]any {
	if state == nil {
		state = map[string]any{}
	}
	for k, v := range fields {
		state[k] = v
	}
	return state
}
