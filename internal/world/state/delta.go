// Package state defines the state delta exchanged between agents, the
// consistency checker, and the persistence layer, plus the priority merge
// applied during turn aggregation.
package state

import "sort"

// Delta is one agent's proposed change to a stored entity.
type Delta struct {
	// Category names the entity file the change applies to
	// (characters, npcs, locations, quests, encounters, game_state).
	Category string `json:"category"`

	// EntityID identifies the entity within the category. Empty for
	// game_state, which is a single record.
	EntityID string `json:"entity_id,omitempty"`

	// Fields maps field names to their new values.
	Fields map[string]any `json:"fields"`

	// Agent names the agent that proposed the delta.
	Agent string `json:"agent,omitempty"`

	// Priority is the proposing agent's declared priority. On a field
	// conflict the higher priority wins.
	Priority int `json:"priority,omitempty"`
}

// Conflict records a field write that lost a priority tie-break.
type Conflict struct {
	// Delta is the losing write, reduced to the conflicting field.
	Delta Delta `json:"delta"`

	// WonBy names the agent whose write was kept.
	WonBy string `json:"won_by"`
}

// Merge applies deltas in priority order (stable for equal priorities) and
// returns the merged per-entity deltas plus the conflicts that lost their
// field. The merged deltas carry neither agent nor priority: they represent
// the aggregate turn outcome.
func Merge(deltas []Delta) (merged []Delta, conflicts []Conflict) {
	ordered := make([]Delta, len(deltas))
	copy(ordered, deltas)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	type entityKey struct{ category, id string }
	byEntity := make(map[entityKey]*Delta)
	writers := make(map[entityKey]map[string]Delta) // field → winning source delta
	var order []entityKey

	for _, d := range ordered {
		key := entityKey{d.Category, d.EntityID}
		agg := byEntity[key]
		if agg == nil {
			agg = &Delta{Category: d.Category, EntityID: d.EntityID, Fields: make(map[string]any)}
			byEntity[key] = agg
			writers[key] = make(map[string]Delta)
			order = append(order, key)
		}
		for field, value := range d.Fields {
			if prev, taken := writers[key][field]; taken && prev.Agent != d.Agent {
				// Later entries have >= priority: the earlier write loses.
				conflicts = append(conflicts, Conflict{
					Delta: Delta{
						Category: prev.Category,
						EntityID: prev.EntityID,
						Fields:   map[string]any{field: prev.Fields[field]},
						Agent:    prev.Agent,
						Priority: prev.Priority,
					},
					WonBy: d.Agent,
				})
			}
			agg.Fields[field] = value
			writers[key][field] = d
		}
	}

	merged = make([]Delta, 0, len(order))
	for _, key := range order {
		merged = append(merged, *byEntity[key])
	}
	return merged, conflicts
}
