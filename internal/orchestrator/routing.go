package orchestrator

import "github.com/MrWong99/claudmaster/internal/intent"

// Routing maps each intent type to the agent stages that process it. Agents
// inside one stage run in parallel; stages run sequentially, so context
// produced by an earlier stage (Module Keeper retrieval) reaches later
// stages (the Narrator) as prompt context.
type Routing map[intent.Type][][]string

// DefaultRouting is the routing table used when a session configures none.
// Ledger agents and the Module Keeper run first; the Narrator wraps the
// resolved state last. System intents skip narration entirely.
func DefaultRouting() Routing {
	ledgerAndContext := []string{"archivist", "arbiter", "modulekeeper"}
	return Routing{
		intent.TypeCombat:      {ledgerAndContext, {"narrator"}},
		intent.TypeAction:      {ledgerAndContext, {"narrator"}},
		intent.TypeQuestion:    {{"archivist", "modulekeeper"}, {"narrator"}},
		intent.TypeExploration: {{"archivist", "modulekeeper"}, {"narrator"}},
		intent.TypeRoleplay:    {{"modulekeeper"}, {"narrator"}},
		intent.TypeSocial:      {{"modulekeeper"}, {"narrator"}},
		intent.TypeSystem:      {{"archivist"}},
	}
}

// stagesFor returns the stages for t, filtered to the agents actually
// registered for the session. An intent with no routed agents falls back to
// the action route.
func (r Routing) stagesFor(t intent.Type, registered map[string]bool) [][]string {
	stages, ok := r[t]
	if !ok {
		stages = r[intent.TypeAction]
	}
	var out [][]string
	for _, stage := range stages {
		var kept []string
		for _, name := range stage {
			if registered[name] {
				kept = append(kept, name)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}
