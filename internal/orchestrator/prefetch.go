package orchestrator

import (
	"context"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/agent/runtime"
	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/prefetch"
)

// resolveDraft is the stage hook bridging the speculative engine into the
// turn pipeline. After the ledger stage of a combat turn it derives the
// check outcome from the arbiter's results and, on a primed hit, feeds the
// matching draft to the narrator stage as prompt context for refinement.
func (o *Orchestrator) resolveDraft(ctx context.Context, req agent.Request, completed []runtime.Result, actx *agent.Context) *agent.Context {
	if req.Intent.Type != intent.TypeCombat {
		return actx
	}
	outcome, ok := checkOutcome(completed)
	if !ok {
		return actx
	}
	draft, hit := o.prefetch.Resolve(ctx, req.SessionID, outcome)
	if !hit {
		return actx
	}
	o.log.Debug("prefetch draft resolved",
		"session_id", req.SessionID, "action_id", req.ID, "outcome", outcome)
	return actx.WithPrompt("Pre-drafted " + string(outcome) + " narration, refine without contradicting the dice: " + draft)
}

// checkOutcome maps the arbiter's check to a variant tag. A natural 20 is
// critical; otherwise the recorded success decides hit or miss.
func checkOutcome(results []runtime.Result) (prefetch.Outcome, bool) {
	for _, r := range results {
		for _, roll := range r.Response.DiceRolls {
			if roll.Notation == "1d20" && len(roll.Rolls) == 1 && roll.Rolls[0] == 20 {
				return prefetch.OutcomeCritical, true
			}
		}
		for _, d := range r.Response.Deltas {
			if d.Category != "game_state" {
				continue
			}
			check, ok := d.Fields["last_check"].(map[string]any)
			if !ok {
				continue
			}
			if success, ok := check["success"].(bool); ok {
				if success {
					return prefetch.OutcomeHit, true
				}
				return prefetch.OutcomeMiss, true
			}
		}
	}
	return "", false
}

// primeNext invalidates primed sets touched by this turn's deltas and,
// when the scene warrants it, speculatively generates the next variant set
// in the background. Priming never delays the resolved turn.
func (o *Orchestrator) primeNext(ctx context.Context, ls *liveSession, act pendingAction, res *TurnResult) {
	if o.prefetch == nil {
		return
	}
	subjects := []string{act.actorID}
	for _, d := range res.Deltas {
		if d.EntityID != "" {
			o.prefetch.Invalidate(d.EntityID)
			subjects = append(subjects, d.EntityID)
		}
	}

	scene := prefetch.Classify(prefetch.Signals{
		CombatActive: res.Intent.Type == intent.TypeCombat,
		LastIntent:   res.Intent.Type,
	})
	if !o.prefetch.ShouldPrime(scene) {
		return
	}

	prompt := prefetch.Prompt{
		Attacker: act.actorID,
		Style:    ls.sess.Config.NarrativeStyle,
	}
	bg := context.WithoutCancel(ctx)
	go o.prefetch.Prime(bg, ls.sess.ID, subjects, prompt)
}
