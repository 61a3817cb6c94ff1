package orchestrator

import (
	"context"
	"time"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/agent/runtime"
	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/session"
	"github.com/MrWong99/claudmaster/internal/visibility"
	"github.com/MrWong99/claudmaster/internal/world/consistency"
	"github.com/MrWong99/claudmaster/internal/world/fact"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

// TurnResult is the resolved output of one processed action.
type TurnResult struct {
	// ActionID echoes the processed action.
	ActionID string `json:"action_id"`

	// Intent is the classifier's label for the action text.
	Intent intent.Intent `json:"intent"`

	// Narrative is the public narrative text.
	Narrative string `json:"narrative,omitempty"`

	// Payload is the full visibility-scoped content, filtered per recipient
	// at delivery time.
	Payload visibility.Payload `json:"payload"`

	// Deltas are the merged state changes applied this turn.
	Deltas []state.Delta `json:"deltas,omitempty"`

	// Conflicts lists delta writes that lost a priority tie-break.
	Conflicts []state.Conflict `json:"conflicts,omitempty"`

	// DiceRolls aggregates rolls performed by any agent.
	DiceRolls []agent.DiceRoll `json:"dice_rolls,omitempty"`

	// AgentErrors lists per-agent failures that did not abort the turn.
	AgentErrors []string `json:"agent_errors,omitempty"`

	// Warnings carries consistency warnings and a pending recovery notice.
	Warnings []string `json:"warnings,omitempty"`

	// Degraded is set when any routed agent failed or the turn budget
	// expired; the narrative may be partial.
	Degraded bool `json:"degraded,omitempty"`

	// Duration is the end-to-end processing time.
	Duration time.Duration `json:"duration_ms"`
}

// processTurn runs one action through the pipeline: classify, route,
// execute, aggregate, consistency gate, persist, deliver. The caller holds
// the session lock.
func (o *Orchestrator) processTurn(ctx context.Context, ls *liveSession, act pendingAction) (*TurnResult, error) {
	start := time.Now()
	sess := ls.sess

	turnCtx, cancel := context.WithTimeout(ctx, o.turnBudget)
	defer cancel()
	// A pause or end during the turn aborts it through the session context.
	stop := context.AfterFunc(ls.ctx, cancel)
	defer stop()

	// Classify.
	it := o.classifier.Classify(act.text)
	if o.metrics != nil {
		o.metrics.RecordIntent(ctx, string(it.Type), it.Ambiguous)
	}

	req := agent.Request{
		ID:        act.id,
		SessionID: sess.ID,
		ActorID:   act.actorID,
		Text:      act.text,
		Intent:    it,
		Turn:      sess.TurnCounter + 1,
	}
	actx := &agent.Context{
		Facts:     ls.facts,
		Timeline:  ls.tl,
		Knowledge: ls.know,
		Campaign:  o.store,
		Hints: agent.Hints{
			Style:              sess.Config.NarrativeStyle,
			ImprovisationLevel: sess.Config.ImprovisationLevel,
		},
	}

	// Route and execute.
	stages := ls.routing.stagesFor(it.Type, ls.registered)
	results := ls.rt.ExecuteStages(turnCtx, stages, req, actx)

	// Aggregate.
	res := &TurnResult{ActionID: act.id, Intent: it}
	allDeltas := o.aggregate(ls, results, res)
	res.Deltas, res.Conflicts = state.Merge(allDeltas)
	res.Narrative = res.Payload.Public

	if ls.warning != nil {
		res.Warnings = append(res.Warnings, ls.warning.Message())
		ls.warning = nil
	}

	// Consistency gate.
	report := o.checker.Check(res.Deltas, ls.facts)
	if o.metrics != nil {
		o.metrics.RecordConsistency(ctx, string(consistency.SeverityBlocking), len(report.Blocking))
		o.metrics.RecordConsistency(ctx, string(consistency.SeverityWarn), len(report.Warn))
		o.metrics.RecordConsistency(ctx, string(consistency.SeverityInfo), len(report.Info))
	}
	if len(report.Blocking) > 0 {
		return o.blockTurn(ctx, ls, act, res, report.Blocking, start)
	}
	for _, f := range report.Warn {
		res.Warnings = append(res.Warnings, f.Message)
		res.Payload = res.Payload.Merge(visibility.Payload{
			DMOnly: "consistency: " + f.Message,
		})
		if _, err := ls.facts.Add(fact.Fact{
			Content:       f.Message,
			Category:      fact.CategoryWorld,
			Tags:          []string{"consistency", f.Rule},
			Relevance:     5,
			SessionNumber: sess.Number,
		}); err != nil {
			o.log.Warn("recording consistency warning failed",
				"session_id", sess.ID, "error", err)
		}
	}

	res.Duration = time.Since(start)

	// Persist: campaign deltas first, then the session turn record. A
	// failure at either point degrades the session and surfaces as a
	// persistence error; the caller keeps the aggregated result for
	// diagnostics.
	if err := o.persistTurn(ctx, ls, act, res); err != nil {
		o.recordTurnMetric(ctx, it, "failed", start)
		return res, err
	}

	// Deliver.
	o.publish(ctx, sess.ID, act.id, res.Payload)
	o.primeNext(ctx, ls, act, res)

	status := "resolved"
	if res.Degraded {
		status = "degraded"
	}
	o.recordTurnMetric(ctx, it, status, start)
	o.log.Info("turn resolved",
		"session_id", sess.ID, "action_id", act.id, "intent", it.Type,
		"turn", sess.TurnCounter, "deltas", len(res.Deltas),
		"degraded", res.Degraded, "duration", res.Duration)
	return res, nil
}

// aggregate folds the runtime results into the turn result by agent kind:
// ledger and context output first, voice text wrapping last. Returns the
// unmerged deltas.
func (o *Orchestrator) aggregate(ls *liveSession, results []runtime.Result, res *TurnResult) []state.Delta {
	var deltas []state.Delta
	for _, r := range results {
		resp := r.Response
		deltas = append(deltas, resp.Deltas...)
		res.DiceRolls = append(res.DiceRolls, resp.DiceRolls...)

		if resp.Text != "" {
			res.Payload = res.Payload.Merge(scopedPayload(resp.Text, resp.Visibility))
		}
		if resp.Rationale != "" {
			res.Payload = res.Payload.Merge(visibility.Payload{
				DMOnly: r.Agent + ": " + resp.Rationale,
			})
		}
		res.AgentErrors = append(res.AgentErrors, resp.Errors...)
		if r.Outcome != agent.OutcomeOK {
			res.Degraded = true
			if r.Err != nil {
				res.AgentErrors = append(res.AgentErrors, r.Err.Error())
			}
		}
	}
	return deltas
}

// scopedPayload places text into the payload field its visibility names.
// Private text without a recipient falls back to the DM.
func scopedPayload(text string, vis agent.Visibility) visibility.Payload {
	switch vis.Scope {
	case agent.ScopeParty:
		return visibility.Payload{Party: text}
	case agent.ScopePrivate:
		if vis.Recipient == "" {
			return visibility.Payload{DMOnly: text}
		}
		return visibility.Payload{Private: map[string]string{vis.Recipient: text}}
	case agent.ScopeDMOnly:
		return visibility.Payload{DMOnly: text}
	default:
		return visibility.Payload{Public: text}
	}
}

// blockTurn rejects an action whose merged deltas contradict established
// facts. Nothing is persisted; the contradiction is delivered to the DM, not
// broadcast as narrative.
func (o *Orchestrator) blockTurn(ctx context.Context, ls *liveSession, act pendingAction, res *TurnResult, blocking []consistency.Finding, start time.Time) (*TurnResult, error) {
	err := &ConsistencyError{Blocking: blocking}

	res.Narrative = ""
	res.Deltas = nil
	res.Conflicts = nil
	res.Payload = visibility.Payload{DMOnly: "turn blocked: " + err.Error()}
	res.Duration = time.Since(start)

	o.publish(ctx, ls.sess.ID, act.id, res.Payload)
	o.recordTurnMetric(ctx, res.Intent, "blocked", start)
	o.log.Warn("turn blocked by consistency gate",
		"session_id", ls.sess.ID, "action_id", act.id, "findings", len(blocking))
	return res, err
}

// persistTurn applies the merged deltas to the campaign store, appends the
// turn to the timeline, and records the action in the session history.
func (o *Orchestrator) persistTurn(ctx context.Context, ls *liveSession, act pendingAction, res *TurnResult) error {
	sess := ls.sess

	if len(res.Deltas) > 0 {
		if err := o.store.Apply(res.Deltas); err != nil {
			return o.persistFailed(ctx, sess, "campaign apply", err)
		}
		if err := o.store.Flush(); err != nil {
			return o.persistFailed(ctx, sess, "campaign flush", err)
		}
		o.cascadeRemovals(ls, res.Deltas)
	}

	if _, err := ls.tl.Append(act.id, sess.Number, nil); err != nil {
		o.log.Warn("timeline append failed",
			"session_id", sess.ID, "action_id", act.id, "error", err)
	}

	rec := session.ActionRecord{
		ID:          act.id,
		ActorID:     act.actorID,
		Text:        act.text,
		Source:      act.source,
		Intent:      res.Intent,
		Status:      session.ActionResolved,
		Narrative:   res.Narrative,
		Degraded:    res.Degraded,
		Turn:        sess.TurnCounter + 1,
		SubmittedAt: act.submittedAt,
		ResolvedAt:  time.Now().UTC(),
	}
	if err := o.sessions.RecordTurn(sess, rec, ls.world()); err != nil {
		if o.metrics != nil {
			o.metrics.PersistenceErrors.Add(ctx, 1)
		}
		return err
	}
	return nil
}

// cascadeRemovals keeps the knowledge tracker consistent with applied
// deltas: an NPC marked removed can no longer hold knowledge records.
func (o *Orchestrator) cascadeRemovals(ls *liveSession, deltas []state.Delta) {
	for _, d := range deltas {
		if d.Category != "npcs" || d.EntityID == "" {
			continue
		}
		if removed, ok := d.Fields["removed"].(bool); ok && removed {
			ls.know.RemoveHolder(d.EntityID)
			o.log.Debug("npc knowledge removed",
				"session_id", ls.sess.ID, "npc_id", d.EntityID)
		}
	}
}

// persistFailed wraps a campaign storage failure and degrades the session.
func (o *Orchestrator) persistFailed(ctx context.Context, sess *session.Session, op string, err error) error {
	sess.Degraded = true
	if o.metrics != nil {
		o.metrics.PersistenceErrors.Add(ctx, 1)
	}
	o.log.Error("turn persistence failed",
		"session_id", sess.ID, "op", op, "error", err)
	return &session.PersistenceError{SessionID: sess.ID, Op: op, Err: err}
}

// publish hands the payload to the party relay when one is wired.
func (o *Orchestrator) publish(ctx context.Context, sessionID, actionID string, payload visibility.Payload) {
	if o.publisher == nil || payload.Empty() {
		return
	}
	if err := o.publisher.Publish(ctx, sessionID, actionID, payload); err != nil {
		o.log.Warn("publishing turn failed",
			"session_id", sessionID, "action_id", actionID, "error", err)
	}
}

func (o *Orchestrator) recordTurnMetric(ctx context.Context, it intent.Intent, status string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordTurn(ctx, string(it.Type), status, time.Since(start).Seconds())
}
