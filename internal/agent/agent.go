// Package agent defines the contract between the orchestrator and the
// cooperating game agents (Narrator, Archivist, Arbiter, Module Keeper).
//
// An [Agent] receives one [Request] per turn together with a read-only
// [Context] over the world state, and answers with a [Response] carrying
// narrative text, proposed state deltas, or both. The runtime in
// internal/agent/runtime enforces each agent's declared timeout, retry
// policy, and delivery guarantees.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration logic and is not intended to be imported
// by external code.
package agent

import (
	"context"
	"time"

	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

// Kind groups agents by their role in turn aggregation: ledger agents write
// state, voice agents write narrative.
type Kind string

const (
	// KindLedger agents (Archivist, Arbiter) propose state deltas that apply
	// before any narrative is produced.
	KindLedger Kind = "ledger"

	// KindVoice agents (Narrator) produce the narrative text that wraps the
	// applied state.
	KindVoice Kind = "voice"

	// KindContext agents (Module Keeper) contribute prompt context consumed
	// by voice agents, not output shown to players.
	KindContext Kind = "context"
)

// RetryPolicy controls how the runtime handles a failed invocation.
type RetryPolicy string

const (
	// RetryNone never retries.
	RetryNone RetryPolicy = "none"

	// RetryNonIdempotentOnly retries once, but only agents that declare no
	// side effects; an agent that may have begun a side effect is never
	// re-invoked for the same request.
	RetryNonIdempotentOnly RetryPolicy = "nonIdempotentOnly"

	// RetryAtMostOnce guarantees a request id reaches the agent at most
	// once; duplicates are rejected before invocation and failures are
	// never retried.
	RetryAtMostOnce RetryPolicy = "atMostOnce"
)

// IsValid reports whether p is a recognised retry policy.
func (p RetryPolicy) IsValid() bool {
	switch p {
	case RetryNone, RetryNonIdempotentOnly, RetryAtMostOnce:
		return true
	}
	return false
}

// Spec is an agent's static declaration, registered with the runtime.
type Spec struct {
	// Name is the stable, unique agent identifier ("narrator", "archivist",
	// "arbiter", "modulekeeper"). Used as a map key and in logging.
	Name string

	// Kind places the agent in the aggregation order.
	Kind Kind

	// Capabilities lists what the agent can do ("narrate", "adjudicate",
	// "query-state", "module-context"). Informational; routing is by name.
	Capabilities []string

	// Priority breaks state-delta conflicts: the higher-priority agent's
	// value wins and the loser's delta is reported as a conflict.
	Priority int

	// Timeout bounds a single invocation. Zero means the runtime default.
	Timeout time.Duration

	// Retry selects the runtime's failure handling for this agent.
	Retry RetryPolicy

	// SideEffects declares whether an invocation may mutate anything outside
	// the returned response. Agents with side effects are never retried.
	SideEffects bool
}

// Outcome classifies how an invocation ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Scope is a visibility level for response content.
type Scope string

const (
	ScopePublic  Scope = "public"
	ScopeParty   Scope = "party"
	ScopePrivate Scope = "private"
	ScopeDMOnly  Scope = "dmOnly"
)

// Visibility tags a piece of response content with its audience.
type Visibility struct {
	// Scope is the audience level.
	Scope Scope `json:"scope"`

	// Recipient is the participant id for ScopePrivate, empty otherwise.
	Recipient string `json:"recipient,omitempty"`
}

// Public is the default visibility.
func Public() Visibility { return Visibility{Scope: ScopePublic} }

// Private restricts content to one participant.
func Private(recipient string) Visibility {
	return Visibility{Scope: ScopePrivate, Recipient: recipient}
}

// DMOnly restricts content to the DM.
func DMOnly() Visibility { return Visibility{Scope: ScopeDMOnly} }

// DiceRoll is one resolved dice expression included in a response.
type DiceRoll struct {
	// Notation is the rolled expression ("2d6+3").
	Notation string `json:"notation"`

	// Label describes what the roll was for ("attack", "damage").
	Label string `json:"label,omitempty"`

	// Rolls lists the individual die results.
	Rolls []int `json:"rolls"`

	// Total is the final value including modifiers.
	Total int `json:"total"`
}

// Request is one turn's input to an agent.
type Request struct {
	// ID is unique per (turn, agent) delivery. The runtime uses it for its
	// at-most-once guarantee.
	ID string

	// SessionID identifies the session the turn belongs to.
	SessionID string

	// ActorID is the acting participant, empty in single-player mode.
	ActorID string

	// Text is the player's utterance.
	Text string

	// Intent is the classifier's label for Text.
	Intent intent.Intent

	// Turn is the session turn counter at submission time.
	Turn int
}

// Response is an agent's output for one turn.
type Response struct {
	// AgentName echoes the producing agent.
	AgentName string `json:"agent_name"`

	// Text is narrative or answer text, empty for pure ledger output.
	Text string `json:"text,omitempty"`

	// Deltas are proposed state changes, merged by priority during
	// aggregation.
	Deltas []state.Delta `json:"deltas,omitempty"`

	// DiceRolls lists rolls performed while producing the response.
	DiceRolls []DiceRoll `json:"dice_rolls,omitempty"`

	// Visibility scopes Text. Deltas are always engine-internal.
	Visibility Visibility `json:"visibility"`

	// Rationale is adjudication reasoning, shown to the DM only.
	Rationale string `json:"rationale,omitempty"`

	// PromptContext is retrieval context for downstream voice agents. Never
	// delivered to players.
	PromptContext []string `json:"prompt_context,omitempty"`

	// Errors lists non-fatal problems encountered while responding.
	Errors []string `json:"errors,omitempty"`

	// Latency is the invocation wall time, filled by the runtime.
	Latency time.Duration `json:"latency_ms"`
}

// Agent is a capability consumer plugged into the orchestrator.
//
// Invoke must honour ctx cancellation promptly and must treat every view on
// actx as read-only; state changes are proposed through Response.Deltas and
// applied by the orchestrator after aggregation. Implementations must be
// safe for concurrent use across sessions, though the runtime serialises
// invocations within one turn stage only when agents depend on each other.
type Agent interface {
	// Spec returns the agent's static declaration. The result must be
	// constant for the lifetime of the agent.
	Spec() Spec

	// Invoke processes one turn request. Partial results may be streamed
	// through actx.Sink; the runtime buffers them until aggregation and
	// appends them to the returned Response.Text when Invoke fails late.
	Invoke(ctx context.Context, req Request, actx *Context) (Response, error)
}
