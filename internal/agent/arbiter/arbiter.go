// Package arbiter implements the rules-adjudication ledger agent. For
// actions that need a check it rolls dice through the host-supplied roller,
// compares against a difficulty derived from session state, and records its
// reasoning as DM-only rationale. Its deltas outrank the archivist's.
package arbiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/agent/archivist"
	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

// Priority outranks [archivist.Priority] so arbiter rulings win delta
// conflicts.
const Priority = archivist.Priority + 10

// defaultDC applies when the session does not configure a difficulty.
const defaultDC = 12

// Roller resolves one dice expression. Implementations are typically backed
// by the host's rollDice tool.
type Roller interface {
	Roll(ctx context.Context, notation, label string) (agent.DiceRoll, error)
}

// RollerFunc adapts a function to [Roller].
type RollerFunc func(ctx context.Context, notation, label string) (agent.DiceRoll, error)

// Roll implements [Roller].
func (f RollerFunc) Roll(ctx context.Context, notation, label string) (agent.DiceRoll, error) {
	return f(ctx, notation, label)
}

// RulesSource answers rules-lookup queries. Implementations are typically
// backed by the host's searchRules tool.
type RulesSource interface {
	Lookup(ctx context.Context, query string) (string, error)
}

// Option configures an [Arbiter].
type Option func(*Arbiter)

// WithRules attaches a rules source consulted for spell and ability names.
func WithRules(src RulesSource) Option {
	return func(a *Arbiter) { a.rules = src }
}

// Arbiter adjudicates checks for combat, physical, and social actions.
type Arbiter struct {
	roller Roller
	rules  RulesSource
}

var _ agent.Agent = (*Arbiter)(nil)

// New creates an arbiter over the given roller.
func New(roller Roller, opts ...Option) (*Arbiter, error) {
	if roller == nil {
		return nil, fmt.Errorf("arbiter: nil roller")
	}
	a := &Arbiter{roller: roller}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Spec implements [agent.Agent]. Rolling dice consumes randomness the table
// saw happen, so a ruling must never silently run twice.
func (a *Arbiter) Spec() agent.Spec {
	return agent.Spec{
		Name:         "arbiter",
		Kind:         agent.KindLedger,
		Capabilities: []string{"adjudicate", "roll"},
		Priority:     Priority,
		Timeout:      3 * time.Second,
		Retry:        agent.RetryAtMostOnce,
		SideEffects:  true,
	}
}

// Invoke implements [agent.Agent].
func (a *Arbiter) Invoke(ctx context.Context, req agent.Request, actx *agent.Context) (agent.Response, error) {
	check, ok := checkFor(req.Intent.Type, req.Text)
	if !ok {
		return agent.Response{}, nil
	}

	roll, err := a.roller.Roll(ctx, check.notation, check.label)
	if err != nil {
		return agent.Response{}, fmt.Errorf("arbiter: roll %s: %w", check.notation, err)
	}

	dc := difficulty(actx)
	success := roll.Total >= dc

	var rationale strings.Builder
	fmt.Fprintf(&rationale, "%s check: rolled %s = %d against DC %d — %s.",
		check.label, check.notation, roll.Total, dc, outcomeWord(success))

	if a.rules != nil {
		if topic := rulesTopic(req.Text); topic != "" {
			if ruling, err := a.rules.Lookup(ctx, topic); err == nil && ruling != "" {
				fmt.Fprintf(&rationale, " Rules: %s", ruling)
			}
		}
	}

	resp := agent.Response{
		DiceRolls:  []agent.DiceRoll{roll},
		Rationale:  rationale.String(),
		Visibility: agent.DMOnly(),
	}
	resp.Deltas = append(resp.Deltas, state.Delta{
		Category: "game_state",
		Fields: map[string]any{
			"last_check": map[string]any{
				"label":   check.label,
				"total":   roll.Total,
				"dc":      dc,
				"success": success,
			},
		},
		Agent:    "arbiter",
		Priority: Priority,
	})
	return resp, nil
}

type check struct {
	notation string
	label    string
}

// checkFor decides whether the action needs a roll and which one.
func checkFor(t intent.Type, text string) (check, bool) {
	lower := strings.ToLower(text)
	switch t {
	case intent.TypeCombat:
		return check{notation: "1d20", label: "attack"}, true
	case intent.TypeSocial:
		return check{notation: "1d20", label: "persuasion"}, true
	case intent.TypeAction:
		for _, verb := range []string{"climb", "jump", "leap", "sneak", "swim", "balance", "grapple"} {
			if strings.Contains(lower, verb) {
				return check{notation: "1d20", label: verb}, true
			}
		}
	}
	return check{}, false
}

// difficulty reads the session difficulty from game state, defaulting to a
// moderate DC.
func difficulty(actx *agent.Context) int {
	if actx == nil || actx.Campaign == nil {
		return defaultDC
	}
	switch v := actx.Campaign.GameState()["difficulty"].(type) {
	case string:
		switch strings.ToLower(v) {
		case "easy":
			return 8
		case "hard":
			return 16
		case "deadly":
			return 19
		}
	case float64:
		return int(v)
	case int:
		return v
	}
	return defaultDC
}

// rulesTopic extracts a "cast X" spell name for a rules lookup.
func rulesTopic(text string) string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, "cast ")
	if idx < 0 {
		return ""
	}
	rest := strings.Fields(lower[idx+len("cast "):])
	if len(rest) == 0 {
		return ""
	}
	// Take up to two words ("magic missile", "fireball at" trims particles).
	topic := rest[0]
	if len(rest) > 1 && rest[1] != "at" && rest[1] != "on" && rest[1] != "the" {
		topic += " " + rest[1]
	}
	return topic
}

func outcomeWord(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
