package arbiter_test

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/agent/arbiter"
	"github.com/MrWong99/claudmaster/internal/agent/archivist"
	"github.com/MrWong99/claudmaster/internal/intent"
)

// fixedRoller always returns the configured total.
func fixedRoller(total int) arbiter.RollerFunc {
	return func(_ context.Context, notation, label string) (agent.DiceRoll, error) {
		return agent.DiceRoll{Notation: notation, Label: label, Rolls: []int{total}, Total: total}, nil
	}
}

type fakeRules struct{ answer string }

func (f fakeRules) Lookup(_ context.Context, _ string) (string, error) { return f.answer, nil }

func TestArbiter_CombatCheckSuccess(t *testing.T) {
	a, err := arbiter.New(fixedRoller(18))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	resp, err := a.Invoke(context.Background(), agent.Request{
		Text:   "I attack the goblin",
		Intent: intent.Intent{Type: intent.TypeCombat},
	}, &agent.Context{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if len(resp.DiceRolls) != 1 || resp.DiceRolls[0].Total != 18 {
		t.Errorf("DiceRolls = %+v, want one roll of 18", resp.DiceRolls)
	}
	if !strings.Contains(resp.Rationale, "success") {
		t.Errorf("Rationale = %q, want success against default DC 12", resp.Rationale)
	}
	if resp.Visibility.Scope != agent.ScopeDMOnly {
		t.Errorf("Visibility = %+v, want dmOnly", resp.Visibility)
	}
	if len(resp.Deltas) != 1 || resp.Deltas[0].Priority <= archivist.Priority {
		t.Errorf("Deltas = %+v, want one delta outranking the archivist", resp.Deltas)
	}
}

func TestArbiter_FailureAgainstDC(t *testing.T) {
	a, err := arbiter.New(fixedRoller(5))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	resp, err := a.Invoke(context.Background(), agent.Request{
		Text:   "I try to persuade the guard",
		Intent: intent.Intent{Type: intent.TypeSocial},
	}, &agent.Context{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !strings.Contains(resp.Rationale, "failure") {
		t.Errorf("Rationale = %q, want failure", resp.Rationale)
	}
	last, _ := resp.Deltas[0].Fields["last_check"].(map[string]any)
	if last["success"] != false {
		t.Errorf("last_check = %v, want success=false", last)
	}
}

func TestArbiter_PhysicalVerbTriggersCheck(t *testing.T) {
	a, err := arbiter.New(fixedRoller(15))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	resp, err := a.Invoke(context.Background(), agent.Request{
		Text:   "I climb the tower wall",
		Intent: intent.Intent{Type: intent.TypeAction},
	}, &agent.Context{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if len(resp.DiceRolls) != 1 || resp.DiceRolls[0].Label != "climb" {
		t.Errorf("DiceRolls = %+v, want climb check", resp.DiceRolls)
	}
}

func TestArbiter_NoCheckNoOutput(t *testing.T) {
	called := false
	a, err := arbiter.New(arbiter.RollerFunc(func(context.Context, string, string) (agent.DiceRoll, error) {
		called = true
		return agent.DiceRoll{}, nil
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	resp, err := a.Invoke(context.Background(), agent.Request{
		Text:   "I say hello to the innkeeper",
		Intent: intent.Intent{Type: intent.TypeRoleplay},
	}, &agent.Context{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if called {
		t.Error("roller called for a non-check action")
	}
	if len(resp.Deltas) != 0 || resp.Rationale != "" {
		t.Errorf("resp = %+v, want empty", resp)
	}
}

func TestArbiter_RulesLookupInRationale(t *testing.T) {
	a, err := arbiter.New(fixedRoller(18), arbiter.WithRules(fakeRules{
		answer: "Magic Missile automatically hits.",
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	resp, err := a.Invoke(context.Background(), agent.Request{
		Text:   "I cast magic missile at the cultist",
		Intent: intent.Intent{Type: intent.TypeCombat},
	}, &agent.Context{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !strings.Contains(resp.Rationale, "Magic Missile automatically hits.") {
		t.Errorf("Rationale = %q, want rules citation", resp.Rationale)
	}
}
