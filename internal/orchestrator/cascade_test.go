package orchestrator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/orchestrator"
	"github.com/MrWong99/claudmaster/internal/world/fact"
	"github.com/MrWong99/claudmaster/internal/world/knowledge"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

func TestSupersedeFact_InvalidatesKnowledge(t *testing.T) {
	h := newHarness(t, []agent.Agent{narratorMock("noted")})
	sid, _ := h.orc.StartSession(context.Background(), "", orchestrator.SessionConfig{})

	facts, err := h.orc.FactView(sid)
	if err != nil {
		t.Fatalf("FactView() error = %v", err)
	}
	old, err := facts.Add(fact.Fact{
		Content:   "The mayor governs Thornwick.",
		Category:  fact.CategoryNPC,
		Tags:      []string{"mayor"},
		Relevance: 7,
	})
	if err != nil {
		t.Fatalf("facts.Add() error = %v", err)
	}

	know, err := h.orc.KnowledgeView(sid)
	if err != nil {
		t.Fatalf("KnowledgeView() error = %v", err)
	}
	if _, err := know.Grant(old.ID, "innkeeper", knowledge.MethodObserved, 1, ""); err != nil {
		t.Fatalf("Grant(innkeeper) error = %v", err)
	}
	if _, err := know.Grant(old.ID, knowledge.HolderParty, knowledge.MethodTold, 1, ""); err != nil {
		t.Fatalf("Grant(party) error = %v", err)
	}

	corrected, err := h.orc.SupersedeFact(sid, old.ID, fact.Fact{
		Content:   "The mayor was found dead in the cellar.",
		Category:  fact.CategoryNPC,
		Tags:      []string{"mayor"},
		Relevance: 8,
	})
	if err != nil {
		t.Fatalf("SupersedeFact() error = %v", err)
	}
	if len(corrected.Links) == 0 || corrected.Links[0] != old.ID {
		t.Errorf("Links = %v, want link to %s", corrected.Links, old.ID)
	}

	// Every holder's knowledge of the retracted fact is gone; knowing the
	// correction requires a fresh grant.
	if know.Knows("innkeeper", old.ID) {
		t.Error("innkeeper still knows the superseded fact")
	}
	if know.Knows(knowledge.HolderParty, old.ID) {
		t.Error("party still knows the superseded fact")
	}
	got, err := facts.Get(old.ID)
	if err != nil {
		t.Fatalf("facts.Get() error = %v", err)
	}
	if !got.Superseded {
		t.Error("old fact not marked superseded")
	}

	// A fact can only be retracted once.
	if _, err := h.orc.SupersedeFact(sid, old.ID, fact.Fact{
		Content: "The mayor lives after all.", Category: fact.CategoryNPC,
	}); !errors.Is(err, fact.ErrSuperseded) {
		t.Errorf("second SupersedeFact() error = %v, want ErrSuperseded", err)
	}
}

func TestSupersedeFact_UnknownSession(t *testing.T) {
	h := newHarness(t, []agent.Agent{narratorMock("noted")})

	if _, err := h.orc.SupersedeFact("nope", "f-1", fact.Fact{Content: "x"}); !errors.Is(err, orchestrator.ErrUnknownSession) {
		t.Errorf("SupersedeFact() error = %v, want ErrUnknownSession", err)
	}
}

func TestProcessNext_NPCRemovalDropsKnowledge(t *testing.T) {
	arbiter := arbiterMock(state.Delta{
		Category: "npcs", EntityID: "goblin-chief",
		Fields: map[string]any{"removed": true, "hp": 0},
		Agent:  "arbiter", Priority: 20,
	})
	h := newHarness(t, []agent.Agent{arbiter, narratorMock("The chief falls.")})
	sid, _ := h.orc.StartSession(context.Background(), "", orchestrator.SessionConfig{})

	facts, _ := h.orc.FactView(sid)
	secret, err := facts.Add(fact.Fact{
		Content:   "The war camp lies beyond the northern pass.",
		Category:  fact.CategoryWorld,
		Tags:      []string{"war-camp"},
		Relevance: 6,
	})
	if err != nil {
		t.Fatalf("facts.Add() error = %v", err)
	}
	know, _ := h.orc.KnowledgeView(sid)
	if _, err := know.Grant(secret.ID, "goblin-chief", knowledge.MethodObserved, 1, ""); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if _, err := know.Grant(secret.ID, knowledge.HolderParty, knowledge.MethodTold, 1, ""); err != nil {
		t.Fatalf("Grant(party) error = %v", err)
	}

	if _, err := processOne(t, h.orc, sid, "I strike down the goblin chief"); err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}

	// The dead NPC can no longer be a knowledge holder; the party's own
	// knowledge is untouched.
	if know.Knows("goblin-chief", secret.ID) {
		t.Error("removed NPC still holds knowledge")
	}
	if !know.Knows(knowledge.HolderParty, secret.ID) {
		t.Error("party knowledge dropped by NPC removal")
	}
}

func TestProcessNext_NPCUpdateKeepsKnowledge(t *testing.T) {
	arbiter := arbiterMock(state.Delta{
		Category: "npcs", EntityID: "goblin-chief",
		Fields: map[string]any{"hp": 4},
		Agent:  "arbiter", Priority: 20,
	})
	h := newHarness(t, []agent.Agent{arbiter, narratorMock("The chief staggers.")})
	sid, _ := h.orc.StartSession(context.Background(), "", orchestrator.SessionConfig{})

	facts, _ := h.orc.FactView(sid)
	secret, err := facts.Add(fact.Fact{
		Content:   "The war camp lies beyond the northern pass.",
		Category:  fact.CategoryWorld,
		Relevance: 6,
	})
	if err != nil {
		t.Fatalf("facts.Add() error = %v", err)
	}
	know, _ := h.orc.KnowledgeView(sid)
	if _, err := know.Grant(secret.ID, "goblin-chief", knowledge.MethodObserved, 1, ""); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	if _, err := processOne(t, h.orc, sid, "I wound the goblin chief"); err != nil {
		t.Fatalf("ProcessNext() error = %v", err)
	}

	if !know.Knows("goblin-chief", secret.ID) {
		t.Error("ordinary NPC update dropped its knowledge")
	}
}
