package consistency_test

import (
	"testing"

	"github.com/MrWong99/claudmaster/internal/world/consistency"
	"github.com/MrWong99/claudmaster/internal/world/fact"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

func storeWith(t *testing.T, facts ...fact.Fact) *fact.Store {
	t.Helper()
	s := fact.NewStore()
	for _, f := range facts {
		if _, err := s.Add(f); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	return s
}

// TestChecker_DescriptorBlocking reproduces the canonical contradiction: a
// high-relevance fact establishes Durgan as a dwarf, and a turn tries to make
// him an elf.
func TestChecker_DescriptorBlocking(t *testing.T) {
	store := storeWith(t, fact.Fact{
		Content:   "Durgan is a dwarven blacksmith in Ironforge Square",
		Category:  fact.CategoryNPC,
		Relevance: 9,
	})

	checker := consistency.New(consistency.DefaultRules()...)
	report := checker.Check([]state.Delta{
		{Category: "npcs", EntityID: "durgan", Fields: map[string]any{"ancestry": "elf"}},
	}, store)

	if len(report.Blocking) != 1 {
		t.Fatalf("Blocking = %d findings, want 1 (report: %+v)", len(report.Blocking), report)
	}
	if report.Blocking[0].Field != "ancestry" {
		t.Errorf("finding field = %q, want ancestry", report.Blocking[0].Field)
	}
}

func TestChecker_DescriptorRelevanceScalesSeverity(t *testing.T) {
	checker := consistency.New(consistency.DefaultRules()...)
	delta := []state.Delta{
		{Category: "npcs", EntityID: "durgan", Fields: map[string]any{"ancestry": "elf"}},
	}

	warnStore := storeWith(t, fact.Fact{
		Content: "Durgan is a dwarf", Category: fact.CategoryNPC, Relevance: 6,
	})
	report := checker.Check(delta, warnStore)
	if len(report.Warn) != 1 || len(report.Blocking) != 0 {
		t.Errorf("relevance 6: report = %+v, want one warn", report)
	}

	infoStore := storeWith(t, fact.Fact{
		Content: "Durgan is a dwarf", Category: fact.CategoryNPC, Relevance: 3,
	})
	report = checker.Check(delta, infoStore)
	if len(report.Info) != 1 || len(report.Warn) != 0 || len(report.Blocking) != 0 {
		t.Errorf("relevance 3: report = %+v, want one info", report)
	}
}

func TestChecker_DescriptorRestatementIsNotConflict(t *testing.T) {
	store := storeWith(t, fact.Fact{
		Content: "Durgan is a dwarven blacksmith", Category: fact.CategoryNPC, Relevance: 9,
	})

	checker := consistency.New(consistency.DefaultRules()...)
	report := checker.Check([]state.Delta{
		{Category: "npcs", EntityID: "durgan", Fields: map[string]any{"ancestry": "dwarf"}},
	}, store)

	if !report.Empty() {
		t.Errorf("restating dwarf as dwarf produced findings: %+v", report)
	}
}

func TestChecker_NumericField(t *testing.T) {
	store := storeWith(t, fact.Fact{
		Content:   "Milltown has a population of roughly 300 souls",
		Category:  fact.CategoryLocation,
		Relevance: 8,
		Tags:      []string{"milltown"},
	})

	checker := consistency.New(consistency.DefaultRules()...)

	report := checker.Check([]state.Delta{
		{Category: "locations", EntityID: "milltown", Fields: map[string]any{"population": 5000}},
	}, store)
	if len(report.Blocking) != 1 {
		t.Fatalf("population change: Blocking = %d, want 1 (report %+v)", len(report.Blocking), report)
	}

	// Matching value is not a contradiction.
	report = checker.Check([]state.Delta{
		{Category: "locations", EntityID: "milltown", Fields: map[string]any{"population": 300}},
	}, store)
	if !report.Empty() {
		t.Errorf("matching population produced findings: %+v", report)
	}
}

func TestChecker_UnrelatedEntityIgnored(t *testing.T) {
	store := storeWith(t, fact.Fact{
		Content: "Durgan is a dwarven blacksmith", Category: fact.CategoryNPC, Relevance: 9,
	})

	checker := consistency.New(consistency.DefaultRules()...)
	report := checker.Check([]state.Delta{
		{Category: "npcs", EntityID: "selene", Fields: map[string]any{"ancestry": "elf"}},
	}, store)

	if !report.Empty() {
		t.Errorf("unrelated entity produced findings: %+v", report)
	}
}

func TestChecker_NameFieldMatchesFact(t *testing.T) {
	store := storeWith(t, fact.Fact{
		Content: "Durgan is a dwarven blacksmith", Category: fact.CategoryNPC, Relevance: 9,
	})

	checker := consistency.New(consistency.DefaultRules()...)
	// Entity id is opaque, but the delta carries a name field that the fact mentions.
	report := checker.Check([]state.Delta{
		{Category: "npcs", EntityID: "npc-0042", Fields: map[string]any{"name": "Durgan", "ancestry": "elf"}},
	}, store)

	if len(report.Blocking) != 1 {
		t.Errorf("Blocking = %d, want 1 via name-field mention", len(report.Blocking))
	}
}

func TestChecker_NoRulesNoFindings(t *testing.T) {
	store := storeWith(t, fact.Fact{Content: "anything", Category: fact.CategoryWorld, Relevance: 10})
	report := consistency.New().Check([]state.Delta{
		{Category: "npcs", EntityID: "x", Fields: map[string]any{"ancestry": "elf"}},
	}, store)
	if !report.Empty() {
		t.Errorf("checker without rules produced findings: %+v", report)
	}
}
