package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MrWong99/claudmaster/internal/perm"
)

func TestParseNotation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		notation                     string
		wantCount, wantSides, wantMod int
		wantErr                      bool
	}{
		{"2d6+3", 2, 6, 3, false},
		{"1d20", 1, 20, 0, false},
		{"d8", 1, 8, 0, false},
		{"4d8-1", 4, 8, -1, false},
		{"  3D10  ", 3, 10, 0, false},
		{"20", 0, 0, 0, true},
		{"0d6", 0, 0, 0, true},
		{"2d0", 0, 0, 0, true},
		{"xdy", 0, 0, 0, true},
		{"2d6+z", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.notation, func(t *testing.T) {
			count, sides, mod, err := parseNotation(tt.notation)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseNotation(%q) error = %v, wantErr %v", tt.notation, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if count != tt.wantCount || sides != tt.wantSides || mod != tt.wantMod {
				t.Errorf("parseNotation(%q) = (%d, %d, %d), want (%d, %d, %d)",
					tt.notation, count, sides, mod, tt.wantCount, tt.wantSides, tt.wantMod)
			}
		})
	}
}

func TestRollDice(t *testing.T) {
	t.Parallel()
	out, err := rollDiceHandler(context.Background(), `{"notation":"2d6+3","label":"attack"}`, perm.Caller{})
	if err != nil {
		t.Fatalf("rollDiceHandler: %v", err)
	}

	var res rollDiceResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid result JSON: %v", err)
	}
	if res.Notation != "2d6+3" || res.Label != "attack" {
		t.Errorf("echo fields = %q / %q", res.Notation, res.Label)
	}
	if len(res.Rolls) != 2 {
		t.Fatalf("len(Rolls) = %d, want 2", len(res.Rolls))
	}
	sum := 3
	for _, r := range res.Rolls {
		if r < 1 || r > 6 {
			t.Errorf("roll %d out of range", r)
		}
		sum += r
	}
	if res.Total != sum {
		t.Errorf("Total = %d, want %d", res.Total, sum)
	}
}

func TestRollDice_InvalidInput(t *testing.T) {
	t.Parallel()
	if _, err := rollDiceHandler(context.Background(), `{"notation":""}`, perm.Caller{}); err == nil {
		t.Error("empty notation: error = nil")
	}
	if _, err := rollDiceHandler(context.Background(), `not json`, perm.Caller{}); err == nil {
		t.Error("bad JSON: error = nil")
	}
}

func TestRollTable(t *testing.T) {
	t.Parallel()
	out, err := rollTableHandler(context.Background(), `{"table_name":"random_encounter"}`, perm.Caller{})
	if err != nil {
		t.Fatalf("rollTableHandler: %v", err)
	}

	var res rollTableResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid result JSON: %v", err)
	}
	entries := builtinTables["random_encounter"]
	if res.Roll < 1 || res.Roll > len(entries) {
		t.Errorf("Roll = %d out of range", res.Roll)
	}
	if res.Result != entries[res.Roll-1] {
		t.Errorf("Result does not match roll %d", res.Roll)
	}
}

func TestRollTable_UnknownTable(t *testing.T) {
	t.Parallel()
	_, err := rollTableHandler(context.Background(), `{"table_name":"nope"}`, perm.Caller{})
	if err == nil || !strings.Contains(err.Error(), "unknown table") {
		t.Errorf("error = %v, want unknown table", err)
	}
}

func TestDiceTools_ThroughRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(perm.NewResolver())
	if err := r.RegisterAll(DiceTools()); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	res, err := r.Execute(context.Background(), playerCaller, "roll_dice", `{"notation":"1d20"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError = true: %s", res.Content)
	}

	// Observers may not roll.
	if _, err := r.Execute(context.Background(), observerCaller, "roll_dice", `{"notation":"1d20"}`); err == nil {
		t.Error("Execute(observer) error = nil")
	}
}
