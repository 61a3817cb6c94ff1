package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
)

// rollDiceArgs is the JSON-decoded input for the "roll_dice" tool.
type rollDiceArgs struct {
	// Notation is the dice notation to evaluate (e.g. "2d6+3").
	Notation string `json:"notation"`

	// Label describes what the roll is for ("attack", "perception check").
	// Echoed back unchanged so the narrator can attribute the result.
	Label string `json:"label,omitempty"`
}

// rollDiceResult is the JSON-encoded output of the "roll_dice" tool.
type rollDiceResult struct {
	Notation string `json:"notation"`
	Label    string `json:"label,omitempty"`

	// Rolls holds the individual die results before the modifier.
	Rolls []int `json:"rolls"`

	// Total is the sum of all rolls plus the modifier.
	Total int `json:"total"`
}

// rollTableArgs is the JSON-decoded input for the "roll_table" tool.
type rollTableArgs struct {
	TableName string `json:"table_name"`
}

// rollTableResult is the JSON-encoded output of the "roll_table" tool.
type rollTableResult struct {
	Table string `json:"table"`

	// Roll is the raw die result, a 1-based index into the table.
	Roll   int    `json:"roll"`
	Result string `json:"result"`
}

// parseNotation parses dice notation of the form NdS, NdS+M, or NdS-M.
// N defaults to 1 when omitted, S must be at least 1, and M may be negative.
func parseNotation(notation string) (count, sides, modifier int, err error) {
	notation = strings.ToLower(strings.TrimSpace(notation))

	dIdx := strings.Index(notation, "d")
	if dIdx == -1 {
		return 0, 0, 0, fmt.Errorf("tools: invalid notation %q: missing 'd' separator", notation)
	}

	countStr := notation[:dIdx]
	if countStr == "" {
		count = 1
	} else {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("tools: invalid dice count %q in notation %q", countStr, notation)
		}
	}
	if count < 1 {
		return 0, 0, 0, fmt.Errorf("tools: dice count must be at least 1, got %d in notation %q", count, notation)
	}

	rest := notation[dIdx+1:]
	plusIdx := strings.Index(rest, "+")
	minusIdx := strings.Index(rest, "-")

	switch {
	case plusIdx != -1:
		sides, err = strconv.Atoi(rest[:plusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("tools: invalid sides %q in notation %q", rest[:plusIdx], notation)
		}
		modifier, err = strconv.Atoi(rest[plusIdx+1:])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("tools: invalid modifier %q in notation %q", rest[plusIdx+1:], notation)
		}

	case minusIdx != -1:
		sides, err = strconv.Atoi(rest[:minusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("tools: invalid sides %q in notation %q", rest[:minusIdx], notation)
		}
		mod, err2 := strconv.Atoi(rest[minusIdx+1:])
		if err2 != nil {
			return 0, 0, 0, fmt.Errorf("tools: invalid modifier %q in notation %q", rest[minusIdx+1:], notation)
		}
		modifier = -mod

	default:
		sides, err = strconv.Atoi(rest)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("tools: invalid sides %q in notation %q", rest, notation)
		}
	}

	if sides < 1 {
		return 0, 0, 0, fmt.Errorf("tools: sides must be at least 1, got %d in notation %q", sides, notation)
	}

	return count, sides, modifier, nil
}

// rollDiceHandler evaluates the notation and returns a [rollDiceResult].
func rollDiceHandler(_ context.Context, args string, _ perm.Caller) (string, error) {
	var a rollDiceArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("tools: roll_dice: failed to parse arguments: %w", err)
	}
	if a.Notation == "" {
		return "", fmt.Errorf("tools: roll_dice: notation must not be empty")
	}

	count, sides, modifier, err := parseNotation(a.Notation)
	if err != nil {
		return "", err
	}

	rolls := make([]int, count)
	total := modifier
	for i := range count {
		r := rand.IntN(sides) + 1
		rolls[i] = r
		total += r
	}

	res, err := json.Marshal(rollDiceResult{
		Notation: a.Notation,
		Label:    a.Label,
		Rolls:    rolls,
		Total:    total,
	})
	if err != nil {
		return "", fmt.Errorf("tools: roll_dice: failed to encode result: %w", err)
	}
	return string(res), nil
}

// rollTableHandler rolls on a named random table and returns the entry.
func rollTableHandler(_ context.Context, args string, _ perm.Caller) (string, error) {
	var a rollTableArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("tools: roll_table: failed to parse arguments: %w", err)
	}

	entries, ok := builtinTables[a.TableName]
	if !ok {
		known := make([]string, 0, len(builtinTables))
		for k := range builtinTables {
			known = append(known, k)
		}
		return "", fmt.Errorf("tools: roll_table: unknown table %q; available tables: %v", a.TableName, known)
	}

	roll := rand.IntN(len(entries)) + 1
	res, err := json.Marshal(rollTableResult{
		Table:  a.TableName,
		Roll:   roll,
		Result: entries[roll-1],
	})
	if err != nil {
		return "", fmt.Errorf("tools: roll_table: failed to encode result: %w", err)
	}
	return string(res), nil
}

// builtinTables holds the in-memory random tables available to roll_table.
// Entries are 1-indexed by roll value.
var builtinTables = map[string][]string{
	"random_encounter": {
		"A patrol of 1d4 town guards, wary but not hostile.",
		"An injured traveller asking for aid by the roadside.",
		"A pack of 2d4 wolves shadowing the party from the treeline.",
		"A toll post manned by guards demanding 5 gp per head.",
		"A goblin ambush, 2d6 goblins led by a boss.",
		"A travelling bard carrying a rumour about the party's quest.",
		"A washed-out bridge forcing a detour or a repair.",
		"A lone skeleton clawing free of a roadside grave.",
	},
	"minor_treasure": {
		"A pouch holding 2d6 x 10 gold pieces.",
		"A gemstone worth 1d6 x 50 gp.",
		"A potion of healing.",
		"A scroll of a 1st-level spell.",
		"A silvered dagger.",
		"A small statuette worth 150 gp.",
		"A sealed letter of credit worth 200 gp.",
		"A rare spell component worth 100 gp.",
	},
}

// DiceTools returns the built-in dice tools ready for registration:
// roll_dice evaluates standard notation, roll_table rolls on a named
// built-in random table.
func DiceTools() []Tool {
	return []Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "roll_dice",
				Description: "Evaluate dice notation and return each individual die result and the total. Supports standard notation such as 2d6+3, 1d20, or 4d8-1. An optional label attributes the roll.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"notation": map[string]any{
							"type":        "string",
							"description": "Dice notation to evaluate, e.g. 2d6+3, 1d20, 4d8-1",
						},
						"label": map[string]any{
							"type":        "string",
							"description": "What the roll is for, e.g. attack, perception check. Echoed back in the result.",
						},
					},
					"required": []string{"notation"},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       20,
			},
			Operation: perm.OpRollDice,
			Handler:   rollDiceHandler,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "roll_table",
				Description: "Roll on a named random table and return the result. Useful for spontaneous encounters or treasure.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"table_name": map[string]any{
							"type":        "string",
							"description": "Name of the random table to roll on.",
							"enum":        []string{"random_encounter", "minor_treasure"},
						},
					},
					"required": []string{"table_name"},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       20,
			},
			Operation: perm.OpRollDice,
			Handler:   rollTableHandler,
		},
	}
}
