package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
)

// Rule is one rulebook entry: a condition, combat rule, spell, monster stat
// block, or general rule.
type Rule struct {
	// ID is the unique machine-readable identifier.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Category classifies the rule: condition, combat, spell, monster, general.
	Category string `json:"category"`

	// System is the game system the rule belongs to (e.g. "dnd5e").
	System string `json:"system"`

	// Text is the full rule description.
	Text string `json:"text"`
}

// rulebookManifest is the rulebooks/manifest.json document. Custom lists
// file names under rulebooks/custom/ to merge over the base set.
type rulebookManifest struct {
	Custom []string `json:"custom"`
}

// Rulebook is the merged rule set the lookup tools search. Safe for
// concurrent use after construction.
type Rulebook struct {
	mu    sync.RWMutex
	rules map[string]Rule // key: rule ID
}

// NewRulebook returns a rulebook seeded with the embedded base rules.
func NewRulebook() *Rulebook {
	rb := &Rulebook{rules: make(map[string]Rule, len(baseRules))}
	for _, r := range baseRules {
		rb.rules[r.ID] = r
	}
	return rb
}

// LoadRulebooks builds a rulebook from the base set plus the campaign's
// custom rules under <root>/rulebooks/. A missing rulebooks directory or
// manifest yields the base set alone; a manifest entry naming a missing or
// malformed file is an error.
func LoadRulebooks(root string) (*Rulebook, error) {
	rb := NewRulebook()

	manifestPath := filepath.Join(root, "rulebooks", "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		return rb, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tools: failed to read rulebook manifest: %w", err)
	}

	var manifest rulebookManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("tools: invalid rulebook manifest: %w", err)
	}

	for _, name := range manifest.Custom {
		path := filepath.Join(root, "rulebooks", "custom", filepath.Base(name))
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("tools: failed to read custom rulebook %q: %w", name, err)
		}
		var rules []Rule
		if err := json.Unmarshal(raw, &rules); err != nil {
			return nil, fmt.Errorf("tools: invalid custom rulebook %q: %w", name, err)
		}
		rb.Merge(rules)
	}
	return rb, nil
}

// Merge upserts rules into the book. Custom rules override base rules with
// the same ID.
func (rb *Rulebook) Merge(rules []Rule) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for _, r := range rules {
		if r.ID == "" {
			continue
		}
		rb.rules[r.ID] = r
	}
}

// Search returns every rule whose name or text contains query,
// case-insensitive, optionally restricted to one category. Results are
// ordered by ID.
func (rb *Rulebook) Search(query, category string) []Rule {
	queryLower := strings.ToLower(query)
	categoryLower := strings.ToLower(category)

	rb.mu.RLock()
	defer rb.mu.RUnlock()

	matches := []Rule{}
	for _, r := range rb.rules {
		if categoryLower != "" && strings.ToLower(r.Category) != categoryLower {
			continue
		}
		if strings.Contains(strings.ToLower(r.Name), queryLower) ||
			strings.Contains(strings.ToLower(r.Text), queryLower) {
			matches = append(matches, r)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches
}

// ByName returns the rule of the given category whose name matches,
// case-insensitive.
func (rb *Rulebook) ByName(category, name string) (Rule, bool) {
	nameLower := strings.ToLower(name)
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	for _, r := range rb.rules {
		if r.Category == category && strings.ToLower(r.Name) == nameLower {
			return r, true
		}
	}
	return Rule{}, false
}

// searchRulesArgs is the JSON-decoded input for the "search_rules" tool.
type searchRulesArgs struct {
	Query string `json:"query"`

	// Category optionally restricts results (condition, combat, spell,
	// monster, general). Empty searches all.
	Category string `json:"category,omitempty"`
}

// namedLookupArgs is the JSON-decoded input for the spell and monster
// lookup tools.
type namedLookupArgs struct {
	Name string `json:"name"`
}

func searchRulesHandler(rb *Rulebook) func(context.Context, string, perm.Caller) (string, error) {
	return func(_ context.Context, args string, _ perm.Caller) (string, error) {
		var a searchRulesArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: search_rules: failed to parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("tools: search_rules: query must not be empty")
		}
		res, err := json.Marshal(rb.Search(a.Query, a.Category))
		if err != nil {
			return "", fmt.Errorf("tools: search_rules: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func namedLookupHandler(rb *Rulebook, toolName, category string) func(context.Context, string, perm.Caller) (string, error) {
	return func(_ context.Context, args string, _ perm.Caller) (string, error) {
		var a namedLookupArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: %s: failed to parse arguments: %w", toolName, err)
		}
		if a.Name == "" {
			return "", fmt.Errorf("tools: %s: name must not be empty", toolName)
		}
		rule, ok := rb.ByName(category, a.Name)
		if !ok {
			return "", fmt.Errorf("tools: %s: %s %q not found", toolName, category, a.Name)
		}
		res, err := json.Marshal(rule)
		if err != nil {
			return "", fmt.Errorf("tools: %s: failed to encode result: %w", toolName, err)
		}
		return string(res), nil
	}
}

// RulesTools returns the rules-lookup tools backed by rb: search_rules for
// keyword search, get_spell_info and get_monster_info for direct lookup by
// name.
func RulesTools(rb *Rulebook) []Tool {
	return []Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "search_rules",
				Description: "Search the loaded rulebooks by keyword. Returns matching rules with their name, category, and full text. Optionally restrict to one category (condition, combat, spell, monster, general).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Keyword or phrase to search for across rule names and descriptions.",
						},
						"category": map[string]any{
							"type":        "string",
							"description": "Category to filter by. Omit to search all categories.",
							"enum":        []string{"condition", "combat", "spell", "monster", "general"},
						},
					},
					"required": []string{"query"},
				},
				EstimatedDurationMs: 30,
				MaxDurationMs:       100,
				Idempotent:          true,
				CacheableSeconds:    300,
			},
			Operation: perm.OpSearchRules,
			Handler:   searchRulesHandler(rb),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "get_spell_info",
				Description: "Retrieve a spell description by its exact name from the loaded rulebooks.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{
							"type":        "string",
							"description": "Spell name, e.g. Fireball.",
						},
					},
					"required": []string{"name"},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       20,
				Idempotent:          true,
				CacheableSeconds:    3600,
			},
			Operation: perm.OpSearchRules,
			Handler:   namedLookupHandler(rb, "get_spell_info", "spell"),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "get_monster_info",
				Description: "Retrieve a monster stat summary by its exact name from the loaded rulebooks.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{
							"type":        "string",
							"description": "Monster name, e.g. Goblin.",
						},
					},
					"required": []string{"name"},
				},
				EstimatedDurationMs: 5,
				MaxDurationMs:       20,
				Idempotent:          true,
				CacheableSeconds:    3600,
			},
			Operation: perm.OpSearchRules,
			Handler:   namedLookupHandler(rb, "get_monster_info", "monster"),
		},
	}
}

// baseRules is the embedded SRD subset available without any custom
// rulebooks. Conditions, core combat rules, a handful of spells and
// monsters, and the general rest and save rules.
var baseRules = []Rule{
	{
		ID:       "condition-blinded",
		Name:     "Blinded",
		Category: "condition",
		System:   "dnd5e",
		Text:     "A blinded creature can't see and automatically fails checks that require sight. Attack rolls against it have advantage; its own attack rolls have disadvantage.",
	},
	{
		ID:       "condition-frightened",
		Name:     "Frightened",
		Category: "condition",
		System:   "dnd5e",
		Text:     "A frightened creature has disadvantage on ability checks and attack rolls while the source of its fear is in line of sight, and can't willingly move closer to it.",
	},
	{
		ID:       "condition-poisoned",
		Name:     "Poisoned",
		Category: "condition",
		System:   "dnd5e",
		Text:     "A poisoned creature has disadvantage on attack rolls and ability checks.",
	},
	{
		ID:       "condition-stunned",
		Name:     "Stunned",
		Category: "condition",
		System:   "dnd5e",
		Text:     "A stunned creature is incapacitated, can't move, and speaks only falteringly. It fails Strength and Dexterity saves automatically; attacks against it have advantage.",
	},
	{
		ID:       "combat-opportunity-attack",
		Name:     "Opportunity Attack",
		Category: "combat",
		System:   "dnd5e",
		Text:     "When a hostile creature you can see moves out of your reach, you can use your reaction to make one melee attack against it, right before it leaves your reach.",
	},
	{
		ID:       "combat-cover",
		Name:     "Cover",
		Category: "combat",
		System:   "dnd5e",
		Text:     "Half cover grants +2 to AC and Dexterity saves; three-quarters cover grants +5; total cover means the creature can't be targeted directly by attacks or spells.",
	},
	{
		ID:       "combat-grapple",
		Name:     "Grapple",
		Category: "combat",
		System:   "dnd5e",
		Text:     "Use the Attack action to make a special melee attack: your Athletics check contested by the target's Athletics or Acrobatics. On a success the target is grappled. The target must be no more than one size larger than you.",
	},
	{
		ID:       "spell-fireball",
		Name:     "Fireball",
		Category: "spell",
		System:   "dnd5e",
		Text:     "3rd-level evocation. 1 action, range 150 feet. Each creature in a 20-foot-radius sphere makes a Dexterity save, taking 8d6 fire damage on a failure or half on a success. +1d6 per slot level above 3rd.",
	},
	{
		ID:       "spell-shield",
		Name:     "Shield",
		Category: "spell",
		System:   "dnd5e",
		Text:     "1st-level abjuration. 1 reaction when hit by an attack or targeted by magic missile, range self. Until the start of your next turn you gain +5 AC, including against the triggering attack, and take no damage from magic missile.",
	},
	{
		ID:       "spell-healing-word",
		Name:     "Healing Word",
		Category: "spell",
		System:   "dnd5e",
		Text:     "1st-level evocation. 1 bonus action, range 60 feet, verbal only. A creature you can see regains 1d4 + your spellcasting modifier hit points. No effect on undead or constructs. +1d4 per slot level above 1st.",
	},
	{
		ID:       "spell-misty-step",
		Name:     "Misty Step",
		Category: "spell",
		System:   "dnd5e",
		Text:     "2nd-level conjuration. 1 bonus action, range self, verbal only. You teleport up to 30 feet to an unoccupied space you can see.",
	},
	{
		ID:       "monster-goblin",
		Name:     "Goblin",
		Category: "monster",
		System:   "dnd5e",
		Text:     "Small humanoid. AC 15, HP 7 (2d6), speed 30 ft. Scimitar +4 to hit, 1d6+2 slashing. Nimble Escape: can Disengage or Hide as a bonus action. CR 1/4.",
	},
	{
		ID:       "monster-skeleton",
		Name:     "Skeleton",
		Category: "monster",
		System:   "dnd5e",
		Text:     "Medium undead. AC 13, HP 13 (2d8+4), speed 30 ft. Shortsword +4 to hit, 1d6+2 piercing. Vulnerable to bludgeoning; immune to poison and exhaustion. CR 1/4.",
	},
	{
		ID:       "monster-wolf",
		Name:     "Wolf",
		Category: "monster",
		System:   "dnd5e",
		Text:     "Medium beast. AC 13, HP 11 (2d8+2), speed 40 ft. Bite +4 to hit, 2d4+2 piercing; target makes a DC 11 Strength save or falls prone. Pack Tactics: advantage when an ally is within 5 feet of the target. CR 1/4.",
	},
	{
		ID:       "monster-owlbear",
		Name:     "Owlbear",
		Category: "monster",
		System:   "dnd5e",
		Text:     "Large monstrosity. AC 13, HP 59 (7d10+21), speed 40 ft. Multiattack: beak +7 (1d10+5 piercing) and claws +7 (2d8+5 slashing). Keen Sight and Smell. CR 3.",
	},
	{
		ID:       "general-short-rest",
		Name:     "Short Rest",
		Category: "general",
		System:   "dnd5e",
		Text:     "At least 1 hour of downtime. A character can spend Hit Dice at the end of a short rest, up to their maximum, rolling each die and adding their Constitution modifier to the hit points regained.",
	},
	{
		ID:       "general-death-saves",
		Name:     "Death Saving Throws",
		Category: "general",
		System:   "dnd5e",
		Text:     "Starting a turn at 0 hit points requires a d20 roll: 10 or higher succeeds, a 1 counts as two failures, a 20 restores 1 hit point. Three successes stabilize; three failures kill.",
	},
	{
		ID:       "general-concentration",
		Name:     "Concentration",
		Category: "general",
		System:   "dnd5e",
		Text:     "A concentration spell ends if you cast another concentration spell, are incapacitated, or fail a Constitution save after taking damage (DC 10 or half the damage, whichever is higher).",
	},
}
