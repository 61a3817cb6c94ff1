package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/claudmaster/internal/campaign"
	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/internal/visibility"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
)

// dmOnlyFields are record fields stripped from tool output unless the
// caller is the DM or owns the record.
var dmOnlyFields = []string{"dm_notes", "secrets"}

// redact returns rec without DM-only fields when caller may not see them.
func redact(rec campaign.Record, caller perm.Caller) campaign.Record {
	if caller.SinglePlayer() || caller.Role == perm.RoleDM {
		return rec
	}
	if owner := rec.OwnerParticipantID(); owner != "" && owner == caller.ParticipantID {
		return rec
	}
	out := make(campaign.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, f := range dmOnlyFields {
		delete(out, f)
	}
	return out
}

// recordArgs is the JSON-decoded input for the record getter tools.
type recordArgs struct {
	ID string `json:"id"`
}

// updateCharacterArgs is the JSON-decoded input for "update_character".
type updateCharacterArgs struct {
	ID string `json:"id"`

	// Fields merge into the existing record field-by-field.
	Fields map[string]any `json:"fields"`
}

// itemArgs is the JSON-decoded input for "add_item".
type itemArgs struct {
	CharacterID string `json:"character_id"`
	Item        string `json:"item"`
}

// effectArgs is the JSON-decoded input for the effect tools.
type effectArgs struct {
	CharacterID string `json:"character_id"`
	Effect      string `json:"effect"`
}

// getRecordHandler returns a handler reading one record of category and
// redacting DM-only fields per caller.
func getRecordHandler(store campaign.StoreReader, toolName, category string) func(context.Context, string, perm.Caller) (string, error) {
	return func(_ context.Context, args string, caller perm.Caller) (string, error) {
		var a recordArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: %s: failed to parse arguments: %w", toolName, err)
		}
		if a.ID == "" {
			return "", fmt.Errorf("tools: %s: id must not be empty", toolName)
		}
		rec, err := store.Record(category, a.ID)
		if err != nil {
			return "", fmt.Errorf("tools: %s: %w", toolName, err)
		}
		res, err := json.Marshal(redact(rec, caller))
		if err != nil {
			return "", fmt.Errorf("tools: %s: failed to encode result: %w", toolName, err)
		}
		return string(res), nil
	}
}

// getLocationHandler reads one location record through the discovery view:
// player callers never see undiscovered features verbatim, only their
// sensory hints. The DM (and single-player mode) gets the full record.
func getLocationHandler(store campaign.StoreReader) func(context.Context, string, perm.Caller) (string, error) {
	return func(_ context.Context, args string, caller perm.Caller) (string, error) {
		var a recordArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: get_location: failed to parse arguments: %w", err)
		}
		if a.ID == "" {
			return "", fmt.Errorf("tools: get_location: id must not be empty")
		}
		rec, err := store.Record("locations", a.ID)
		if err != nil {
			return "", fmt.Errorf("tools: get_location: %w", err)
		}
		rec = redact(rec, caller)
		if !caller.SinglePlayer() && caller.Role != perm.RoleDM {
			rec = visibility.FilterLocation(rec, discoveredFeatures(store, a.ID))
		}
		res, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("tools: get_location: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// discoveredFeatures reads the feature names the party has uncovered for one
// location from the game state discovery map.
func discoveredFeatures(store campaign.StoreReader, locationID string) []string {
	disc, _ := store.GameState()["discoveries"].(map[string]any)
	raw, _ := disc[locationID].([]any)
	names := make([]string, 0, len(raw))
	for _, f := range raw {
		if name, ok := f.(string); ok {
			names = append(names, name)
		}
	}
	return names
}

// characterOwner resolves the owning participant of the character named in
// args, for conditional permission cells. The id is read from either "id"
// or "character_id". Unknown characters resolve to no owner; the handler
// reports the missing record afterwards.
func characterOwner(store campaign.StoreReader) func(args string) string {
	return func(args string) string {
		var a struct {
			ID          string `json:"id"`
			CharacterID string `json:"character_id"`
		}
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return ""
		}
		id := a.ID
		if id == "" {
			id = a.CharacterID
		}
		rec, err := store.Record("characters", id)
		if err != nil {
			return ""
		}
		return rec.OwnerParticipantID()
	}
}

func updateCharacterHandler(store campaign.StoreWriter) func(context.Context, string, perm.Caller) (string, error) {
	return func(_ context.Context, args string, caller perm.Caller) (string, error) {
		var a updateCharacterArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: update_character: failed to parse arguments: %w", err)
		}
		if a.ID == "" {
			return "", fmt.Errorf("tools: update_character: id must not be empty")
		}
		if len(a.Fields) == 0 {
			return "", fmt.Errorf("tools: update_character: fields must not be empty")
		}

		rec, err := store.Record("characters", a.ID)
		if err != nil {
			return "", fmt.Errorf("tools: update_character: %w", err)
		}
		for k, v := range a.Fields {
			rec[k] = v
		}
		if err := store.Put("characters", a.ID, rec); err != nil {
			return "", fmt.Errorf("tools: update_character: %w", err)
		}

		res, err := json.Marshal(redact(rec, caller))
		if err != nil {
			return "", fmt.Errorf("tools: update_character: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func addItemHandler(store campaign.StoreWriter) func(context.Context, string, perm.Caller) (string, error) {
	return func(_ context.Context, args string, _ perm.Caller) (string, error) {
		var a itemArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: add_item: failed to parse arguments: %w", err)
		}
		if a.CharacterID == "" || a.Item == "" {
			return "", fmt.Errorf("tools: add_item: character_id and item must not be empty")
		}

		rec, err := store.Record("characters", a.CharacterID)
		if err != nil {
			return "", fmt.Errorf("tools: add_item: %w", err)
		}
		inventory, _ := rec["inventory"].([]any)
		inventory = append(inventory, a.Item)
		rec["inventory"] = inventory
		if err := store.Put("characters", a.CharacterID, rec); err != nil {
			return "", fmt.Errorf("tools: add_item: %w", err)
		}

		res, err := json.Marshal(map[string]any{
			"character_id": a.CharacterID,
			"inventory":    inventory,
		})
		if err != nil {
			return "", fmt.Errorf("tools: add_item: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func applyEffectHandler(store campaign.StoreWriter) func(context.Context, string, perm.Caller) (string, error) {
	return func(_ context.Context, args string, _ perm.Caller) (string, error) {
		var a effectArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: apply_effect: failed to parse arguments: %w", err)
		}
		if a.CharacterID == "" || a.Effect == "" {
			return "", fmt.Errorf("tools: apply_effect: character_id and effect must not be empty")
		}

		rec, err := store.Record("characters", a.CharacterID)
		if err != nil {
			return "", fmt.Errorf("tools: apply_effect: %w", err)
		}
		effects, _ := rec["effects"].([]any)
		for _, e := range effects {
			if name, ok := e.(string); ok && name == a.Effect {
				// Already applied; effects do not stack.
				return encodeEffects(a.CharacterID, effects)
			}
		}
		effects = append(effects, a.Effect)
		rec["effects"] = effects
		if err := store.Put("characters", a.CharacterID, rec); err != nil {
			return "", fmt.Errorf("tools: apply_effect: %w", err)
		}
		return encodeEffects(a.CharacterID, effects)
	}
}

func removeEffectHandler(store campaign.StoreWriter) func(context.Context, string, perm.Caller) (string, error) {
	return func(_ context.Context, args string, _ perm.Caller) (string, error) {
		var a effectArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: remove_effect: failed to parse arguments: %w", err)
		}
		if a.CharacterID == "" || a.Effect == "" {
			return "", fmt.Errorf("tools: remove_effect: character_id and effect must not be empty")
		}

		rec, err := store.Record("characters", a.CharacterID)
		if err != nil {
			return "", fmt.Errorf("tools: remove_effect: %w", err)
		}
		effects, _ := rec["effects"].([]any)
		kept := make([]any, 0, len(effects))
		for _, e := range effects {
			if name, ok := e.(string); ok && name == a.Effect {
				continue
			}
			kept = append(kept, e)
		}
		rec["effects"] = kept
		if err := store.Put("characters", a.CharacterID, rec); err != nil {
			return "", fmt.Errorf("tools: remove_effect: %w", err)
		}
		return encodeEffects(a.CharacterID, kept)
	}
}

func encodeEffects(characterID string, effects []any) (string, error) {
	if effects == nil {
		effects = []any{}
	}
	res, err := json.Marshal(map[string]any{
		"character_id": characterID,
		"effects":      effects,
	})
	if err != nil {
		return "", fmt.Errorf("tools: failed to encode result: %w", err)
	}
	return string(res), nil
}

// CampaignTools returns the store-backed tools: record getters for every
// readable category plus the character mutation tools. Mutations write
// through the store's in-memory state; the orchestrator's persist step
// flushes them to disk.
func CampaignTools(store campaign.StoreWriter) []Tool {
	idParams := func(desc string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{"type": "string", "description": desc},
			},
			"required": []string{"id"},
		}
	}
	owner := characterOwner(store)

	return []Tool{
		{
			Definition: llm.ToolDefinition{
				Name:                "get_character",
				Description:         "Retrieve a character record by id. DM-only fields are omitted for callers other than the DM or the character's owner.",
				Parameters:          idParams("Character id."),
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
				Idempotent:          true,
			},
			Operation: perm.OpReadCharacter,
			Handler:   getRecordHandler(store, "get_character", "characters"),
		},
		{
			Definition: llm.ToolDefinition{
				Name:                "get_npc",
				Description:         "Retrieve an NPC record by id. DM-only fields are omitted for non-DM callers.",
				Parameters:          idParams("NPC id."),
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
				Idempotent:          true,
			},
			Operation: perm.OpReadNPC,
			Handler:   getRecordHandler(store, "get_npc", "npcs"),
		},
		{
			Definition: llm.ToolDefinition{
				Name:                "get_location",
				Description:         "Retrieve a location record by id. Undiscovered features appear as sensory hints for non-DM callers; DM-only fields are omitted.",
				Parameters:          idParams("Location id."),
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
				Idempotent:          true,
			},
			Operation: perm.OpReadLocation,
			Handler:   getLocationHandler(store),
		},
		{
			Definition: llm.ToolDefinition{
				Name:                "get_quest",
				Description:         "Retrieve a quest record by id. DM-only fields are omitted for non-DM callers.",
				Parameters:          idParams("Quest id."),
				EstimatedDurationMs: 5,
				MaxDurationMs:       50,
				Idempotent:          true,
			},
			Operation: perm.OpReadQuest,
			Handler:   getRecordHandler(store, "get_quest", "quests"),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "update_character",
				Description: "Merge fields into an existing character record. Players may only update their own character.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{"type": "string", "description": "Character id."},
						"fields": map[string]any{
							"type":        "object",
							"description": "Fields to merge into the record.",
						},
					},
					"required": []string{"id", "fields"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       100,
			},
			Operation: perm.OpWriteCharacter,
			OwnerOf:   owner,
			Handler:   updateCharacterHandler(store),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "add_item",
				Description: "Append an item to a character's inventory. Players may only modify their own character.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"character_id": map[string]any{"type": "string", "description": "Character id."},
						"item":         map[string]any{"type": "string", "description": "Item name to add."},
					},
					"required": []string{"character_id", "item"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       100,
			},
			Operation: perm.OpWriteCharacter,
			OwnerOf:   owner,
			Handler:   addItemHandler(store),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "apply_effect",
				Description: "Add a named effect to a character (e.g. poisoned, blessed). Applying an already-active effect is a no-op.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"character_id": map[string]any{"type": "string", "description": "Character id."},
						"effect":       map[string]any{"type": "string", "description": "Effect name to apply."},
					},
					"required": []string{"character_id", "effect"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       100,
			},
			Operation: perm.OpWriteCharacter,
			OwnerOf:   owner,
			Handler:   applyEffectHandler(store),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "remove_effect",
				Description: "Remove a named effect from a character. Removing an absent effect is a no-op.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"character_id": map[string]any{"type": "string", "description": "Character id."},
						"effect":       map[string]any{"type": "string", "description": "Effect name to remove."},
					},
					"required": []string{"character_id", "effect"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       100,
			},
			Operation: perm.OpWriteCharacter,
			OwnerOf:   owner,
			Handler:   removeEffectHandler(store),
		},
	}
}
