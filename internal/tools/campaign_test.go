package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/claudmaster/internal/campaign"
	"github.com/MrWong99/claudmaster/internal/perm"
	"github.com/MrWong99/claudmaster/internal/storage"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

// testStore builds a campaign store with one owned character and one NPC.
func testStore(t *testing.T) *campaign.Store {
	t.Helper()
	split, err := storage.NewSplit(t.TempDir())
	if err != nil {
		t.Fatalf("NewSplit: %v", err)
	}
	store, err := campaign.Open(split)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Put("characters", "durgan", campaign.Record{
		"name":                 "Durgan Ironfoot",
		"owner_participant_id": "p1",
		"hp":                   27,
		"dm_notes":             "secretly cursed",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put("npcs", "innkeeper", campaign.Record{
		"name":     "Bella the Innkeeper",
		"dm_notes": "works for the thieves' guild",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return store
}

func campaignRegistry(t *testing.T, store *campaign.Store) *Registry {
	t.Helper()
	r := NewRegistry(perm.NewResolver())
	if err := r.RegisterAll(CampaignTools(store)); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return r
}

func decodeRecord(t *testing.T, content string) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		t.Fatalf("invalid record JSON: %v", err)
	}
	return rec
}

func TestGetCharacter_RedactsDMFields(t *testing.T) {
	t.Parallel()
	r := campaignRegistry(t, testStore(t))
	ctx := context.Background()

	// Another player sees the record without DM notes.
	other := perm.Caller{ParticipantID: "p2", Role: perm.RolePlayer}
	res, err := r.Execute(ctx, other, "get_character", `{"id":"durgan"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	rec := decodeRecord(t, res.Content)
	if _, ok := rec["dm_notes"]; ok {
		t.Error("dm_notes leaked to non-owner")
	}
	if rec["name"] != "Durgan Ironfoot" {
		t.Errorf("name = %v", rec["name"])
	}

	// The owner and the DM see everything.
	for _, caller := range []perm.Caller{playerCaller, dmCaller} {
		res, err := r.Execute(ctx, caller, "get_character", `{"id":"durgan"}`)
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", caller.Role, err)
		}
		if rec := decodeRecord(t, res.Content); rec["dm_notes"] != "secretly cursed" {
			t.Errorf("dm_notes missing for %s", caller.Role)
		}
	}
}

func TestGetNPC_RedactsForPlayers(t *testing.T) {
	t.Parallel()
	r := campaignRegistry(t, testStore(t))

	res, err := r.Execute(context.Background(), playerCaller, "get_npc", `{"id":"innkeeper"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rec := decodeRecord(t, res.Content); rec["dm_notes"] != nil {
		t.Error("dm_notes leaked to player")
	}
}

func TestGetLocation_HidesUndiscoveredFeatures(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	if err := store.Put("locations", "chapel", campaign.Record{
		"name": "Ruined Chapel",
		"features": []any{
			map[string]any{"name": "altar", "description": "a cracked marble altar"},
			map[string]any{"name": "hidden-door", "description": "a secret passage behind the altar"},
		},
		"dm_notes": "the cult meets here at midnight",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Apply([]state.Delta{{
		Category: "discoveries",
		EntityID: "chapel",
		Fields:   map[string]any{"features": []string{"altar"}},
	}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	r := campaignRegistry(t, store)
	ctx := context.Background()

	res, err := r.Execute(ctx, playerCaller, "get_location", `{"id":"chapel"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	rec := decodeRecord(t, res.Content)
	if _, ok := rec["dm_notes"]; ok {
		t.Error("dm_notes leaked to player")
	}
	features, _ := rec["features"].([]any)
	if len(features) != 2 {
		t.Fatalf("features = %v, want 2 entries", rec["features"])
	}
	for _, raw := range features {
		f, _ := raw.(map[string]any)
		switch f["name"] {
		case "altar":
			if f["description"] != "a cracked marble altar" {
				t.Errorf("discovered feature = %v", f)
			}
		default:
			if f["hint"] == nil || f["description"] != nil {
				t.Errorf("undiscovered feature leaked: %v", f)
			}
		}
	}

	// The DM sees the record verbatim.
	res, err = r.Execute(ctx, dmCaller, "get_location", `{"id":"chapel"}`)
	if err != nil {
		t.Fatalf("Execute(dm) error = %v", err)
	}
	rec = decodeRecord(t, res.Content)
	features, _ = rec["features"].([]any)
	var sawHidden bool
	for _, raw := range features {
		if f, _ := raw.(map[string]any); f["name"] == "hidden-door" {
			sawHidden = true
		}
	}
	if !sawHidden {
		t.Error("hidden feature filtered for the DM")
	}
}

func TestGetCharacter_Missing(t *testing.T) {
	t.Parallel()
	r := campaignRegistry(t, testStore(t))

	res, err := r.Execute(context.Background(), dmCaller, "get_character", `{"id":"nobody"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false for missing record")
	}
}

func TestUpdateCharacter_OwnerOnly(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	r := campaignRegistry(t, store)
	ctx := context.Background()

	res, err := r.Execute(ctx, playerCaller, "update_character", `{"id":"durgan","fields":{"hp":21}}`)
	if err != nil {
		t.Fatalf("Execute(owner) error = %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError = true: %s", res.Content)
	}
	rec, err := store.Record("characters", "durgan")
	if err != nil {
		t.Fatal(err)
	}
	// JSON-decoded fields arrive as float64.
	if hp, _ := rec["hp"].(float64); hp != 21 {
		t.Errorf("hp = %v, want 21", rec["hp"])
	}

	other := perm.Caller{ParticipantID: "p2", Role: perm.RolePlayer}
	if _, err := r.Execute(ctx, other, "update_character", `{"id":"durgan","fields":{"hp":1}}`); !errors.Is(err, perm.ErrDenied) {
		t.Errorf("Execute(non-owner) error = %v, want perm.ErrDenied", err)
	}
}

func TestAddItem(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	r := campaignRegistry(t, store)

	res, err := r.Execute(context.Background(), playerCaller, "add_item", `{"character_id":"durgan","item":"rope (50 ft)"}`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError = true: %s", res.Content)
	}

	rec, err := store.Record("characters", "durgan")
	if err != nil {
		t.Fatal(err)
	}
	inv, _ := rec["inventory"].([]any)
	if len(inv) != 1 || inv[0] != "rope (50 ft)" {
		t.Errorf("inventory = %v", inv)
	}
}

func TestApplyAndRemoveEffect(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	r := campaignRegistry(t, store)
	ctx := context.Background()

	for range 2 {
		// Applying twice must not stack.
		res, err := r.Execute(ctx, dmCaller, "apply_effect", `{"character_id":"durgan","effect":"poisoned"}`)
		if err != nil {
			t.Fatalf("Execute(apply) error = %v", err)
		}
		if res.IsError {
			t.Fatalf("IsError = true: %s", res.Content)
		}
	}
	rec, _ := store.Record("characters", "durgan")
	if effects, _ := rec["effects"].([]any); len(effects) != 1 {
		t.Fatalf("effects = %v, want one entry", rec["effects"])
	}

	res, err := r.Execute(ctx, dmCaller, "remove_effect", `{"character_id":"durgan","effect":"poisoned"}`)
	if err != nil {
		t.Fatalf("Execute(remove) error = %v", err)
	}
	if res.IsError {
		t.Fatalf("IsError = true: %s", res.Content)
	}
	rec, _ = store.Record("characters", "durgan")
	if effects, _ := rec["effects"].([]any); len(effects) != 0 {
		t.Errorf("effects = %v after removal", effects)
	}
}
