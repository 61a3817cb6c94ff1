// Package campaign exposes the persisted campaign data to the engine.
// Characters, NPCs, locations, quests, and encounters are opaque records
// keyed by id; the engine reads them through [StoreReader] and writes merged
// turn deltas back through [StoreWriter]. On disk every category is one JSON
// file managed by [storage.Split].
package campaign

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/claudmaster/internal/storage"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

// Category file names under the campaign root.
const (
	FileCampaign   = "campaign.json"
	FileCharacters = "characters.json"
	FileNPCs       = "npcs.json"
	FileLocations  = "locations.json"
	FileQuests     = "quests.json"
	FileEncounters = "encounters.json"
	FileGameState  = "game_state.json"
)

// Categories addressable by a state delta, in file order.
var Categories = []string{"characters", "npcs", "locations", "quests", "encounters"}

var categoryFiles = map[string]string{
	"characters": FileCharacters,
	"npcs":       FileNPCs,
	"locations":  FileLocations,
	"quests":     FileQuests,
	"encounters": FileEncounters,
}

var (
	// ErrNotFound is returned when a record id is absent from its category.
	ErrNotFound = errors.New("campaign: record not found")

	// ErrUnknownCategory is returned for a delta naming no category file.
	ErrUnknownCategory = errors.New("campaign: unknown category")
)

// Info is the campaign.json document.
type Info struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DMName          string `json:"dm_name,omitempty"`
	Setting         string `json:"setting,omitempty"`
	RulesVersion    string `json:"rules_version,omitempty"`
	InteractionMode string `json:"interaction_mode,omitempty"`
}

// Record is an opaque entity document. The engine never interprets its shape
// beyond the few surfaced fields below.
type Record map[string]any

// ID returns the record's "id" field, or "".
func (r Record) ID() string { return r.stringField("id") }

// Name returns the record's "name" field, or "".
func (r Record) Name() string { return r.stringField("name") }

// OwnerParticipantID returns the participant that owns this record, or "".
// Only character records carry ownership.
func (r Record) OwnerParticipantID() string { return r.stringField("owner_participant_id") }

func (r Record) stringField(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// clone returns a shallow copy so callers cannot mutate store state.
func (r Record) clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StoreReader is the read-only view handed to agents.
type StoreReader interface {
	// Campaign returns the campaign metadata.
	Campaign() Info

	// Record returns one record by category ("characters", "npcs", ...) and id.
	Record(category, id string) (Record, error)

	// List returns every record of a category, ordered by id.
	List(category string) ([]Record, error)

	// GameState returns the shared mutable game state document.
	GameState() Record
}

// StoreWriter is the mutation surface used by the orchestrator's persist step.
type StoreWriter interface {
	StoreReader

	// Put upserts one record.
	Put(category, id string, rec Record) error

	// Apply merges turn deltas into the in-memory records. Categories
	// "game_state" and "discoveries" merge into the game state document;
	// everything else must name a category file.
	Apply(deltas []state.Delta) error

	// Flush commits every dirty category file as one atomic write set.
	Flush() error
}

// Store is the concrete campaign store. Safe for concurrent use.
type Store struct {
	split *storage.Split

	mu         sync.RWMutex
	info       Info
	categories map[string]map[string]Record
	gameState  Record
	dirty      map[string]bool
}

var _ StoreWriter = (*Store)(nil)

// Open loads the campaign directory through split. Missing files start as
// empty categories; a missing campaign.json yields a zero [Info].
func Open(split *storage.Split) (*Store, error) {
	s := &Store{
		split:      split,
		categories: make(map[string]map[string]Record, len(Categories)),
		gameState:  Record{},
		dirty:      make(map[string]bool),
	}
	if err := split.Read(FileCampaign, &s.info); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	for _, cat := range Categories {
		recs := make(map[string]Record)
		if err := split.Read(categoryFiles[cat], &recs); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		s.categories[cat] = recs
	}
	if err := split.Read(FileGameState, &s.gameState); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if s.gameState == nil {
		s.gameState = Record{}
	}
	return s, nil
}

// SetInfo replaces the campaign metadata and marks it dirty.
func (s *Store) SetInfo(info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.dirty[FileCampaign] = true
}

// Campaign implements [StoreReader].
func (s *Store) Campaign() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Record implements [StoreReader].
func (s *Store) Record(category, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	rec, ok := recs[id]
	if !ok {
		return nil, fmt.Errorf("campaign: %s %q: %w", category, id, ErrNotFound)
	}
	return rec.clone(), nil
}

// List implements [StoreReader].
func (s *Store) List(category string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	ids := make([]string, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, recs[id].clone())
	}
	return out, nil
}

// GameState implements [StoreReader].
func (s *Store) GameState() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gameState.clone()
}

// Put implements [StoreWriter].
func (s *Store) Put(category, id string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.categories[category]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	stored := rec.clone()
	if stored == nil {
		stored = Record{}
	}
	stored["id"] = id
	recs[id] = stored
	s.dirty[categoryFiles[category]] = true
	return nil
}

// Apply implements [StoreWriter]. Deltas merge field-by-field into existing
// records; unknown record ids create new records.
func (s *Store) Apply(deltas []state.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		switch d.Category {
		case "game_state":
			mergeFields(s.gameState, d.Fields)
			s.dirty[FileGameState] = true
		case "discoveries":
			disc, _ := s.gameState["discoveries"].(map[string]any)
			if disc == nil {
				disc = make(map[string]any)
			}
			mergeDiscovery(disc, d.EntityID, d.Fields)
			s.gameState["discoveries"] = disc
			s.dirty[FileGameState] = true
		default:
			recs, ok := s.categories[d.Category]
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownCategory, d.Category)
			}
			rec, ok := recs[d.EntityID]
			if !ok {
				rec = Record{"id": d.EntityID}
				recs[d.EntityID] = rec
			}
			mergeFields(rec, d.Fields)
			s.dirty[categoryFiles[d.Category]] = true
		}
	}
	return nil
}

// Flush implements [StoreWriter].
func (s *Store) Flush() error {
	s.mu.Lock()
	files := make(map[string]any, len(s.dirty))
	for file := range s.dirty {
		switch file {
		case FileCampaign:
			files[file] = s.info
		case FileGameState:
			files[file] = s.gameState
		default:
			for cat, name := range categoryFiles {
				if name == file {
					files[file] = s.categories[cat]
				}
			}
		}
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	if len(files) == 0 {
		return nil
	}
	return s.split.WriteSet(files)
}

// Manifest returns the split storage's current content-hash manifest.
func (s *Store) Manifest() map[string]string { return s.split.Manifest() }

func mergeFields(dst Record, fields map[string]any) {
	for k, v := range fields {
		dst[k] = v
	}
}

// mergeDiscovery unions discovered feature names for one location.
func mergeDiscovery(disc map[string]any, locationID string, fields map[string]any) {
	existing, _ := disc[locationID].([]any)
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		if name, ok := f.(string); ok {
			seen[name] = true
		}
	}
	for _, v := range fields {
		switch names := v.(type) {
		case []string:
			for _, n := range names {
				if !seen[n] {
					existing = append(existing, n)
					seen[n] = true
				}
			}
		case []any:
			for _, raw := range names {
				if n, ok := raw.(string); ok && !seen[n] {
					existing = append(existing, n)
					seen[n] = true
				}
			}
		case string:
			if !seen[names] {
				existing = append(existing, names)
				seen[names] = true
			}
		}
	}
	disc[locationID] = existing
}
