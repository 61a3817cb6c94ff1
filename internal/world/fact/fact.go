// Package fact provides the append-only fact store for a Claudmaster session.
//
// A fact is a typed world statement (event, location, npc, item, quest, world)
// with tags, a relevance score, and optional links to other facts. Facts are
// never mutated after publication; corrections create a new fact that
// supersedes the old one via [Store.Supersede].
//
// All store operations are safe for concurrent use.
package fact

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Sentinel errors returned by [Store] operations.
var (
	// ErrNotFound is returned when the requested fact does not exist.
	ErrNotFound = errors.New("fact: not found")

	// ErrSuperseded is returned when attempting to supersede a fact that has
	// already been superseded.
	ErrSuperseded = errors.New("fact: already superseded")
)

// Category classifies a fact.
type Category string

const (
	CategoryEvent    Category = "event"
	CategoryLocation Category = "location"
	CategoryNPC      Category = "npc"
	CategoryItem     Category = "item"
	CategoryQuest    Category = "quest"
	CategoryWorld    Category = "world"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryEvent, CategoryLocation, CategoryNPC, CategoryItem, CategoryQuest, CategoryWorld:
		return true
	}
	return false
}

// Fact is a single world statement. Once added to a [Store] it is immutable;
// the store returns copies on every read.
type Fact struct {
	// ID is the unique fact identifier, generated on add when empty.
	ID string `json:"id"`

	// Content is the statement text.
	Content string `json:"content"`

	// Category classifies the fact.
	Category Category `json:"category"`

	// Tags are searchable labels.
	Tags []string `json:"tags,omitempty"`

	// Relevance ranks the fact's importance from 1 (trivia) to 10 (load-bearing).
	Relevance int `json:"relevance"`

	// SessionNumber is the session in which the fact was established. Zero when
	// the fact predates all sessions (campaign seed data).
	SessionNumber int `json:"session_number,omitempty"`

	// CreatedAt is when the fact was recorded.
	CreatedAt time.Time `json:"created_at"`

	// Links holds IDs of related facts. A superseding fact always links to the
	// fact it replaces.
	Links []string `json:"links,omitempty"`

	// PartyKnown marks the fact as known to the whole party.
	PartyKnown bool `json:"party_known"`

	// Superseded marks the fact as replaced by a newer fact.
	Superseded bool `json:"superseded,omitempty"`
}

// Query selects facts from a [Store]. Zero-value fields are ignored.
type Query struct {
	// Category filters by fact category when non-empty.
	Category Category

	// Tag filters facts carrying the given tag when non-empty.
	Tag string

	// PartyKnown filters by the party-known flag when non-nil.
	PartyKnown *bool

	// SessionNumber filters by establishing session when > 0.
	SessionNumber int

	// MinRelevance filters facts with relevance >= the given value when > 0.
	MinRelevance int

	// IncludeSuperseded includes superseded facts. Default excludes them.
	IncludeSuperseded bool
}

// Store is the append-only fact database for one session.
// The zero value is not usable; construct with [NewStore].
type Store struct {
	mu    sync.RWMutex
	facts map[string]*Fact
	order []string // insertion order, for deterministic listing
}

// NewStore returns an empty initialised [Store].
func NewStore() *Store {
	return &Store{facts: make(map[string]*Fact)}
}

// Add validates and records f, generating an ID when f.ID is empty and
// stamping CreatedAt when zero. Returns the stored fact.
func (s *Store) Add(f Fact) (Fact, error) {
	if f.Content == "" {
		return Fact{}, fmt.Errorf("fact: content must not be empty")
	}
	if !f.Category.IsValid() {
		return Fact{}, fmt.Errorf("fact: invalid category %q", f.Category)
	}
	if f.Relevance < 1 || f.Relevance > 10 {
		return Fact{}, fmt.Errorf("fact: relevance must be in [1,10], got %d", f.Relevance)
	}

	if f.ID == "" {
		id, err := generateID()
		if err != nil {
			return Fact{}, fmt.Errorf("fact: generate id: %w", err)
		}
		f.ID = id
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.facts[f.ID]; exists {
		return Fact{}, fmt.Errorf("fact: duplicate id %q", f.ID)
	}

	stored := f
	s.facts[f.ID] = &stored
	s.order = append(s.order, f.ID)
	return f, nil
}

// Supersede records newFact as the replacement for the fact identified by
// oldID. The new fact gains a link to the old one and the old fact is marked
// superseded. Returns the stored replacement.
func (s *Store) Supersede(oldID string, newFact Fact) (Fact, error) {
	s.mu.Lock()
	old, ok := s.facts[oldID]
	if !ok {
		s.mu.Unlock()
		return Fact{}, fmt.Errorf("fact: supersede %q: %w", oldID, ErrNotFound)
	}
	if old.Superseded {
		s.mu.Unlock()
		return Fact{}, fmt.Errorf("fact: supersede %q: %w", oldID, ErrSuperseded)
	}
	s.mu.Unlock()

	if !slices.Contains(newFact.Links, oldID) {
		newFact.Links = append(slices.Clone(newFact.Links), oldID)
	}

	stored, err := s.Add(newFact)
	if err != nil {
		return Fact{}, err
	}

	s.mu.Lock()
	s.facts[oldID].Superseded = true
	s.mu.Unlock()
	return stored, nil
}

// Get returns the fact with the given id.
func (s *Store) Get(id string) (Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.facts[id]
	if !ok {
		return Fact{}, ErrNotFound
	}
	return *f, nil
}

// SetPartyKnown flips the party-known flag on an existing fact. This is the
// one mutation allowed after publication: it records discovery, not a change
// of world state.
func (s *Store) SetPartyKnown(id string, known bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.facts[id]
	if !ok {
		return ErrNotFound
	}
	f.PartyKnown = known
	return nil
}

// Query returns all facts matching q in insertion order.
func (s *Store) Query(q Query) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Fact
	for _, id := range s.order {
		f := s.facts[id]
		if !matches(f, q) {
			continue
		}
		result = append(result, *f)
	}
	return result
}

// Len returns the number of stored facts, including superseded ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// Snapshot returns all facts in insertion order, for session persistence.
func (s *Store) Snapshot() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Fact, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.facts[id])
	}
	return out
}

// Restore replaces the store contents with the given facts, preserving their
// order. Used when resuming a session from a snapshot.
func (s *Store) Restore(facts []Fact) error {
	m := make(map[string]*Fact, len(facts))
	order := make([]string, 0, len(facts))
	for i := range facts {
		f := facts[i]
		if f.ID == "" {
			return fmt.Errorf("fact: restore: fact %d has empty id", i)
		}
		if _, dup := m[f.ID]; dup {
			return fmt.Errorf("fact: restore: duplicate id %q", f.ID)
		}
		m[f.ID] = &f
		order = append(order, f.ID)
	}

	s.mu.Lock()
	s.facts = m
	s.order = order
	s.mu.Unlock()
	return nil
}

// matches reports whether f satisfies every set field of q.
func matches(f *Fact, q Query) bool {
	if f.Superseded && !q.IncludeSuperseded {
		return false
	}
	if q.Category != "" && f.Category != q.Category {
		return false
	}
	if q.Tag != "" && !containsFold(f.Tags, q.Tag) {
		return false
	}
	if q.PartyKnown != nil && f.PartyKnown != *q.PartyKnown {
		return false
	}
	if q.SessionNumber > 0 && f.SessionNumber != q.SessionNumber {
		return false
	}
	if q.MinRelevance > 0 && f.Relevance < q.MinRelevance {
		return false
	}
	return true
}

func containsFold(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// generateID returns a 16-character hex identifier from crypto/rand.
func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
