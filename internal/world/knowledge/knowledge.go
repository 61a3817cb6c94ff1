// Package knowledge tracks who knows which facts. Each grant records how a
// holder (an NPC or the party pseudo-holder) learned a fact; queries return
// only the facts the holder can actually recall. The party's knowledge is the
// union of its explicit grants and every fact flagged party-known in the fact
// store.
//
// All tracker operations are safe for concurrent use.
package knowledge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/internal/world/fact"
)

// HolderParty is the pseudo-holder representing shared party knowledge.
const HolderParty = "party"

// Sentinel errors returned by [Tracker] operations.
var (
	// ErrUnknownFact is returned when granting knowledge of a fact that does not
	// exist in the fact store.
	ErrUnknownFact = errors.New("knowledge: unknown fact")

	// ErrDuplicateGrant is returned when the (fact, holder) pair already has a
	// record.
	ErrDuplicateGrant = errors.New("knowledge: already granted")
)

// Method describes how a holder acquired a fact.
type Method string

const (
	MethodTold            Method = "told"
	MethodObserved        Method = "observed"
	MethodInvestigated    Method = "investigated"
	MethodRead            Method = "read"
	MethodOverheard       Method = "overheard"
	MethodDeduced         Method = "deduced"
	MethodMagical         Method = "magical"
	MethodCommonKnowledge Method = "commonKnowledge"
)

// IsValid reports whether m is a recognised acquisition method.
func (m Method) IsValid() bool {
	switch m {
	case MethodTold, MethodObserved, MethodInvestigated, MethodRead,
		MethodOverheard, MethodDeduced, MethodMagical, MethodCommonKnowledge:
		return true
	}
	return false
}

// Record ties one fact to one holder. Unique per (FactID, Holder).
type Record struct {
	// FactID references the known fact.
	FactID string `json:"fact_id"`

	// Holder is [HolderParty] or an NPC id.
	Holder string `json:"holder"`

	// Method is how the holder learned the fact.
	Method Method `json:"method"`

	// SessionNumber is the session in which the fact was learned.
	SessionNumber int `json:"session_number"`

	// LocationID is where the fact was learned, when known.
	LocationID string `json:"location_id,omitempty"`

	// AcquiredAt is when the grant was recorded.
	AcquiredAt time.Time `json:"acquired_at"`
}

// Tracker maintains knowledge records over a [fact.Store].
// Construct with [NewTracker].
type Tracker struct {
	facts *fact.Store

	mu      sync.RWMutex
	records map[string]map[string]Record // holder → factID → record
}

// NewTracker creates a tracker over the given fact store.
func NewTracker(facts *fact.Store) *Tracker {
	return &Tracker{
		facts:   facts,
		records: make(map[string]map[string]Record),
	}
}

// Grant records that holder knows the fact identified by factID. Granting to
// [HolderParty] also flips the fact's party-known flag.
func (t *Tracker) Grant(factID, holder string, method Method, session int, locationID string) (Record, error) {
	if holder == "" {
		return Record{}, fmt.Errorf("knowledge: holder must not be empty")
	}
	if !method.IsValid() {
		return Record{}, fmt.Errorf("knowledge: invalid method %q", method)
	}
	if _, err := t.facts.Get(factID); err != nil {
		return Record{}, fmt.Errorf("knowledge: grant %q to %q: %w", factID, holder, ErrUnknownFact)
	}

	rec := Record{
		FactID:        factID,
		Holder:        holder,
		Method:        method,
		SessionNumber: session,
		LocationID:    locationID,
		AcquiredAt:    time.Now().UTC(),
	}

	t.mu.Lock()
	byFact := t.records[holder]
	if byFact == nil {
		byFact = make(map[string]Record)
		t.records[holder] = byFact
	}
	if _, exists := byFact[factID]; exists {
		t.mu.Unlock()
		return Record{}, fmt.Errorf("knowledge: grant %q to %q: %w", factID, holder, ErrDuplicateGrant)
	}
	byFact[factID] = rec
	t.mu.Unlock()

	if holder == HolderParty {
		if err := t.facts.SetPartyKnown(factID, true); err != nil {
			return Record{}, fmt.Errorf("knowledge: mark party known: %w", err)
		}
	}
	return rec, nil
}

// Query returns the facts holder can recall, optionally filtered by topic.
// A non-empty topic matches case-insensitively against fact content and tags.
// For [HolderParty] the result includes every party-known fact even without an
// explicit grant. Superseded facts are never recalled.
func (t *Tracker) Query(holder, topic string) []fact.Fact {
	known := make(map[string]bool)

	t.mu.RLock()
	for id := range t.records[holder] {
		known[id] = true
	}
	t.mu.RUnlock()

	var out []fact.Fact
	seen := make(map[string]bool)

	appendFact := func(f fact.Fact) {
		if seen[f.ID] || f.Superseded {
			return
		}
		if topic != "" && !topicMatches(f, topic) {
			return
		}
		seen[f.ID] = true
		out = append(out, f)
	}

	for id := range known {
		f, err := t.facts.Get(id)
		if err != nil {
			continue
		}
		appendFact(f)
	}

	if holder == HolderParty {
		partyKnown := true
		for _, f := range t.facts.Query(fact.Query{PartyKnown: &partyKnown}) {
			appendFact(f)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Knows reports whether holder has a record for factID.
func (t *Tracker) Knows(holder, factID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[holder][factID]
	return ok
}

// Share copies every record from one holder to another with method
// [MethodTold], skipping facts the destination already knows.
// Returns the number of facts shared.
func (t *Tracker) Share(from, to string, session int) (int, error) {
	if from == to {
		return 0, fmt.Errorf("knowledge: share: holders must differ")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	src := t.records[from]
	if len(src) == 0 {
		return 0, nil
	}

	dst := t.records[to]
	if dst == nil {
		dst = make(map[string]Record)
		t.records[to] = dst
	}

	shared := 0
	now := time.Now().UTC()
	for factID := range src {
		if _, exists := dst[factID]; exists {
			continue
		}
		dst[factID] = Record{
			FactID:        factID,
			Holder:        to,
			Method:        MethodTold,
			SessionNumber: session,
			AcquiredAt:    now,
		}
		shared++
	}
	return shared, nil
}

// RemoveHolder deletes every record for holder. Used when an NPC is removed
// from the campaign.
func (t *Tracker) RemoveHolder(holder string) {
	t.mu.Lock()
	delete(t.records, holder)
	t.mu.Unlock()
}

// InvalidateFact removes every record referencing factID across all holders.
// Called when a fact is retracted or superseded.
func (t *Tracker) InvalidateFact(factID string) {
	t.mu.Lock()
	for holder, byFact := range t.records {
		delete(byFact, factID)
		if len(byFact) == 0 {
			delete(t.records, holder)
		}
	}
	t.mu.Unlock()
}

// Snapshot returns all records sorted by (holder, factID) for persistence.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Record
	for _, byFact := range t.records {
		for _, rec := range byFact {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Holder != out[j].Holder {
			return out[i].Holder < out[j].Holder
		}
		return out[i].FactID < out[j].FactID
	})
	return out
}

// Restore replaces all records with the given snapshot.
func (t *Tracker) Restore(records []Record) {
	m := make(map[string]map[string]Record)
	for _, rec := range records {
		byFact := m[rec.Holder]
		if byFact == nil {
			byFact = make(map[string]Record)
			m[rec.Holder] = byFact
		}
		byFact[rec.FactID] = rec
	}

	t.mu.Lock()
	t.records = m
	t.mu.Unlock()
}

// topicMatches reports whether topic appears in the fact content or tags.
func topicMatches(f fact.Fact, topic string) bool {
	topic = strings.ToLower(topic)
	if strings.Contains(strings.ToLower(f.Content), topic) {
		return true
	}
	for _, tag := range f.Tags {
		if strings.Contains(strings.ToLower(tag), topic) {
			return true
		}
	}
	return false
}
