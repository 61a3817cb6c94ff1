// Package timeline maintains the monotonic event ordering for a Claudmaster
// session. Every appended event receives the next order number; declared
// causes must already exist, which keeps the cause graph acyclic by
// construction. The explicit reachability check guards restored snapshots
// whose cause sets were assembled externally.
//
// All operations are safe for concurrent use.
package timeline

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCausality is returned when an appended event references an unknown cause
// or would create a cycle in the cause graph.
var ErrCausality = errors.New("timeline: causality violation")

// Entry is one ordered event.
type Entry struct {
	// EventID identifies the event. Unique within the timeline.
	EventID string `json:"event_id"`

	// Order is the strictly increasing sequence number within the session.
	Order int64 `json:"order"`

	// SessionNumber is the session the event belongs to.
	SessionNumber int `json:"session_number"`

	// WallTime is when the event was appended.
	WallTime time.Time `json:"wall_time"`

	// Causes lists event IDs this event causally depends on.
	Causes []string `json:"causes,omitempty"`
}

// Timeline holds the ordered event log. Construct with [New].
type Timeline struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string // event IDs in order
	next    int64
}

// New returns an empty timeline whose first event receives order 1.
func New() *Timeline {
	return &Timeline{entries: make(map[string]Entry), next: 1}
}

// Append records an event with the next order number. Every cause must name
// an existing entry; unknown causes and cycles are rejected with
// [ErrCausality].
func (t *Timeline) Append(eventID string, session int, causes []string) (Entry, error) {
	if eventID == "" {
		return Entry{}, fmt.Errorf("timeline: event id must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[eventID]; exists {
		return Entry{}, fmt.Errorf("timeline: append %q: %w: event already recorded", eventID, ErrCausality)
	}
	for _, c := range causes {
		if _, ok := t.entries[c]; !ok {
			return Entry{}, fmt.Errorf("timeline: append %q: %w: unknown cause %q", eventID, ErrCausality, c)
		}
		if t.reachableLocked(c, eventID) {
			return Entry{}, fmt.Errorf("timeline: append %q: %w: cycle through %q", eventID, ErrCausality, c)
		}
	}

	e := Entry{
		EventID:       eventID,
		Order:         t.next,
		SessionNumber: session,
		WallTime:      time.Now().UTC(),
		Causes:        append([]string(nil), causes...),
	}
	t.entries[eventID] = e
	t.order = append(t.order, eventID)
	t.next++
	return e, nil
}

// Get returns the entry for eventID.
func (t *Timeline) Get(eventID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[eventID]
	return e, ok
}

// Before returns all entries with order strictly less than the given event's
// order, oldest first. Returns nil when the event is unknown.
func (t *Timeline) Before(eventID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref, ok := t.entries[eventID]
	if !ok {
		return nil
	}
	var out []Entry
	for _, id := range t.order {
		e := t.entries[id]
		if e.Order < ref.Order {
			out = append(out, e)
		}
	}
	return out
}

// After returns all entries with order strictly greater than the given
// event's order, oldest first. Returns nil when the event is unknown.
func (t *Timeline) After(eventID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ref, ok := t.entries[eventID]
	if !ok {
		return nil
	}
	var out []Entry
	for _, id := range t.order {
		e := t.entries[id]
		if e.Order > ref.Order {
			out = append(out, e)
		}
	}
	return out
}

// CausedBy reports whether event a is transitively caused by event b.
func (t *Timeline) CausedBy(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reachableLocked(a, b)
}

// Snapshot returns all entries in order, for session persistence.
func (t *Timeline) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id])
	}
	return out
}

// Restore replaces the timeline contents with the given entries. Entries must
// be sorted by order, orders must be strictly increasing, and every cause must
// reference an earlier entry.
func (t *Timeline) Restore(entries []Entry) error {
	m := make(map[string]Entry, len(entries))
	order := make([]string, 0, len(entries))
	var last int64
	for i, e := range entries {
		if e.Order <= last {
			return fmt.Errorf("timeline: restore: entry %d order %d not increasing", i, e.Order)
		}
		for _, c := range e.Causes {
			cause, ok := m[c]
			if !ok {
				return fmt.Errorf("timeline: restore: entry %q: %w: unknown cause %q", e.EventID, ErrCausality, c)
			}
			if cause.Order >= e.Order {
				return fmt.Errorf("timeline: restore: entry %q: %w: cause %q not earlier", e.EventID, ErrCausality, c)
			}
		}
		m[e.EventID] = e
		order = append(order, e.EventID)
		last = e.Order
	}

	t.mu.Lock()
	t.entries = m
	t.order = order
	t.next = last + 1
	t.mu.Unlock()
	return nil
}

// reachableLocked reports whether target is reachable from start by following
// cause edges. Caller must hold t.mu.
func (t *Timeline) reachableLocked(start, target string) bool {
	if start == target {
		return true
	}
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		for _, c := range e.Causes {
			if c == target {
				return true
			}
			stack = append(stack, c)
		}
	}
	return false
}
