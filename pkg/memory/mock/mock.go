// Package mock provides in-memory test doubles for the memory layer interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//	store.GetRecentResult = []memory.TranscriptEntry{{Text: "hello"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("GetRecent"); got != 1 {
//	    t.Errorf("expected 1 GetRecent call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// SessionStore mock (L1)
// ─────────────────────────────────────────────────────────────────────────────

// SessionStore is a configurable test double for [memory.SessionStore].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil (empty slice returned).
type SessionStore struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// WriteEntryErr is returned by [SessionStore.WriteEntry] when non-nil.
	WriteEntryErr error

	// GetRecentResult is returned by [SessionStore.GetRecent].
	// When nil, GetRecent returns an empty non-nil slice.
	GetRecentResult []memory.TranscriptEntry

	// GetRecentErr is returned by [SessionStore.GetRecent] when non-nil.
	GetRecentErr error

	// SearchResult is returned by [SessionStore.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []memory.TranscriptEntry

	// SearchErr is returned by [SessionStore.Search] when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *SessionStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(_ context.Context, sessionID string, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{sessionID, entry}})
	return m.WriteEntryErr
}

// GetRecent implements [memory.SessionStore].
func (m *SessionStore) GetRecent(_ context.Context, sessionID string, duration time.Duration) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRecent", Args: []any{sessionID, duration}})
	if m.GetRecentResult == nil {
		return []memory.TranscriptEntry{}, m.GetRecentErr
	}
	out := make([]memory.TranscriptEntry, len(m.GetRecentResult))
	copy(out, m.GetRecentResult)
	return out, m.GetRecentErr
}

// Search implements [memory.SessionStore].
func (m *SessionStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchResult == nil {
		return []memory.TranscriptEntry{}, m.SearchErr
	}
	out := make([]memory.TranscriptEntry, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// Ensure SessionStore satisfies the interface at compile time.
var _ memory.SessionStore = (*SessionStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// SemanticIndex mock (L2)
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is a configurable test double for [memory.SemanticIndex].
type SemanticIndex struct {
	mu sync.Mutex

	calls []Call

	// IndexChunkErr is returned by [SemanticIndex.IndexChunk] when non-nil.
	IndexChunkErr error

	// SearchResult is returned by [SemanticIndex.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []memory.ChunkResult

	// SearchErr is returned by [SemanticIndex.Search] when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SemanticIndex) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SemanticIndex) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *SemanticIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// IndexChunk implements [memory.SemanticIndex].
func (m *SemanticIndex) IndexChunk(_ context.Context, chunk memory.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "IndexChunk", Args: []any{chunk}})
	return m.IndexChunkErr
}

// Search implements [memory.SemanticIndex].
func (m *SemanticIndex) Search(_ context.Context, embedding []float32, topK int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{embedding, topK, filter}})
	if m.SearchResult == nil {
		return []memory.ChunkResult{}, m.SearchErr
	}
	out := make([]memory.ChunkResult, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// Ensure SemanticIndex satisfies the interface at compile time.
var _ memory.SemanticIndex = (*SemanticIndex)(nil)
