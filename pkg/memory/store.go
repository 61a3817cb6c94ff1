// Package memory defines the two-layer memory architecture behind the
// Claudmaster engine's retrieval features.
//
//   - L1 – Session Store ([SessionStore]): hot, time-ordered log of turn
//     transcripts. Allows fast writes and recency-window retrieval during an
//     active session.
//   - L2 – Semantic Index ([SemanticIndex]): vector store for embedding-based
//     similarity search over pre-chunked adventure-module passages, consumed
//     by the Module Keeper agent.
//
// Both interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, Redis, in-memory, …) without depending
// on engine internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// L1 supporting types
// ─────────────────────────────────────────────────────────────────────────────

// SearchOpts configures a keyword / full-text search over session entries (L1).
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// After filters entries recorded after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// SpeakerID restricts results to a specific speaker.
	// An empty string matches all speakers.
	SpeakerID string

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// ─────────────────────────────────────────────────────────────────────────────
// L2 supporting types
// ─────────────────────────────────────────────────────────────────────────────

// Chunk is a pre-chunked module passage prepared for semantic indexing (L2).
// A Chunk carries its pre-computed embedding so the index does not need to
// re-embed on insertion.
type Chunk struct {
	// ID is the unique identifier for this chunk (e.g., a UUID).
	ID string

	// SessionID scopes the chunk to one loaded module or campaign.
	SessionID string

	// Content is the raw text of the chunk (a paragraph or boxed-text block
	// from the module).
	Content string

	// Embedding is the vector representation of Content.
	// Dimension must match the index configuration (e.g., 1536 for OpenAI
	// text-embedding-3-small).
	Embedding []float32

	// SpeakerID identifies who produced this chunk, for transcript-derived
	// chunks. Empty for module passages.
	SpeakerID string

	// EntityID is the location or entity this passage describes, used to
	// derive discovery deltas when the passage is surfaced.
	EntityID string

	// Topic is an optional coarse label for the passage ("hidden-door",
	// "quest", "lore").
	Topic string

	// Timestamp is when this chunk was recorded or indexed.
	Timestamp time.Time
}

// ChunkFilter narrows a semantic search to a subset of indexed chunks (L2).
// All non-zero fields are applied as AND conditions.
type ChunkFilter struct {
	// SessionID restricts results to a single module or campaign.
	SessionID string

	// SpeakerID restricts results to chunks produced by a specific speaker.
	SpeakerID string

	// EntityID restricts results to chunks associated with a specific entity.
	EntityID string

	// After filters chunks recorded after this instant (exclusive).
	After time.Time

	// Before filters chunks recorded before this instant (exclusive).
	Before time.Time
}

// ChunkResult pairs a retrieved chunk with its vector-space distance from the
// query embedding (L2). Lower Distance values indicate higher semantic similarity.
type ChunkResult struct {
	// Chunk is the retrieved segment.
	Chunk Chunk

	// Distance is the vector-space distance to the query embedding
	// (e.g., cosine distance or L2 — interpretation is implementation-defined).
	Distance float64
}

// ─────────────────────────────────────────────────────────────────────────────
// L1 – Session Store interface
// ─────────────────────────────────────────────────────────────────────────────

// SessionStore is the L1 memory layer: a time-ordered, append-only log of
// [TranscriptEntry] records for one or more game sessions.
//
// Entries must be returned in chronological order unless otherwise specified.
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// WriteEntry appends a TranscriptEntry to the store for the given session.
	// sessionID must be non-empty.
	// Returns an error only on persistent storage failure.
	WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// GetRecent returns all entries for the given session whose Timestamp is
	// no earlier than time.Now()-duration.
	// Returns an empty (non-nil) slice when no matching entries exist.
	GetRecent(ctx context.Context, sessionID string, duration time.Duration) ([]TranscriptEntry, error)

	// Search performs keyword / full-text search over stored entries.
	// The query string is matched against the Text field.
	// opts refines the result set by time range, speaker, or session scope.
	// Returns an empty (non-nil) slice when no entries match.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// L2 – Semantic Index interface
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is the L2 memory layer: a vector store for embedding-based
// similarity search over chunked module content.
//
// Callers are responsible for producing embeddings before calling IndexChunk or
// Search. Implementations must be safe for concurrent use.
type SemanticIndex interface {
	// IndexChunk stores a pre-embedded [Chunk] in the vector index.
	// If a chunk with the same ID already exists it must be replaced (upsert).
	IndexChunk(ctx context.Context, chunk Chunk) error

	// Search finds the topK chunks whose embeddings are closest to the query
	// embedding, filtered by filter.
	// Results are ordered by ascending Distance (most similar first).
	// Returns an empty (non-nil) slice when no chunks match.
	Search(ctx context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkResult, error)
}
