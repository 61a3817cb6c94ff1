// Package modulekeeper implements the retrieval agent over a loaded
// adventure module. It embeds the player's action, searches the module's
// semantic index, and contributes the best passages as prompt context for
// the narrator plus discovery deltas for features the retrieval surfaced.
package modulekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/world/state"
	"github.com/MrWong99/claudmaster/pkg/memory"
	"github.com/MrWong99/claudmaster/pkg/provider/embeddings"
)

// Priority for discovery deltas; below both ledger agents so retrieval never
// overrides an adjudicated field.
const Priority = 5

// defaultTopK bounds retrieval breadth per turn.
const defaultTopK = 4

// maxDistance drops passages too dissimilar to be useful context.
const maxDistance = 0.55

// Option configures a [Keeper].
type Option func(*Keeper)

// WithTopK overrides the number of retrieved passages.
func WithTopK(k int) Option {
	return func(m *Keeper) { m.topK = k }
}

// WithMaxDistance overrides the retrieval similarity cutoff.
func WithMaxDistance(d float64) Option {
	return func(m *Keeper) { m.maxDistance = d }
}

// Keeper is the Module Keeper agent.
type Keeper struct {
	index       memory.SemanticIndex
	embedder    embeddings.Provider
	moduleID    string
	topK        int
	maxDistance float64
}

var _ agent.Agent = (*Keeper)(nil)

// New creates a module keeper bound to one loaded module. moduleID scopes
// index searches so concurrent campaigns do not bleed into each other.
func New(index memory.SemanticIndex, embedder embeddings.Provider, moduleID string, opts ...Option) (*Keeper, error) {
	if index == nil {
		return nil, errors.New("modulekeeper: nil index")
	}
	if embedder == nil {
		return nil, errors.New("modulekeeper: nil embedder")
	}
	m := &Keeper{
		index:       index,
		embedder:    embedder,
		moduleID:    moduleID,
		topK:        defaultTopK,
		maxDistance: maxDistance,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Spec implements [agent.Agent].
func (m *Keeper) Spec() agent.Spec {
	return agent.Spec{
		Name:         "modulekeeper",
		Kind:         agent.KindContext,
		Capabilities: []string{"module-context", "discovery"},
		Priority:     Priority,
		Timeout:      5 * time.Second,
		Retry:        agent.RetryNonIdempotentOnly,
	}
}

// Invoke implements [agent.Agent]. An empty retrieval is not an error — the
// narrator simply runs without module context.
func (m *Keeper) Invoke(ctx context.Context, req agent.Request, actx *agent.Context) (agent.Response, error) {
	embedding, err := m.embedder.Embed(ctx, req.Text)
	if err != nil {
		return agent.Response{}, fmt.Errorf("modulekeeper: embed query: %w", err)
	}

	results, err := m.index.Search(ctx, embedding, m.topK, memory.ChunkFilter{SessionID: m.moduleID})
	if err != nil {
		return agent.Response{}, fmt.Errorf("modulekeeper: search: %w", err)
	}

	var resp agent.Response
	discovered := make(map[string][]string)
	for _, r := range results {
		if r.Distance > m.maxDistance {
			continue
		}
		resp.PromptContext = append(resp.PromptContext, r.Chunk.Content)
		if r.Chunk.EntityID != "" && r.Chunk.Topic != "" {
			discovered[r.Chunk.EntityID] = append(discovered[r.Chunk.EntityID], r.Chunk.Topic)
		}
	}
	for entityID, features := range discovered {
		resp.Deltas = append(resp.Deltas, state.Delta{
			Category: "discoveries",
			EntityID: entityID,
			Fields:   map[string]any{"features": features},
			Agent:    "modulekeeper",
			Priority: Priority,
		})
	}
	return resp, nil
}

// IndexPassage adds one pre-chunked module passage to the semantic index.
// Used at module load time; the turn path only reads.
func (m *Keeper) IndexPassage(ctx context.Context, id, content, entityID, topic string) error {
	embedding, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("modulekeeper: embed passage %q: %w", id, err)
	}
	err = m.index.IndexChunk(ctx, memory.Chunk{
		ID:        id,
		SessionID: m.moduleID,
		Content:   content,
		Embedding: embedding,
		EntityID:  entityID,
		Topic:     topic,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("modulekeeper: index passage %q: %w", id, err)
	}
	return nil
}
