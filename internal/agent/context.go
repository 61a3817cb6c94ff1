package agent

import (
	"strings"
	"sync"

	"github.com/MrWong99/claudmaster/internal/campaign"
	"github.com/MrWong99/claudmaster/internal/world/fact"
	"github.com/MrWong99/claudmaster/internal/world/knowledge"
	"github.com/MrWong99/claudmaster/internal/world/timeline"
)

// Hints carries per-turn guidance for voice agents: how discovered the
// current location is and which narrative register to use.
type Hints struct {
	// DiscoveryTier is 0 (nothing discovered) through 2 (fully explored)
	// for the current location.
	DiscoveryTier int

	// Style is the session's narrative style ("gritty", "heroic", ...).
	Style string

	// ImprovisationLevel is the session setting in 0..4.
	ImprovisationLevel int
}

// Context is the read-only world view handed to every agent invocation.
// The underlying stores are shared across agents of one session; agents
// must not retain references past the invocation.
type Context struct {
	// Facts is the session fact store. Agents read it; only the
	// orchestrator writes.
	Facts *fact.Store

	// Timeline is the session event timeline.
	Timeline *timeline.Timeline

	// Knowledge answers who-knows-what queries.
	Knowledge *knowledge.Tracker

	// Campaign reads the persisted entity records.
	Campaign campaign.StoreReader

	// Prompt is context injected by earlier pipeline stages (Module Keeper
	// output), consumed by voice agents.
	Prompt []string

	// Hints guides narrative production.
	Hints Hints

	// Sink buffers streamed partial output until turn aggregation.
	Sink *Sink
}

// WithPrompt returns a copy of the context with extra prompt fragments
// appended. The shared stores are not copied.
func (c *Context) WithPrompt(fragments ...string) *Context {
	out := *c
	out.Prompt = append(append([]string(nil), c.Prompt...), fragments...)
	return &out
}

// Sink collects partial text an agent streams during an invocation. The
// runtime drains it at aggregation; nothing is delivered to participants
// before the whole turn resolves.
type Sink struct {
	mu    sync.Mutex
	parts []string
}

// NewSink returns an empty sink.
func NewSink() *Sink { return &Sink{} }

// Push appends one fragment. Empty fragments are dropped.
func (s *Sink) Push(fragment string) {
	if fragment == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts = append(s.parts, fragment)
}

// Len returns the number of buffered fragments.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parts)
}

// Drain joins and clears the buffered fragments.
func (s *Sink) Drain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := strings.Join(s.parts, "")
	s.parts = nil
	return text
}
