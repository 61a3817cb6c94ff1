// Package prefetch speculatively generates short narrative variants ahead of
// combat resolutions. A cheap, deterministic scene observer decides when to
// prime; primed variants are cached with a TTL and invalidated by any state
// change touching their subjects. When the real resolution arrives, the
// matching variant serves as a draft for the narrator's refinement pass; a
// mismatch falls back to on-demand generation.
package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/observe"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
)

// Mode sets how eagerly the engine primes variants.
type Mode string

const (
	// ModeOff disables speculative generation entirely.
	ModeOff Mode = "off"

	// ModeConservative primes on combat turns only.
	ModeConservative Mode = "conservative"

	// ModeAggressive primes on combat and exploration turns.
	ModeAggressive Mode = "aggressive"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeOff, ModeConservative, ModeAggressive:
		return true
	}
	return false
}

// Scene is the observer's classification of live session state.
type Scene string

const (
	SceneCombat      Scene = "combat"
	SceneExploration Scene = "exploration"
	SceneDialogue    Scene = "dialogue"
	SceneIdle        Scene = "idle"
)

// Signals is the cheap state snapshot the observer classifies.
type Signals struct {
	// CombatActive marks an encounter in progress.
	CombatActive bool

	// LastIntent is the classified type of the most recent action.
	LastIntent intent.Type

	// SinceLastAction is the time since the last submitted action.
	SinceLastAction time.Duration
}

// idleThreshold is how long without an action counts as idle.
const idleThreshold = 2 * time.Minute

// Classify maps session signals to a scene. Combat dominates; a long quiet
// gap reads as idle; otherwise the last intent decides between exploration
// and dialogue.
func Classify(sig Signals) Scene {
	if sig.CombatActive || sig.LastIntent == intent.TypeCombat {
		return SceneCombat
	}
	if sig.SinceLastAction >= idleThreshold {
		return SceneIdle
	}
	switch sig.LastIntent {
	case intent.TypeExploration:
		return SceneExploration
	default:
		return SceneDialogue
	}
}

// Outcome tags one pre-generated variant.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeMiss     Outcome = "miss"
	OutcomeCritical Outcome = "critical"
)

// outcomes is the variant set primed per trigger.
var outcomes = []Outcome{OutcomeHit, OutcomeMiss, OutcomeCritical}

// Prompt describes the pending resolution to pre-narrate.
type Prompt struct {
	// Attacker and Target name the combatants.
	Attacker string
	Target   string

	// Weapon is optional flavor ("longsword", "firebolt").
	Weapon string

	// Style is the campaign narrative style hint.
	Style string
}

// entry is one primed variant set.
type entry struct {
	variants map[Outcome]string
	subjects []string
	expires  time.Time
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics installs the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTTL overrides the default 90s variant lifetime.
func WithTTL(d time.Duration) Option {
	return func(e *Engine) { e.ttl = d }
}

// WithMode sets the priming mode. Defaults to [ModeConservative].
func WithMode(m Mode) Option {
	return func(e *Engine) { e.mode = m }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine primes and serves speculative narration variants. Safe for
// concurrent use.
type Engine struct {
	log      *slog.Logger
	metrics  *observe.Metrics
	provider llm.Provider
	mode     Mode
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an engine generating variants through the given provider,
// typically a cheaper model than the narrator's.
func New(provider llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		log:      slog.Default(),
		provider: provider,
		mode:     ModeConservative,
		ttl:      90 * time.Second,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ShouldPrime reports whether the current scene warrants speculative
// generation under the configured mode.
func (e *Engine) ShouldPrime(scene Scene) bool {
	switch e.mode {
	case ModeConservative:
		return scene == SceneCombat
	case ModeAggressive:
		return scene == SceneCombat || scene == SceneExploration
	default:
		return false
	}
}

// Prime generates the hit/miss/critical variant set for one pending
// resolution. key identifies the resolution (e.g. "goblin-1>durgan");
// subjects are the entity ids whose state changes invalidate the set.
// Generation failures drop the affected variant only; priming is speculative
// and never fails the turn.
func (e *Engine) Prime(ctx context.Context, key string, subjects []string, p Prompt) {
	variants := make(map[Outcome]string, len(outcomes))
	for _, outcome := range outcomes {
		text, err := e.generate(ctx, outcome, p)
		if err != nil {
			e.log.Debug("prefetch variant generation failed",
				"key", key, "outcome", outcome, "error", err)
			continue
		}
		if text != "" {
			variants[outcome] = text
		}
	}
	if len(variants) == 0 {
		return
	}

	e.mu.Lock()
	e.entries[key] = &entry{
		variants: variants,
		subjects: subjects,
		expires:  e.now().Add(e.ttl),
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordPrefetch(ctx, "primed")
	}
	e.log.Debug("prefetch variants primed", "key", key, "variants", len(variants))
}

// Resolve returns the primed draft matching the actual outcome. A hit hands
// the draft to the caller for the narrator's refinement pass; a miss (never
// primed, expired, or outcome not generated) means on-demand generation.
func (e *Engine) Resolve(ctx context.Context, key string, outcome Outcome) (string, bool) {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if ok {
		delete(e.entries, key)
	}
	e.mu.Unlock()

	result := "miss"
	var draft string
	switch {
	case !ok:
	case e.now().After(ent.expires):
		result = "expired"
	default:
		if text, found := ent.variants[outcome]; found {
			draft = text
			result = "hit"
		}
	}
	if e.metrics != nil {
		e.metrics.RecordPrefetch(ctx, result)
	}
	return draft, result == "hit"
}

// Invalidate drops every primed set whose subjects include id. Called on any
// state delta touching a character or enemy.
func (e *Engine) Invalidate(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, ent := range e.entries {
		for _, s := range ent.subjects {
			if s == id {
				delete(e.entries, key)
				break
			}
		}
	}
}

// Len returns the number of live primed sets, expiring stale ones.
func (e *Engine) Len() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, ent := range e.entries {
		if now.After(ent.expires) {
			delete(e.entries, key)
		}
	}
	return len(e.entries)
}

// generate asks the provider for one short variant.
func (e *Engine) generate(ctx context.Context, outcome Outcome, p Prompt) (string, error) {
	attacker := p.Attacker
	if attacker == "" {
		attacker = "the attacker"
	}
	target := p.Target
	if target == "" {
		target = "the target"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Narrate in 1-2 sentences: %s attacks %s", attacker, target)
	if p.Weapon != "" {
		fmt.Fprintf(&sb, " with %s", p.Weapon)
	}
	fmt.Fprintf(&sb, " and the attack outcome is: %s.", outcome)

	system := "You are a tabletop RPG narrator. Keep it short and vivid. Do not mention dice or numbers."
	if p.Style != "" {
		system += " Narrative style: " + p.Style + "."
	}

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0.8,
		MaxTokens:    120,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}
