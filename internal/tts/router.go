// Package tts routes turn narration through tiered speech engines. Combat
// callouts go to a fast engine, dialogue and scene narration to a quality
// engine, and any engine failure cascades to the next tier. When every tier
// fails the caller delivers the text-only response unchanged; audio is an
// enhancement, never a dependency.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/claudmaster/internal/observe"
	"github.com/MrWong99/claudmaster/pkg/provider/tts"
)

// ErrAllEnginesFailed is returned when every bound tier fails to synthesize.
// The narration text has already been delivered; audio is skipped.
var ErrAllEnginesFailed = errors.New("tts: all engines failed")

// ErrNoEngines is returned by Narrate when no tier has an engine bound.
var ErrNoEngines = errors.New("tts: no engines bound")

// Tier identifies one of the three engine slots.
type Tier string

const (
	// TierSpeed is the low-latency engine used for combat callouts.
	TierSpeed Tier = "speed"

	// TierQuality is the expressive engine used for dialogue and narration.
	TierQuality Tier = "quality"

	// TierFallback is the last-resort engine, typically a local model.
	TierFallback Tier = "fallback"
)

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierSpeed, TierQuality, TierFallback:
		return true
	}
	return false
}

// tierOrder is the canonical cascade order.
var tierOrder = []Tier{TierSpeed, TierQuality, TierFallback}

// Kind classifies a narration request for tier selection.
type Kind string

const (
	KindCombat    Kind = "combat"
	KindDialogue  Kind = "dialogue"
	KindNarration Kind = "narration"
)

// Request is one narration to synthesize.
type Request struct {
	// Text is the narration to speak.
	Text string

	// Kind selects the starting tier. Unknown kinds narrate at quality.
	Kind Kind

	// Speaker resolves the voice through the campaign registry. The zero
	// value resolves to the DM default voice.
	Speaker Speaker
}

// engineEntry is one bound engine.
type engineEntry struct {
	name     string
	provider tts.Provider
}

// Option configures a [Router].
type Option func(*Router)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithMetrics installs the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router selects a speech engine per narration and cascades across tiers on
// failure. Bind engines at setup time; Narrate is safe for concurrent use
// afterwards.
type Router struct {
	log     *slog.Logger
	metrics *observe.Metrics
	voices  *Registry
	engines map[Tier]engineEntry
}

// NewRouter creates a router resolving voices through the given registry.
func NewRouter(voices *Registry, opts ...Option) *Router {
	r := &Router{
		log:     slog.Default(),
		voices:  voices,
		engines: make(map[Tier]engineEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind attaches an engine to a tier. A tier left unbound is skipped during
// the cascade.
func (r *Router) Bind(tier Tier, name string, provider tts.Provider) error {
	if !tier.IsValid() {
		return fmt.Errorf("tts: unknown tier %q", tier)
	}
	if provider == nil {
		return fmt.Errorf("tts: nil provider for tier %q", tier)
	}
	r.engines[tier] = engineEntry{name: name, provider: provider}
	return nil
}

// tierFor computes the starting tier for a request kind.
func tierFor(kind Kind) Tier {
	if kind == KindCombat {
		return TierSpeed
	}
	return TierQuality
}

// cascade returns the tier try-order starting from first, then the remaining
// tiers in canonical order.
func cascade(first Tier) []Tier {
	out := []Tier{first}
	for _, t := range tierOrder {
		if t != first {
			out = append(out, t)
		}
	}
	return out
}

// Narrate synthesizes one narration. The starting tier follows the request
// kind; each engine failure cascades to the next bound tier. When every bound
// engine fails, Narrate returns [ErrAllEnginesFailed] wrapping the last error
// and the caller falls back to text-only delivery.
func (r *Router) Narrate(ctx context.Context, req Request) (*tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("tts: empty narration text")
	}
	if len(r.engines) == 0 {
		return nil, ErrNoEngines
	}

	voice := r.voices.Resolve(req.Speaker)
	start := tierFor(req.Kind)

	var (
		lastErr  error
		lastTier Tier
		tried    int
	)
	for _, tier := range cascade(start) {
		entry, ok := r.engines[tier]
		if !ok {
			continue
		}
		if tried > 0 {
			if r.metrics != nil {
				r.metrics.RecordCascade(ctx, string(lastTier), string(tier))
			}
			r.log.Warn("tts engine failed, cascading",
				"from", lastTier, "to", tier, "error", lastErr)
		}
		tried++
		audio, err := entry.provider.Synthesize(ctx, req.Text, voice)
		if err == nil {
			return audio, nil
		}
		lastErr = err
		lastTier = tier
	}

	r.log.Error("all tts engines failed, delivering text only",
		"kind", req.Kind, "error", lastErr)
	return nil, fmt.Errorf("%w: %v", ErrAllEnginesFailed, lastErr)
}
