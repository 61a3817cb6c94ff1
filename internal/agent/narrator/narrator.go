// Package narrator implements the voice agent that turns resolved game state
// into narrative prose. It is the only agent that talks to an LLM during the
// main turn path; everything it needs to know arrives as prompt context from
// earlier pipeline stages and as party-known facts.
package narrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/world/fact"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
)

// maxRecallFacts caps how many established facts are injected per prompt.
const maxRecallFacts = 8

// Option configures a [Narrator].
type Option func(*Narrator)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(n *Narrator) { n.log = log }
}

// WithTimeout overrides the declared per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(n *Narrator) { n.timeout = d }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(nr *Narrator) { nr.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(n *Narrator) { n.temperature = t }
}

// Narrator produces the player-facing narrative for a turn.
type Narrator struct {
	provider    llm.Provider
	log         *slog.Logger
	timeout     time.Duration
	maxTokens   int
	temperature float64
}

var _ agent.Agent = (*Narrator)(nil)

// New creates a narrator over the given LLM provider.
func New(provider llm.Provider, opts ...Option) (*Narrator, error) {
	if provider == nil {
		return nil, errors.New("narrator: nil provider")
	}
	n := &Narrator{
		provider:    provider,
		log:         slog.Default(),
		timeout:     15 * time.Second,
		maxTokens:   600,
		temperature: 0.8,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Spec implements [agent.Agent].
func (n *Narrator) Spec() agent.Spec {
	return agent.Spec{
		Name:         "narrator",
		Kind:         agent.KindVoice,
		Capabilities: []string{"narrate"},
		Priority:     0,
		Timeout:      n.timeout,
		Retry:        agent.RetryNone,
	}
}

// Invoke implements [agent.Agent]. It streams the completion through the
// context sink when the provider supports streaming, so a timed-out turn can
// still salvage the partial narration.
func (n *Narrator) Invoke(ctx context.Context, req agent.Request, actx *agent.Context) (agent.Response, error) {
	creq := llm.CompletionRequest{
		SystemPrompt: n.systemPrompt(actx),
		Messages: []llm.Message{
			{Role: "user", Content: req.Text},
		},
		Temperature: n.temperature,
		MaxTokens:   n.maxTokens,
	}

	text, err := n.complete(ctx, creq, actx.Sink)
	if err != nil {
		return agent.Response{}, fmt.Errorf("narrator: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return agent.Response{}, errors.New("narrator: empty completion")
	}
	return agent.Response{
		Text:       text,
		Visibility: agent.Public(),
	}, nil
}

// complete runs the request, preferring the streaming path.
func (n *Narrator) complete(ctx context.Context, creq llm.CompletionRequest, sink *agent.Sink) (string, error) {
	if !n.provider.Capabilities().SupportsStreaming {
		resp, err := n.provider.Complete(ctx, creq)
		if err != nil {
			return "", err
		}
		if resp == nil {
			return "", errors.New("nil completion response")
		}
		return resp.Content, nil
	}

	ch, err := n.provider.StreamCompletion(ctx, creq)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			return "", fmt.Errorf("stream error: %s", chunk.Text)
		}
		b.WriteString(chunk.Text)
		if sink != nil {
			sink.Push(chunk.Text)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// systemPrompt assembles the DM persona, session style hints, retrieval
// context, and the party's established facts.
func (n *Narrator) systemPrompt(actx *agent.Context) string {
	var b strings.Builder
	b.WriteString("You are the Dungeon Master narrating a tabletop RPG session. ")
	b.WriteString("Describe outcomes vividly in second person, never decide for the players, ")
	b.WriteString("and never reveal information the party has not discovered.\n")

	if style := actx.Hints.Style; style != "" {
		fmt.Fprintf(&b, "Narrative style: %s.\n", style)
	}
	switch {
	case actx.Hints.ImprovisationLevel >= 3:
		b.WriteString("Embellish freely beyond the written module where it serves the scene.\n")
	case actx.Hints.ImprovisationLevel == 0:
		b.WriteString("Stay strictly within established facts and module content.\n")
	}
	if actx.Hints.DiscoveryTier == 0 {
		b.WriteString("The party has not explored this area; describe only first impressions and sensory hints.\n")
	}

	if len(actx.Prompt) > 0 {
		b.WriteString("\nModule context:\n")
		for _, fragment := range actx.Prompt {
			b.WriteString("- ")
			b.WriteString(fragment)
			b.WriteByte('\n')
		}
	}

	if facts := n.recallFacts(actx); len(facts) > 0 {
		b.WriteString("\nEstablished facts (do not contradict):\n")
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// recallFacts picks the most relevant party-known facts, newest last.
func (n *Narrator) recallFacts(actx *agent.Context) []fact.Fact {
	if actx.Facts == nil {
		return nil
	}
	partyKnown := true
	facts := actx.Facts.Query(fact.Query{PartyKnown: &partyKnown, MinRelevance: 5})
	if len(facts) > maxRecallFacts {
		facts = facts[len(facts)-maxRecallFacts:]
	}
	return facts
}
