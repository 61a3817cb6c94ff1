// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to consumers and to verify the text
// and VoiceProfile passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeResult: &tts.Audio{Format: tts.FormatPCM16, SampleRate: 16000, Data: pcm},
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	audio, _ := p.Synthesize(ctx, "text", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/claudmaster/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeResult is returned by Synthesize. When nil and SynthesizeErr
	// is nil, a small non-empty PCM result is returned.
	SynthesizeResult *tts.Audio

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeDelay makes Synthesize block before returning, honoring
	// context cancellation. Used to exercise timeout paths.
	SynthesizeDelay time.Duration

	// FailFirst fails this many Synthesize calls with SynthesizeErr before
	// succeeding. SynthesizeErr must be set when FailFirst > 0.
	FailFirst int

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall
}

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	calls := len(p.SynthesizeCalls)
	result := p.SynthesizeResult
	err := p.SynthesizeErr
	delay := p.SynthesizeDelay
	failFirst := p.FailFirst
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failFirst > 0 && calls <= failFirst {
		return nil, err
	}
	if failFirst == 0 && err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return &tts.Audio{Format: tts.FormatPCM16, SampleRate: 16000, Data: []byte{0, 0}}, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// CallCount returns the number of Synthesize calls so far. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
