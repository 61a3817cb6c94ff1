// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Coqui instance) and synthesizes one utterance per call. Narration text is
// short by construction (one turn's output), so synthesis is a single request
// rather than a streaming session; chunking for delivery happens downstream.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., multiple NPC voices at once).
type Provider interface {
	// Synthesize renders text as audio using the given voice. Providers should
	// return an error if the requested voice is not available. The returned
	// audio is complete; partial results are never returned alongside an error.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Audio, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
