package tts

// FormatPCM16 identifies 16-bit little-endian mono PCM, the interchange
// format every provider normalizes to.
const FormatPCM16 = "pcm_s16le"

// Audio is one synthesized utterance.
type Audio struct {
	// Format is the sample encoding, normally [FormatPCM16].
	Format string

	// SampleRate is the number of samples per second.
	SampleRate int

	// Data holds the raw samples.
	Data []byte
}

// DurationMs returns the playback length in milliseconds, 0 when the format
// or rate is unknown.
func (a *Audio) DurationMs() int {
	if a == nil || a.Format != FormatPCM16 || a.SampleRate <= 0 {
		return 0
	}
	samples := len(a.Data) / 2
	return samples * 1000 / a.SampleRate
}

// VoiceProfile describes a TTS voice configuration for a speaker.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent,
	// etc.).
	Metadata map[string]string
}
