package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/claudmaster/internal/tools"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "openai-native", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Server.AdminToken == "" {
		slog.Warn("server.admin_token is empty; session admin endpoints are unauthenticated")
	}

	// Orchestrator
	if cfg.Orchestrator.TurnBudgetMs < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.turn_budget_ms must not be negative"))
	}
	if cfg.Orchestrator.AutoSaveEveryN < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.auto_save_every_n must not be negative"))
	}
	if cfg.Orchestrator.AutoSaveMaxAgeSec < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.auto_save_max_age_sec must not be negative"))
	}

	// Classifier weights are all-or-nothing.
	cw := cfg.Classifier
	weightsSet := cw.PhraseWeight != 0 || cw.WordWeight != 0 || cw.StemWeight != 0
	if weightsSet && (cw.PhraseWeight <= 0 || cw.WordWeight <= 0 || cw.StemWeight <= 0) {
		errs = append(errs, fmt.Errorf("classifier weights must all be positive when any is set"))
	}
	if cw.ScoreGap < 0 {
		errs = append(errs, fmt.Errorf("classifier.score_gap must not be negative"))
	}

	// Prefetch
	if cfg.Prefetch.Mode != "" && !cfg.Prefetch.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("prefetch.mode %q is invalid; valid values: off, conservative, aggressive", cfg.Prefetch.Mode))
	}
	if cfg.Prefetch.TTLSec < 0 {
		errs = append(errs, fmt.Errorf("prefetch.ttl_sec must not be negative"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.Prefetch.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for id, entry := range cfg.Providers.TTS {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts[%q].name is required", id))
		}
		validateProviderName("tts", entry.Name)
	}

	// TTS tiers must reference declared engine ids.
	for tier, id := range map[string]string{
		"speed":    cfg.TTS.Tiers.Speed,
		"quality":  cfg.TTS.Tiers.Quality,
		"fallback": cfg.TTS.Tiers.Fallback,
	} {
		if id == "" {
			continue
		}
		if _, ok := cfg.Providers.TTS[id]; !ok {
			errs = append(errs, fmt.Errorf("tts.tiers.%s references unknown engine %q", tier, id))
		}
	}
	if cfg.TTS.ChunkBytes < 0 {
		errs = append(errs, fmt.Errorf("tts.chunk_bytes must not be negative"))
	}

	// Voices
	for i, v := range cfg.TTS.Voices {
		prefix := fmt.Sprintf("tts.voices[%d]", i)
		keys := 0
		for _, k := range []string{v.Speaker, v.Archetype, v.Gender, v.Race} {
			if k != "" {
				keys++
			}
		}
		if keys != 1 {
			errs = append(errs, fmt.Errorf("%s must set exactly one of speaker, archetype, gender, race", prefix))
		}
		errs = append(errs, validateVoice(prefix, v)...)
	}
	errs = append(errs, validateVoice("tts.dm_voice", cfg.TTS.DMVoice)...)

	// Embeddings and memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateVoice checks the shared pitch and speed ranges.
func validateVoice(prefix string, v VoiceConfig) []error {
	var errs []error
	if v.SpeedFactor != 0 && (v.SpeedFactor < 0.5 || v.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("%s.speed_factor %.2f is out of range [0.5, 2.0]", prefix, v.SpeedFactor))
	}
	if v.PitchShift < -10 || v.PitchShift > 10 {
		errs = append(errs, fmt.Errorf("%s.pitch_shift %.2f is out of range [-10, 10]", prefix, v.PitchShift))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
