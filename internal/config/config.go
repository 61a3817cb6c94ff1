// Package config provides the configuration schema, loader, and provider
// registry for the Claudmaster engine.
package config

import (
	"os"

	"github.com/MrWong99/claudmaster/internal/tools"
)

// EnvStorageDir overrides the campaign storage root when set.
const EnvStorageDir = "DM20_STORAGE_DIR"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// PrefetchMode controls how eagerly narration variants are primed.
type PrefetchMode string

const (
	PrefetchOff          PrefetchMode = "off"
	PrefetchConservative PrefetchMode = "conservative"
	PrefetchAggressive   PrefetchMode = "aggressive"
)

// IsValid reports whether m is a recognised prefetch mode.
func (m PrefetchMode) IsValid() bool {
	switch m {
	case PrefetchOff, PrefetchConservative, PrefetchAggressive:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Party        PartyConfig        `yaml:"party"`
	TTS          TTSConfig          `yaml:"tts"`
	Prefetch     PrefetchConfig     `yaml:"prefetch"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Memory       MemoryConfig       `yaml:"memory"`
	MCP          MCPConfig          `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the party server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminToken guards the session lifecycle endpoints. Empty disables
	// the check for local single-host setups.
	AdminToken string `yaml:"admin_token"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig locates the campaign data on disk.
type StorageConfig struct {
	// Root is the campaign root directory. The DM20_STORAGE_DIR environment
	// variable takes precedence; when both are empty the current working
	// directory is used.
	Root string `yaml:"root"`
}

// Dir resolves the effective campaign root: environment override first,
// then the configured root, then the current working directory.
func (s StorageConfig) Dir() string {
	if dir := os.Getenv(EnvStorageDir); dir != "" {
		return dir
	}
	if s.Root != "" {
		return s.Root
	}
	return "."
}

// OrchestratorConfig tunes the turn pipeline.
type OrchestratorConfig struct {
	// SingleActive enforces one active session per campaign. Defaults to
	// true when unset.
	SingleActive *bool `yaml:"single_active"`

	// TurnBudgetMs caps one turn end to end; exceeding it forces degraded
	// aggregation of whatever agent results have arrived. 0 keeps the
	// engine default.
	TurnBudgetMs int `yaml:"turn_budget_ms"`

	// AutoSaveEveryN snapshots after every N completed turns. 0 keeps the
	// engine default.
	AutoSaveEveryN int `yaml:"auto_save_every_n"`

	// AutoSaveMaxAgeSec snapshots when the last snapshot is older than
	// this many seconds, regardless of turn count.
	AutoSaveMaxAgeSec int `yaml:"auto_save_max_age_sec"`
}

// SingleActiveEnforced resolves the single-active flag with its default.
func (o OrchestratorConfig) SingleActiveEnforced() bool {
	if o.SingleActive == nil {
		return true
	}
	return *o.SingleActive
}

// ClassifierConfig overrides the intent classifier's scoring weights.
// Zero values keep the classifier defaults.
type ClassifierConfig struct {
	PhraseWeight int `yaml:"phrase_weight"`
	WordWeight   int `yaml:"word_weight"`
	StemWeight   int `yaml:"stem_weight"`

	// ScoreGap is the minimum lead the top intent needs over the runner-up
	// before the classification counts as unambiguous.
	ScoreGap int `yaml:"score_gap"`
}

// PartyConfig tunes the party server transport.
type PartyConfig struct {
	// HeartbeatSec is the WebSocket ping interval. 0 keeps the default.
	HeartbeatSec int `yaml:"heartbeat_sec"`

	// SendBuffer is the per-participant outbound frame buffer. 0 keeps
	// the default.
	SendBuffer int `yaml:"send_buffer"`
}

// TTSConfig configures the narration voice pipeline.
type TTSConfig struct {
	// Tiers bind each routing tier to an engine id from providers.tts.
	// An unbound tier is skipped during the cascade.
	Tiers TierConfig `yaml:"tiers"`

	// ChunkBytes is the audio chunk size for WebSocket delivery. 0 keeps
	// the default.
	ChunkBytes int `yaml:"chunk_bytes"`

	// DMVoice is the narrator's default voice.
	DMVoice VoiceConfig `yaml:"dm_voice"`

	// Voices assigns voices to speakers, archetypes, genders, and races.
	Voices []VoiceConfig `yaml:"voices"`
}

// TierConfig names the engine id bound to each tier.
type TierConfig struct {
	Speed    string `yaml:"speed"`
	Quality  string `yaml:"quality"`
	Fallback string `yaml:"fallback"`
}

// VoiceConfig specifies one voice assignment. Exactly one of Speaker,
// Archetype, Gender, or Race selects the match key; the DM default leaves
// all four empty.
type VoiceConfig struct {
	// Speaker matches an exact speaker name.
	Speaker string `yaml:"speaker,omitempty"`

	// Archetype matches a speaker archetype (e.g. "gruff_dwarf").
	Archetype string `yaml:"archetype,omitempty"`

	// Gender matches any speaker of the given gender.
	Gender string `yaml:"gender,omitempty"`

	// Race matches any speaker of the given race.
	Race string `yaml:"race,omitempty"`

	// Provider is the TTS engine id the voice belongs to.
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// PitchShift adjusts pitch in the range [-10, +10]. 0 means default.
	PitchShift float64 `yaml:"pitch_shift"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// PrefetchConfig tunes speculative narration generation.
type PrefetchConfig struct {
	// Mode selects off, conservative, or aggressive priming. Empty keeps
	// the engine default (conservative).
	Mode PrefetchMode `yaml:"mode"`

	// TTLSec is the primed variant lifetime. 0 keeps the default.
	TTLSec int `yaml:"ttl_sec"`
}

// ProvidersConfig declares which provider implementation to use for each
// capability. Each entry selects a named factory registered in the [Registry].
type ProvidersConfig struct {
	// LLM is the narrator/arbiter model.
	LLM ProviderEntry `yaml:"llm"`

	// Prefetch optionally names a cheaper model for speculative variants.
	// Empty reuses LLM.
	Prefetch ProviderEntry `yaml:"prefetch"`

	// Embeddings feeds the semantic index.
	Embeddings ProviderEntry `yaml:"embeddings"`

	// TTS maps engine ids (referenced by tts.tiers) to engine configs.
	TTS map[string]ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g. "openai",
	// "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g. "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// MemoryConfig holds settings for the semantic retrieval layer.
type MemoryConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the pgvector
	// memory store. Empty disables the Module Keeper's semantic index.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension used for the embeddings
	// column. Must match the model configured in Providers.Embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// MCPConfig holds the list of external MCP tool servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport tools.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is
	// "streamable-http". Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the
	// subprocess when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`

	// Operation is the permission operation assigned to the server's
	// tools. Empty defaults to the read-only rules cell.
	Operation string `yaml:"operation"`
}

// ServerConfig converts the entry to the bridge's registration form.
func (m MCPServerConfig) ServerConfig() tools.ServerConfig {
	return tools.ServerConfig{
		Name:      m.Name,
		Transport: m.Transport,
		Command:   m.Command,
		URL:       m.URL,
		Env:       m.Env,
		Operation: m.Operation,
	}
}
