package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/claudmaster/internal/config"
	"github.com/MrWong99/claudmaster/pkg/provider/llm"
	llmmock "github.com/MrWong99/claudmaster/pkg/provider/llm/mock"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
storage:
  root: /data/campaign
orchestrator:
  single_active: true
  turn_budget_ms: 12000
  auto_save_every_n: 5
classifier:
  phrase_weight: 3
  word_weight: 2
  stem_weight: 1
  score_gap: 1
party:
  heartbeat_sec: 20
  send_buffer: 64
tts:
  chunk_bytes: 32768
  tiers:
    speed: local
    quality: cloud
    fallback: local
  dm_voice:
    provider: cloud
    voice_id: narrator-1
  voices:
    - speaker: Durgan Ironfoot
      provider: cloud
      voice_id: dwarf-3
      speed_factor: 0.9
prefetch:
  mode: conservative
  ttl_sec: 90
providers:
  llm:
    name: openai
    model: gpt-4o
  tts:
    cloud:
      name: elevenlabs
      api_key: secret
    local:
      name: coqui
      base_url: http://localhost:5002
memory:
  postgres_dsn: postgres://localhost/claudmaster
mcp:
  servers:
    - name: library
      transport: streamable-http
      url: https://mcp.example.com/mcp
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if !cfg.Orchestrator.SingleActiveEnforced() {
		t.Error("single_active should be enforced")
	}
	if cfg.TTS.Tiers.Quality != "cloud" {
		t.Errorf("quality tier = %q", cfg.TTS.Tiers.Quality)
	}
	if cfg.Providers.TTS["local"].Name != "coqui" {
		t.Errorf("local engine = %+v", cfg.Providers.TTS["local"])
	}
	if len(cfg.TTS.Voices) != 1 || cfg.TTS.Voices[0].Speaker != "Durgan Ironfoot" {
		t.Errorf("voices = %+v", cfg.TTS.Voices)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("bogus_field: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_FromDisk(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Root != "/data/campaign" {
		t.Errorf("storage root = %q", cfg.Storage.Root)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	yaml := "server:\n  log_level: loud\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error = %v, want log_level mention", err)
	}
}

func TestValidate_TierReferencesUnknownEngine(t *testing.T) {
	t.Parallel()
	yaml := `
tts:
  tiers:
    quality: missing-engine
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "unknown engine") {
		t.Errorf("error = %v, want unknown engine mention", err)
	}
}

func TestValidate_VoiceNeedsExactlyOneKey(t *testing.T) {
	t.Parallel()
	yaml := `
tts:
  voices:
    - speaker: Durgan
      gender: male
      voice_id: v1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "exactly one") {
		t.Errorf("error = %v, want exactly-one mention", err)
	}
}

func TestValidate_VoiceRanges(t *testing.T) {
	t.Parallel()
	yaml := `
tts:
  dm_voice:
    voice_id: v1
    pitch_shift: 42
    speed_factor: 3.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range voice values, got nil")
	}
	if !strings.Contains(err.Error(), "pitch_shift") || !strings.Contains(err.Error(), "speed_factor") {
		t.Errorf("error = %v, want both range violations", err)
	}
}

func TestValidate_BadPrefetchMode(t *testing.T) {
	t.Parallel()
	yaml := "prefetch:\n  mode: eager\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "prefetch.mode") {
		t.Errorf("error = %v, want prefetch.mode mention", err)
	}
}

func TestValidate_MCPTransportRequirements(t *testing.T) {
	t.Parallel()
	yaml := `
mcp:
  servers:
    - name: a
      transport: stdio
    - name: b
      transport: streamable-http
    - name: c
      transport: carrier-pigeon
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for MCP server configs, got nil")
	}
	for _, want := range []string{"command is required", "url is required", "transport"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestRegistry_CreateLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("CreateLLM returned nil provider")
	}

	_, err = reg.CreateLLM(config.ProviderEntry{Name: "absent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}
