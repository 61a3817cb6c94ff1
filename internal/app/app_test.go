package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/claudmaster/internal/app"
	"github.com/MrWong99/claudmaster/internal/config"
	"github.com/MrWong99/claudmaster/internal/party"
	"github.com/MrWong99/claudmaster/internal/perm"
	llmprov "github.com/MrWong99/claudmaster/pkg/provider/llm"
	llmmock "github.com/MrWong99/claudmaster/pkg/provider/llm/mock"
	ttsprov "github.com/MrWong99/claudmaster/pkg/provider/tts"
	ttsmock "github.com/MrWong99/claudmaster/pkg/provider/tts/mock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			AdminToken: "secret",
		},
		Storage:  config.StorageConfig{Root: t.TempDir()},
		Prefetch: config.PrefetchConfig{Mode: config.PrefetchOff},
		TTS: config.TTSConfig{
			Tiers: config.TierConfig{Quality: "local", Fallback: "local"},
		},
	}
}

func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{
			CompleteResponse: &llmprov.CompletionResponse{Content: "The blade bites deep."},
		},
		TTS: map[string]ttsprov.Provider{"local": &ttsmock.Provider{}},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, providers *app.Providers) *app.App {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	a, err := app.New(context.Background(), cfg, providers, app.WithMeterProvider(mp))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		_ = mp.Shutdown(context.Background())
	})
	return a
}

func adminPost(t *testing.T, h http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(t), &app.Providers{}); err == nil {
		t.Fatal("New() without an LLM provider should fail")
	}
}

func TestNew_RegistersBuiltinTools(t *testing.T) {
	a := newTestApp(t, testConfig(t), testProviders())

	defs := a.Tools().Definitions()
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"roll_dice", "search_rules", "get_spell_info", "get_character", "update_character"} {
		if !names[want] {
			t.Errorf("tool %q not registered", want)
		}
	}
}

func TestAdmin_RejectsBadToken(t *testing.T) {
	a := newTestApp(t, testConfig(t), testProviders())

	rec := adminPost(t, a.Handler(), "/session/start", "wrong", startBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func startBody() map[string]any {
	return map[string]any{
		"campaign_id": "",
		"participants": []party.Participant{
			{ID: "dm-1", Role: perm.RoleDM, Token: "dm-token"},
			{ID: "p1", Role: perm.RolePlayer, CharacterID: "durgan", Token: "p1-token"},
		},
	}
}

func TestSessionLifecycle_OverHTTP(t *testing.T) {
	a := newTestApp(t, testConfig(t), testProviders())
	h := a.Handler()

	rec := adminPost(t, h, "/session/start", "secret", startBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}
	var started struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if started.SessionID == "" {
		t.Fatal("start returned empty session id")
	}

	// A queued action drains through the pump and bumps the turn counter.
	actReq := httptest.NewRequest(http.MethodPost, "/action",
		bytes.NewReader([]byte(`{"action": "I attack the goblin"}`)))
	actReq.Header.Set("Authorization", "Bearer p1-token")
	actRec := httptest.NewRecorder()
	h.ServeHTTP(actRec, actReq)
	if actRec.Code != http.StatusAccepted {
		t.Fatalf("action status = %d, body %s", actRec.Code, actRec.Body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sess, err := a.Orchestrator().Session(started.SessionID)
		if err != nil {
			t.Fatalf("Session() error = %v", err)
		}
		if sess.TurnCounter >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("turn was never processed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec = adminPost(t, h, "/session/end", "secret", map[string]any{
		"session_id": started.SessionID,
		"mode":       "end",
		"summary":    "short skirmish",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("end status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestSessionEnd_RejectsUnknownMode(t *testing.T) {
	a := newTestApp(t, testConfig(t), testProviders())

	rec := adminPost(t, a.Handler(), "/session/end", "secret", map[string]any{
		"session_id": "sess-x",
		"mode":       "abort",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHealthEndpoints(t *testing.T) {
	a := newTestApp(t, testConfig(t), testProviders())
	h := a.Handler()

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}
