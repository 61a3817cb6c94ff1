package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/claudmaster/pkg/provider/tts"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil, want error")
	}
}

func TestSynthesize(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00}
	var gotPath, gotKey string
	var gotReq synthesisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("xi-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write(pcm)
	}))
	defer srv.Close()

	p, err := New("test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	audio, err := p.Synthesize(context.Background(), "Hail, traveller.", tts.VoiceProfile{ID: "v-1"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if gotPath != "/v1/text-to-speech/v-1?output_format=pcm_16000" {
		t.Errorf("request path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotReq.Text != "Hail, traveller." || gotReq.ModelID != defaultModel {
		t.Errorf("request body = %+v", gotReq)
	}
	if audio.Format != tts.FormatPCM16 || audio.SampleRate != 16000 {
		t.Errorf("audio = %+v", audio)
	}
	if !bytes.Equal(audio.Data, pcm) {
		t.Errorf("audio data = %v", audio.Data)
	}
}

func TestSynthesize_SpeedFactorInVoiceSettings(t *testing.T) {
	var gotReq synthesisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte{0, 0})
	}))
	defer srv.Close()

	p, _ := New("test-key", WithBaseURL(srv.URL))
	_, err := p.Synthesize(context.Background(), "slow down", tts.VoiceProfile{ID: "v-1", SpeedFactor: 0.8})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if gotReq.VoiceSettings == nil || gotReq.VoiceSettings.Speed != 0.8 {
		t.Errorf("voice settings = %+v", gotReq.VoiceSettings)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad-key", WithBaseURL(srv.URL))
	ctx := context.Background()

	if _, err := p.Synthesize(ctx, "hi", tts.VoiceProfile{}); err == nil {
		t.Error("empty voice: error = nil")
	}
	if _, err := p.Synthesize(ctx, "  ", tts.VoiceProfile{ID: "v-1"}); err == nil {
		t.Error("blank text: error = nil")
	}
	if _, err := p.Synthesize(ctx, "hi", tts.VoiceProfile{ID: "v-1"}); err == nil {
		t.Error("401 response: error = nil")
	}
}

func TestSampleRateOf(t *testing.T) {
	tests := []struct {
		format  string
		want    int
		wantErr bool
	}{
		{"pcm_16000", 16000, false},
		{"pcm_24000", 24000, false},
		{"mp3_44100_128", 0, true},
		{"pcm_abc", 0, true},
	}
	for _, tt := range tests {
		got, err := sampleRateOf(tt.format)
		if (err != nil) != tt.wantErr {
			t.Errorf("sampleRateOf(%q) error = %v, wantErr %v", tt.format, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("sampleRateOf(%q) = %d, want %d", tt.format, got, tt.want)
		}
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(voicesResponse{Voices: []elevenLabsVoice{
			{VoiceID: "v-1", Name: "Aria", Category: "premade", Labels: map[string]string{"gender": "female"}},
			{VoiceID: "v-2", Name: "Brom", Labels: map[string]string{"gender": "male"}},
		}})
	}))
	defer srv.Close()

	p, _ := New("test-key", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices() error = %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("len(voices) = %d", len(voices))
	}
	if voices[0].ID != "v-1" || voices[0].Provider != "elevenlabs" {
		t.Errorf("voices[0] = %+v", voices[0])
	}
	if voices[0].Metadata["category"] != "premade" || voices[0].Metadata["gender"] != "female" {
		t.Errorf("voices[0].Metadata = %v", voices[0].Metadata)
	}
}
