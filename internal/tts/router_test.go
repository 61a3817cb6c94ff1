package tts

import (
	"context"
	"errors"
	"testing"

	tp "github.com/MrWong99/claudmaster/pkg/provider/tts"
	ttsmock "github.com/MrWong99/claudmaster/pkg/provider/tts/mock"
)

func testRegistry() *Registry {
	return NewRegistry(tp.VoiceProfile{ID: "dm-voice", Name: "Narrator"})
}

func TestTierFor(t *testing.T) {
	if got := tierFor(KindCombat); got != TierSpeed {
		t.Errorf("tierFor(combat) = %q, want speed", got)
	}
	if got := tierFor(KindDialogue); got != TierQuality {
		t.Errorf("tierFor(dialogue) = %q, want quality", got)
	}
	if got := tierFor(KindNarration); got != TierQuality {
		t.Errorf("tierFor(narration) = %q, want quality", got)
	}
	if got := tierFor(Kind("")); got != TierQuality {
		t.Errorf("tierFor(unknown) = %q, want quality", got)
	}
}

func TestBind_RejectsUnknownTier(t *testing.T) {
	r := NewRouter(testRegistry())
	if err := r.Bind(Tier("turbo"), "x", &ttsmock.Provider{}); err == nil {
		t.Error("Bind(unknown tier) error = nil")
	}
	if err := r.Bind(TierSpeed, "x", nil); err == nil {
		t.Error("Bind(nil provider) error = nil")
	}
}

func TestNarrate_CombatUsesSpeedTier(t *testing.T) {
	speed := &ttsmock.Provider{}
	quality := &ttsmock.Provider{}
	r := NewRouter(testRegistry())
	r.Bind(TierSpeed, "speed", speed)
	r.Bind(TierQuality, "quality", quality)

	_, err := r.Narrate(context.Background(), Request{Text: "The goblin strikes!", Kind: KindCombat})
	if err != nil {
		t.Fatalf("Narrate() error = %v", err)
	}
	if speed.CallCount() != 1 || quality.CallCount() != 0 {
		t.Errorf("calls: speed=%d quality=%d, want 1/0", speed.CallCount(), quality.CallCount())
	}
}

func TestNarrate_DialogueUsesQualityTier(t *testing.T) {
	speed := &ttsmock.Provider{}
	quality := &ttsmock.Provider{}
	r := NewRouter(testRegistry())
	r.Bind(TierSpeed, "speed", speed)
	r.Bind(TierQuality, "quality", quality)

	_, err := r.Narrate(context.Background(), Request{Text: "Welcome, friends.", Kind: KindDialogue})
	if err != nil {
		t.Fatalf("Narrate() error = %v", err)
	}
	if quality.CallCount() != 1 || speed.CallCount() != 0 {
		t.Errorf("calls: speed=%d quality=%d, want 0/1", speed.CallCount(), quality.CallCount())
	}
}

func TestNarrate_CascadesOnFailure(t *testing.T) {
	quality := &ttsmock.Provider{SynthesizeErr: errors.New("quota exhausted")}
	fallback := &ttsmock.Provider{
		SynthesizeResult: &tp.Audio{Format: tp.FormatPCM16, SampleRate: 22050, Data: []byte("local")},
	}
	r := NewRouter(testRegistry())
	r.Bind(TierQuality, "elevenlabs", quality)
	r.Bind(TierFallback, "coqui", fallback)

	audio, err := r.Narrate(context.Background(), Request{Text: "The door creaks open.", Kind: KindNarration})
	if err != nil {
		t.Fatalf("Narrate() error = %v", err)
	}
	if string(audio.Data) != "local" {
		t.Errorf("audio = %q", audio.Data)
	}
	if quality.CallCount() != 1 || fallback.CallCount() != 1 {
		t.Errorf("calls: quality=%d fallback=%d", quality.CallCount(), fallback.CallCount())
	}
}

func TestNarrate_SkipsUnboundTiers(t *testing.T) {
	fallback := &ttsmock.Provider{}
	r := NewRouter(testRegistry())
	r.Bind(TierFallback, "coqui", fallback)

	// Combat starts at speed; with only fallback bound, it lands there
	// without error.
	if _, err := r.Narrate(context.Background(), Request{Text: "Roll initiative!", Kind: KindCombat}); err != nil {
		t.Fatalf("Narrate() error = %v", err)
	}
	if fallback.CallCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.CallCount())
	}
}

func TestNarrate_AllEnginesFail(t *testing.T) {
	down := errors.New("engine down")
	r := NewRouter(testRegistry())
	r.Bind(TierSpeed, "a", &ttsmock.Provider{SynthesizeErr: down})
	r.Bind(TierQuality, "b", &ttsmock.Provider{SynthesizeErr: down})
	r.Bind(TierFallback, "c", &ttsmock.Provider{SynthesizeErr: down})

	_, err := r.Narrate(context.Background(), Request{Text: "hello", Kind: KindDialogue})
	if !errors.Is(err, ErrAllEnginesFailed) {
		t.Fatalf("Narrate() error = %v, want ErrAllEnginesFailed", err)
	}
}

func TestNarrate_NoEngines(t *testing.T) {
	r := NewRouter(testRegistry())
	if _, err := r.Narrate(context.Background(), Request{Text: "hi"}); !errors.Is(err, ErrNoEngines) {
		t.Errorf("Narrate() error = %v, want ErrNoEngines", err)
	}
	rb := NewRouter(testRegistry())
	rb.Bind(TierSpeed, "a", &ttsmock.Provider{})
	if _, err := rb.Narrate(context.Background(), Request{Text: "  "}); err == nil {
		t.Error("Narrate(blank) error = nil")
	}
}

func TestNarrate_ResolvesSpeakerVoice(t *testing.T) {
	reg := testRegistry()
	reg.SetSpeaker("Durgan", tp.VoiceProfile{ID: "dwarf-voice"})
	engine := &ttsmock.Provider{}
	r := NewRouter(reg)
	r.Bind(TierQuality, "q", engine)

	_, err := r.Narrate(context.Background(), Request{
		Text:    "Aye, that'll cost ye.",
		Kind:    KindDialogue,
		Speaker: Speaker{Name: "Durgan"},
	})
	if err != nil {
		t.Fatalf("Narrate() error = %v", err)
	}
	if got := engine.SynthesizeCalls[0].Voice.ID; got != "dwarf-voice" {
		t.Errorf("voice = %q, want dwarf-voice", got)
	}
}
