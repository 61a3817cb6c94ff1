package tts

import (
	"testing"

	tp "github.com/MrWong99/claudmaster/pkg/provider/tts"
)

func TestRegistry_Cascade(t *testing.T) {
	reg := NewRegistry(tp.VoiceProfile{ID: "dm-default"})
	reg.SetSpeaker("Durgan Ironfoot", tp.VoiceProfile{ID: "durgan"})
	reg.SetArchetype("gruff_dwarf", tp.VoiceProfile{ID: "gruff"})
	reg.SetGender("female", tp.VoiceProfile{ID: "fem"})
	reg.SetRace("elf", tp.VoiceProfile{ID: "elf"})

	tests := []struct {
		name    string
		speaker Speaker
		want    string
	}{
		{
			name:    "exact speaker wins over everything",
			speaker: Speaker{Name: "Durgan Ironfoot", Archetype: "gruff_dwarf", Gender: "female", Race: "elf"},
			want:    "durgan",
		},
		{
			name:    "archetype when no speaker override",
			speaker: Speaker{Name: "Brok", Archetype: "gruff_dwarf", Gender: "female"},
			want:    "gruff",
		},
		{
			name:    "gender wildcard",
			speaker: Speaker{Name: "Mira", Gender: "female", Race: "elf"},
			want:    "fem",
		},
		{
			name:    "race wildcard",
			speaker: Speaker{Name: "Thalion", Race: "elf"},
			want:    "elf",
		},
		{
			name:    "dm default",
			speaker: Speaker{Name: "Unknown Stranger"},
			want:    "dm-default",
		},
		{
			name:    "zero speaker",
			speaker: Speaker{},
			want:    "dm-default",
		},
		{
			name:    "lookup is case insensitive",
			speaker: Speaker{Name: "DURGAN IRONFOOT"},
			want:    "durgan",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reg.Resolve(tt.speaker); got.ID != tt.want {
				t.Errorf("Resolve() = %q, want %q", got.ID, tt.want)
			}
		})
	}
}
