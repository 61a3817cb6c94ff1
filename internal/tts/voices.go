package tts

import (
	"strings"
	"sync"

	"github.com/MrWong99/claudmaster/pkg/provider/tts"
)

// Speaker describes who is talking, for voice resolution.
type Speaker struct {
	// Name is the exact speaker name (NPC or character name).
	Name string

	// Archetype is a campaign voice archetype like "gruff_dwarf" or
	// "noble_elf".
	Archetype string

	// Gender and Race feed the wildcard fallbacks.
	Gender string
	Race   string
}

// Registry maps speakers to voice profiles through a fixed cascade:
// exact speaker override, exact archetype, gender wildcard, race wildcard,
// DM default. Lookups are case-insensitive. Safe for concurrent use after
// setup.
type Registry struct {
	mu         sync.RWMutex
	speakers   map[string]tts.VoiceProfile
	archetypes map[string]tts.VoiceProfile
	genders    map[string]tts.VoiceProfile
	races      map[string]tts.VoiceProfile
	dmDefault  tts.VoiceProfile
}

// NewRegistry creates a registry with the given DM default voice.
func NewRegistry(dmDefault tts.VoiceProfile) *Registry {
	return &Registry{
		speakers:   make(map[string]tts.VoiceProfile),
		archetypes: make(map[string]tts.VoiceProfile),
		genders:    make(map[string]tts.VoiceProfile),
		races:      make(map[string]tts.VoiceProfile),
		dmDefault:  dmDefault,
	}
}

// SetSpeaker installs an exact speaker override.
func (r *Registry) SetSpeaker(name string, voice tts.VoiceProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speakers[key(name)] = voice
}

// SetArchetype installs an archetype voice.
func (r *Registry) SetArchetype(archetype string, voice tts.VoiceProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archetypes[key(archetype)] = voice
}

// SetGender installs a gender wildcard voice.
func (r *Registry) SetGender(gender string, voice tts.VoiceProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.genders[key(gender)] = voice
}

// SetRace installs a race wildcard voice.
func (r *Registry) SetRace(race string, voice tts.VoiceProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.races[key(race)] = voice
}

// Resolve returns the voice for a speaker, walking the cascade and falling
// back to the DM default.
func (r *Registry) Resolve(sp Speaker) tts.VoiceProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.speakers[key(sp.Name)]; ok && sp.Name != "" {
		return v
	}
	if v, ok := r.archetypes[key(sp.Archetype)]; ok && sp.Archetype != "" {
		return v
	}
	if v, ok := r.genders[key(sp.Gender)]; ok && sp.Gender != "" {
		return v
	}
	if v, ok := r.races[key(sp.Race)]; ok && sp.Race != "" {
		return v
	}
	return r.dmDefault
}

func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
