package memory

import "time"

// TranscriptEntry is one spoken or narrated exchange written to the session
// log. Player actions, DM narration, and system notices all land here, forming
// the atomic unit of session history.
type TranscriptEntry struct {
	// SpeakerID identifies who spoke (participant ID, or "dm" for narration).
	SpeakerID string

	// SpeakerName is the human-readable speaker name.
	SpeakerName string

	// Text is the transcript text as delivered to the table.
	Text string

	// IsDM indicates whether this entry is DM narration rather than a player
	// action.
	IsDM bool

	// Turn is the orchestrator turn number this entry belongs to, 0 for
	// out-of-turn chatter.
	Turn int

	// Timestamp is when this entry was recorded.
	Timestamp time.Time
}
