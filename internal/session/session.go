// Package session owns the lifecycle and persistence of play sessions:
// the status state machine, snapshot cadence, and crash recovery with
// rollback to the previous good snapshot.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/claudmaster/internal/intent"
)

var (
	// ErrNotFound is returned when a session id has no persisted state.
	ErrNotFound = errors.New("session: not found")

	// ErrEnded is returned when a turn is applied to an ended session.
	ErrEnded = errors.New("session: ended, no further actions accepted")

	// ErrNotActive is returned when a turn is applied to a paused session.
	ErrNotActive = errors.New("session: not active")

	// ErrDegraded is returned while a session refuses actions after a
	// persistence failure, until a recovery attempt succeeds.
	ErrDegraded = errors.New("session: degraded, manual recovery required")
)

// PersistenceError wraps a storage failure that aborted a turn. The session
// marks itself degraded when one occurs.
type PersistenceError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session %s: persist (%s): %v", e.SessionID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecoveryWarning reports a rollback performed while loading a session. It
// is non-fatal and is surfaced on the next response.
type RecoveryWarning struct {
	// SessionID is the recovered session.
	SessionID string `json:"session_id"`

	// Mismatched lists the files whose content hash did not match the
	// snapshot manifest.
	Mismatched []string `json:"mismatched"`

	// RolledBackTo is the snapshot version restored.
	RolledBackTo int `json:"rolled_back_to"`
}

// Message renders the warning for delivery to the caller.
func (w *RecoveryWarning) Message() string {
	return fmt.Sprintf("session recovered from a partial save; rolled back to snapshot %d (%d file(s) affected)",
		w.RolledBackTo, len(w.Mismatched))
}

// Status is the session state machine position.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusEnded:
		return true
	}
	return false
}

// InteractionMode selects how much the engine drives the conversation.
type InteractionMode string

const (
	ModeClassic   InteractionMode = "classic"
	ModeNarrated  InteractionMode = "narrated"
	ModeImmersive InteractionMode = "immersive"
)

// IsValid reports whether m is a recognised interaction mode.
func (m InteractionMode) IsValid() bool {
	switch m {
	case ModeClassic, ModeNarrated, ModeImmersive:
		return true
	}
	return false
}

// Config is the per-session tuning fixed at start.
type Config struct {
	FudgeRolls         bool            `json:"fudge_rolls"`
	Difficulty         string          `json:"difficulty,omitempty"`
	NarrativeStyle     string          `json:"narrative_style,omitempty"`
	ImprovisationLevel int             `json:"improvisation_level"`
	InteractionMode    InteractionMode `json:"interaction_mode,omitempty"`
}

// ActionStatus tracks an action record through its lifecycle. It only ever
// advances: queued, processing, then resolved or rejected.
type ActionStatus string

const (
	ActionQueued     ActionStatus = "queued"
	ActionProcessing ActionStatus = "processing"
	ActionResolved   ActionStatus = "resolved"
	ActionRejected   ActionStatus = "rejected"
)

// ActionRecord is one processed (or rejected) player action in the history.
type ActionRecord struct {
	ID          string        `json:"id"`
	ActorID     string        `json:"actor_id,omitempty"`
	Text        string        `json:"text"`
	Source      string        `json:"source,omitempty"`
	Intent      intent.Intent `json:"intent"`
	Status      ActionStatus  `json:"status"`
	Narrative   string        `json:"narrative,omitempty"`
	Degraded    bool          `json:"degraded,omitempty"`
	Turn        int           `json:"turn"`
	SubmittedAt time.Time     `json:"submitted_at"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
}

// Session is the engine's record of one play session.
type Session struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`

	// Number is the campaign-relative ordinal, used for the
	// sessions/session-NNN.json summary snapshot.
	Number int `json:"number"`

	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	LastActionAt time.Time `json:"last_action_at,omitempty"`
	TurnCounter  int       `json:"turn_counter"`

	// ActiveAgents is the agent set registered for this session.
	ActiveAgents []string `json:"active_agents,omitempty"`

	// Participants lists the joined participant ids.
	Participants []string `json:"participants,omitempty"`

	Config Config `json:"config"`

	// Degraded is set after a persistence failure; the session refuses
	// further actions until Recover succeeds.
	Degraded bool `json:"degraded,omitempty"`

	// FinalNotes is the end-of-session summary, set on end.
	FinalNotes string `json:"final_notes,omitempty"`

	// ActionHistory is persisted in its own file, not in session_meta.json.
	ActionHistory []ActionRecord `json:"-"`
}

// AcceptsActions reports whether the session may take another turn, with
// the specific sentinel error when it may not.
func (s *Session) AcceptsActions() error {
	switch {
	case s.Status == StatusEnded:
		return ErrEnded
	case s.Status != StatusActive:
		return ErrNotActive
	case s.Degraded:
		return ErrDegraded
	}
	return nil
}
