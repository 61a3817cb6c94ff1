// Package party is the multiplayer delivery surface: token-authenticated
// participants submit actions over HTTP, receive filtered turn output over a
// WebSocket each, and replay missed messages from the durable response log
// after a disconnect.
package party

import (
	"errors"
	"time"

	"github.com/MrWong99/claudmaster/internal/perm"
)

var (
	// ErrUnknownToken is returned when a token matches no participant.
	ErrUnknownToken = errors.New("party: unknown token")

	// ErrUnknownParticipant is returned for operations naming no registered
	// participant.
	ErrUnknownParticipant = errors.New("party: unknown participant")

	// ErrNotAttached is returned when the server has no attached session.
	ErrNotAttached = errors.New("party: no session attached")

	// ErrNotOnTurn rejects a combat submission from a participant whose turn
	// it is not.
	ErrNotOnTurn = errors.New("party: not your turn")
)

// ObserverToken is the fixed spectator token. Observers receive public
// output only and may not submit actions.
const ObserverToken = "OBSERVER"

// Participant is one registered member of the party.
type Participant struct {
	// ID is the stable participant identifier.
	ID string `json:"id"`

	// Role determines permissions and output filtering.
	Role perm.Role `json:"role"`

	// CharacterID is the participant's character record id. A player's
	// token equals this id.
	CharacterID string `json:"character_id,omitempty"`

	// Token authenticates the participant. Stable across restarts within a
	// campaign.
	Token string `json:"token"`

	// LastHeartbeat is the time of the participant's last received message.
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// ActionStatus is a party action's terminal submission state.
type ActionStatus string

const (
	ActionQueued   ActionStatus = "queued"
	ActionRejected ActionStatus = "rejected"
)

// Action is one submitted party action, appended to the action log.
type Action struct {
	ID            string       `json:"id"`
	ParticipantID string       `json:"participant_id"`
	Text          string       `json:"text"`
	Source        string       `json:"source,omitempty"`
	Status        ActionStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	SubmittedAt   time.Time    `json:"submitted_at"`
}

// Message type discriminators on the WebSocket wire.
const (
	TypeConnected       = "connected"
	TypeNarrative       = "narrative"
	TypePrivate         = "private"
	TypeCharacterUpdate = "character_update"
	TypeCombatState     = "combat_state"
	TypeActionStatus    = "action_status"
	TypeSystem          = "system"
	TypeAudio           = "audio"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeHistoryRequest  = "history_request"
)

// Message is one WebSocket frame in either direction, discriminated by Type.
type Message struct {
	Type string `json:"type"`

	// Seq is the response-log sequence for replayable messages. Clients
	// acknowledge it through Pong.Seq; duplicates across reconnects are
	// deduplicated by Seq.
	Seq int64 `json:"seq,omitempty"`

	// ActionID ties narrative and status messages to the submitted action.
	ActionID string `json:"action_id,omitempty"`

	// Text is the message body for narrative, private, system, and
	// action_status frames.
	Text string `json:"text,omitempty"`

	// ParticipantID identifies the connected participant (connected frame)
	// or the private message sender.
	ParticipantID string `json:"participant_id,omitempty"`

	// Status is the submission outcome on action_status frames.
	Status string `json:"status,omitempty"`

	// Combat state fields.
	CombatActive bool   `json:"combat_active,omitempty"`
	OnTurn       string `json:"on_turn,omitempty"`

	// Audio chunk fields. Data is base64-encoded by encoding/json.
	Format      string `json:"format,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Sequence    int    `json:"sequence,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	DurationMs  int    `json:"duration_ms,omitempty"`
	StreamID    string `json:"stream_id,omitempty"`
	Data        []byte `json:"data,omitempty"`

	// After is the replay cursor on history_request frames.
	After int64 `json:"after,omitempty"`
}

// AudioChunk is one piece of a synthesized audio stream handed to the party
// server for broadcast.
type AudioChunk struct {
	StreamID    string
	Sequence    int
	TotalChunks int
	Format      string
	SampleRate  int
	DurationMs  int
	Data        []byte
}

// CombatState is the turn-gating state pushed by the orchestrator.
type CombatState struct {
	// Active marks an encounter in progress.
	Active bool

	// OnTurn is the participant whose turn it is, empty when Active is
	// false.
	OnTurn string

	// Simultaneous disables turn gating while active.
	Simultaneous bool
}
