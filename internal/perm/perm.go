// Package perm resolves whether a participant may perform an operation.
//
// A permission matrix maps (role, operation) to allow, deny, or conditional.
// Conditional operations resolve by ownership: a player may write a character
// only when the character's owner participant id matches the caller. The DM
// role passes every operation, and single-player mode (no participant id on
// the caller) bypasses the matrix entirely.
package perm

import (
	"errors"
	"fmt"
)

// ErrDenied is returned for any rejected operation. Callers surface it to the
// requester; it is never broadcast.
var ErrDenied = errors.New("perm: permission denied")

// Role is a participant's role in the session.
type Role string

const (
	RoleDM       Role = "dm"
	RolePlayer   Role = "player"
	RoleObserver Role = "observer"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleDM, RolePlayer, RoleObserver:
		return true
	}
	return false
}

// Decision is one cell of the permission matrix.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"

	// Conditional resolves by ownership at call time.
	Conditional Decision = "conditional"
)

// Caller identifies who is performing an operation. A zero ParticipantID
// means single-player mode: every operation is allowed without a lookup.
type Caller struct {
	ParticipantID string
	Role          Role
}

// SinglePlayer reports whether the caller runs outside party mode.
func (c Caller) SinglePlayer() bool { return c.ParticipantID == "" }

// Well-known operation names used by the engine. Tool surfaces may register
// additional operations through [Resolver.Set].
const (
	OpReadCharacter  = "character.read"
	OpWriteCharacter = "character.write"
	OpReadNPC        = "npc.read"
	OpWriteNPC       = "npc.write"
	OpReadLocation   = "location.read"
	OpReadQuest      = "quest.read"
	OpSubmitAction   = "action.submit"
	OpPrivateMessage = "message.private"
	OpRollDice       = "dice.roll"
	OpSearchRules    = "rules.search"
	OpManageSession  = "session.manage"
)

// Resolver evaluates the permission matrix. The zero value is unusable;
// construct with [NewResolver]. Not safe for concurrent mutation after
// construction; Set is for setup time.
type Resolver struct {
	matrix map[Role]map[string]Decision
}

// NewResolver returns a resolver seeded with the default matrix: players
// read freely, write their own character, submit actions, and roll dice;
// observers only read; the DM is handled before the matrix is consulted.
func NewResolver() *Resolver {
	r := &Resolver{matrix: map[Role]map[string]Decision{
		RolePlayer: {
			OpReadCharacter:  Allow,
			OpWriteCharacter: Conditional,
			OpReadNPC:        Allow,
			OpWriteNPC:       Deny,
			OpReadLocation:   Allow,
			OpReadQuest:      Allow,
			OpSubmitAction:   Allow,
			OpPrivateMessage: Deny,
			OpRollDice:       Allow,
			OpSearchRules:    Allow,
			OpManageSession:  Deny,
		},
		RoleObserver: {
			OpReadCharacter: Allow,
			OpReadNPC:       Allow,
			OpReadLocation:  Allow,
			OpReadQuest:     Allow,
			OpSearchRules:   Allow,
		},
	}}
	return r
}

// Set overrides one matrix cell. Intended for host setup, before the
// resolver is shared.
func (r *Resolver) Set(role Role, operation string, d Decision) {
	cells := r.matrix[role]
	if cells == nil {
		cells = make(map[string]Decision)
		r.matrix[role] = cells
	}
	cells[operation] = d
}

// Resolve returns nil when caller may perform operation. ownerParticipantID
// is the owning participant of the target entity, empty when the target has
// no owner; it is only consulted for conditional cells.
func (r *Resolver) Resolve(caller Caller, operation, ownerParticipantID string) error {
	if caller.SinglePlayer() || caller.Role == RoleDM {
		return nil
	}
	cells, ok := r.matrix[caller.Role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrDenied, caller.Role)
	}
	switch cells[operation] {
	case Allow:
		return nil
	case Conditional:
		if ownerParticipantID != "" && ownerParticipantID == caller.ParticipantID {
			return nil
		}
		return fmt.Errorf("%w: %s requires ownership", ErrDenied, operation)
	default:
		return fmt.Errorf("%w: role %q may not %s", ErrDenied, caller.Role, operation)
	}
}
