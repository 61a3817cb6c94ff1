// Package visibility projects a turn's merged response onto individual
// recipients. Filtering is pure: the same payload and recipient always yield
// the same projection, and nothing is ever stored pre-filtered.
package visibility

import (
	"sort"

	"github.com/MrWong99/claudmaster/internal/perm"
)

// Payload is the visibility-scoped content of one published response.
// Fields are additive: a recipient may receive several of them at once.
type Payload struct {
	// Public is narrative every participant receives.
	Public string `json:"public,omitempty"`

	// Party is content for party members (players and the DM), withheld
	// from observers.
	Party string `json:"party,omitempty"`

	// Private maps participant id to content only that participant (and the
	// DM) receives.
	Private map[string]string `json:"private,omitempty"`

	// DMOnly is content only the DM receives.
	DMOnly string `json:"dm_only,omitempty"`
}

// Empty reports whether the payload carries no content at all.
func (p Payload) Empty() bool {
	return p.Public == "" && p.Party == "" && len(p.Private) == 0 && p.DMOnly == ""
}

// Merge returns a copy of p with other's content appended field-by-field.
// Non-empty fields are joined with a blank line.
func (p Payload) Merge(other Payload) Payload {
	out := Payload{
		Public: join(p.Public, other.Public),
		Party:  join(p.Party, other.Party),
		DMOnly: join(p.DMOnly, other.DMOnly),
	}
	if len(p.Private) > 0 || len(other.Private) > 0 {
		out.Private = make(map[string]string, len(p.Private)+len(other.Private))
		for id, text := range p.Private {
			out.Private[id] = text
		}
		for id, text := range other.Private {
			out.Private[id] = join(out.Private[id], text)
		}
	}
	return out
}

func join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

// Recipient identifies who a projection is built for.
type Recipient struct {
	ParticipantID string
	Role          perm.Role
}

// View is the filtered projection of a [Payload] for one recipient.
type View struct {
	// Public is the public narrative, present for every role.
	Public string `json:"public,omitempty"`

	// Party is party-scoped content; empty for observers.
	Party string `json:"party,omitempty"`

	// Private is the recipient's own private content. For the DM it holds
	// every private fragment, prefixed per recipient, in stable order.
	Private string `json:"private,omitempty"`

	// DMOnly is present only when the recipient is the DM.
	DMOnly string `json:"dm_only,omitempty"`
}

// Empty reports whether the view carries nothing for its recipient.
func (v View) Empty() bool {
	return v.Public == "" && v.Party == "" && v.Private == "" && v.DMOnly == ""
}

// Filter builds the projection of p for r. No field tagged dmOnly or private
// for another participant ever appears in a player's or observer's view.
func Filter(p Payload, r Recipient) View {
	v := View{Public: p.Public}
	switch r.Role {
	case perm.RoleDM:
		v.Party = p.Party
		v.Private = joinPrivate(p.Private)
		v.DMOnly = p.DMOnly
	case perm.RolePlayer:
		v.Party = p.Party
		v.Private = p.Private[r.ParticipantID]
	case perm.RoleObserver:
		// Public only.
	}
	return v
}

// joinPrivate renders every private fragment for the DM in participant-id
// order so the projection is deterministic.
func joinPrivate(private map[string]string) string {
	if len(private) == 0 {
		return ""
	}
	ids := make([]string, 0, len(private))
	for id := range private {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := ""
	for _, id := range ids {
		out = join(out, "["+id+"] "+private[id])
	}
	return out
}
