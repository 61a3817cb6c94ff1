// Package archivist implements the deterministic ledger agent. It answers
// state queries from the campaign store and proposes pure-arithmetic deltas
// (damage application, healing) parsed from the resolved action text. It
// never calls a model.
package archivist

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MrWong99/claudmaster/internal/agent"
	"github.com/MrWong99/claudmaster/internal/campaign"
	"github.com/MrWong99/claudmaster/internal/intent"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

// Priority places archivist deltas below the arbiter's.
const Priority = 10

var (
	// "6 damage to durgan", "deals 6 points of damage to the goblin"
	damageToRe = regexp.MustCompile(`(\d+)\s+(?:points?\s+of\s+)?damage\s+to\s+(?:the\s+)?([a-zA-Z][\w-]*)`)

	// "durgan takes 6 damage"
	takesDamageRe = regexp.MustCompile(`([a-zA-Z][\w-]*)\s+takes\s+(\d+)\s+(?:points?\s+of\s+)?damage`)

	// "heals lyra for 5", "heal the goblin for 3"
	healsRe = regexp.MustCompile(`heals?\s+(?:the\s+)?([a-zA-Z][\w-]*)\s+for\s+(\d+)`)
)

// Archivist is the zero-token state ledger agent.
type Archivist struct{}

var _ agent.Agent = (*Archivist)(nil)

// New creates an archivist.
func New() *Archivist { return &Archivist{} }

// Spec implements [agent.Agent].
func (a *Archivist) Spec() agent.Spec {
	return agent.Spec{
		Name:         "archivist",
		Kind:         agent.KindLedger,
		Capabilities: []string{"query-state", "arithmetic-deltas"},
		Priority:     Priority,
		Timeout:      2 * time.Second,
		Retry:        agent.RetryNonIdempotentOnly,
	}
}

// Invoke implements [agent.Agent].
func (a *Archivist) Invoke(ctx context.Context, req agent.Request, actx *agent.Context) (agent.Response, error) {
	if err := ctx.Err(); err != nil {
		return agent.Response{}, err
	}
	switch req.Intent.Type {
	case intent.TypeQuestion:
		return a.answerQuery(req, actx)
	default:
		return a.applyArithmetic(req, actx)
	}
}

// answerQuery looks the asked-about entity up in the campaign store and
// summarises it for the asking player only.
func (a *Archivist) answerQuery(req agent.Request, actx *agent.Context) (agent.Response, error) {
	if actx.Campaign == nil {
		return agent.Response{}, nil
	}
	lower := strings.ToLower(req.Text)
	for _, category := range []string{"characters", "npcs", "locations", "quests"} {
		recs, err := actx.Campaign.List(category)
		if err != nil {
			continue
		}
		for _, rec := range recs {
			name := rec.Name()
			if name == "" || !strings.Contains(lower, strings.ToLower(name)) {
				continue
			}
			resp := agent.Response{
				Text:       summarize(category, rec),
				Visibility: agent.Public(),
			}
			if req.ActorID != "" {
				resp.Visibility = agent.Private(req.ActorID)
			}
			return resp, nil
		}
	}
	return agent.Response{}, nil
}

// applyArithmetic turns damage and healing statements into hp deltas against
// the current stored values.
func (a *Archivist) applyArithmetic(req agent.Request, actx *agent.Context) (agent.Response, error) {
	if actx.Campaign == nil {
		return agent.Response{}, nil
	}
	lower := strings.ToLower(req.Text)

	type change struct {
		target string
		amount int
	}
	var changes []change
	for _, m := range damageToRe.FindAllStringSubmatch(lower, -1) {
		changes = append(changes, change{target: m[2], amount: -atoi(m[1])})
	}
	for _, m := range takesDamageRe.FindAllStringSubmatch(lower, -1) {
		changes = append(changes, change{target: m[1], amount: -atoi(m[2])})
	}
	for _, m := range healsRe.FindAllStringSubmatch(lower, -1) {
		changes = append(changes, change{target: m[1], amount: atoi(m[2])})
	}

	var resp agent.Response
	for _, c := range changes {
		category, id, rec, ok := findEntity(actx.Campaign, c.target)
		if !ok {
			resp.Errors = append(resp.Errors, fmt.Sprintf("archivist: unknown entity %q", c.target))
			continue
		}
		hp, ok := numberField(rec, "hp")
		if !ok {
			resp.Errors = append(resp.Errors, fmt.Sprintf("archivist: %s %q has no hp", category, id))
			continue
		}
		newHP := hp + c.amount
		if newHP < 0 {
			newHP = 0
		}
		if maxHP, ok := numberField(rec, "max_hp"); ok && newHP > maxHP {
			newHP = maxHP
		}
		resp.Deltas = append(resp.Deltas, state.Delta{
			Category: category,
			EntityID: id,
			Fields:   map[string]any{"hp": newHP},
			Agent:    "archivist",
			Priority: Priority,
		})
	}
	return resp, nil
}

// findEntity resolves a name or id token against characters first, then NPCs.
func findEntity(reader campaign.StoreReader, token string) (category, id string, rec campaign.Record, ok bool) {
	for _, cat := range []string{"characters", "npcs"} {
		if r, err := reader.Record(cat, token); err == nil {
			return cat, token, r, true
		}
		recs, err := reader.List(cat)
		if err != nil {
			continue
		}
		for _, r := range recs {
			if strings.EqualFold(r.Name(), token) {
				return cat, r.ID(), r, true
			}
		}
	}
	return "", "", nil, false
}

// summarize renders the record fields players commonly ask about.
func summarize(category string, rec campaign.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", rec.Name())
	if hp, ok := numberField(rec, "hp"); ok {
		if maxHP, ok := numberField(rec, "max_hp"); ok {
			fmt.Fprintf(&b, " — %d/%d HP", hp, maxHP)
		} else {
			fmt.Fprintf(&b, " — %d HP", hp)
		}
	}
	if lvl, ok := numberField(rec, "level"); ok {
		fmt.Fprintf(&b, ", level %d", lvl)
	}
	if class, ok := rec["class"].(string); ok && class != "" {
		fmt.Fprintf(&b, " %s", class)
	}
	if status, ok := rec["status"].(string); ok && status != "" {
		fmt.Fprintf(&b, " (%s)", status)
	}
	fmt.Fprintf(&b, " [%s]", strings.TrimSuffix(category, "s"))
	return b.String()
}

// numberField reads an integer field that may arrive as JSON float64.
func numberField(rec campaign.Record, key string) (int, bool) {
	switch v := rec[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}
