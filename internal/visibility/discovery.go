package visibility

import (
	"hash/fnv"

	"github.com/MrWong99/claudmaster/internal/campaign"
)

// sensoryHints are the stand-ins for undiscovered location features. The
// hint for a given feature is picked by hashing its name, so the same
// feature always yields the same hint.
var sensoryHints = []string{
	"a faint draft you cannot place",
	"an odd smell lingering in the air",
	"a patch of shadow your eye keeps returning to",
	"a muffled sound from somewhere close",
	"something about this spot feels deliberate",
	"dust disturbed in a pattern you cannot read",
}

// FilterLocation returns a copy of the location record with every feature
// the party has not discovered replaced by a deterministic sensory hint.
// Features are never omitted: the count of entries is preserved so players
// can tell there is something there to find. discovered holds the feature
// names the party has already uncovered.
func FilterLocation(rec campaign.Record, discovered []string) campaign.Record {
	features, ok := rec["features"].([]any)
	if !ok || len(features) == 0 {
		return rec
	}
	known := make(map[string]bool, len(discovered))
	for _, name := range discovered {
		known[name] = true
	}

	out := make(campaign.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	filtered := make([]any, 0, len(features))
	for _, raw := range features {
		feature, ok := raw.(map[string]any)
		if !ok {
			filtered = append(filtered, raw)
			continue
		}
		name, _ := feature["name"].(string)
		if name == "" || known[name] {
			filtered = append(filtered, feature)
			continue
		}
		filtered = append(filtered, map[string]any{
			"hint": hintFor(name),
		})
	}
	out["features"] = filtered
	return out
}

// hintFor deterministically maps a feature name to a sensory hint.
func hintFor(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return sensoryHints[int(h.Sum32())%len(sensoryHints)]
}
