// Package intent provides the deterministic player-input classifier.
//
// Classification is a weighted pattern match: exact multi-word phrases score
// highest, whole-word tokens next, and stem or fuzzy token matches lowest.
// The classifier is pure — the same input always yields the same intent,
// confidence, and ambiguity flag — and it never fails: empty or unmatched
// input falls back to a neutral action intent with zero confidence.
package intent

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Type labels a player utterance.
type Type string

const (
	TypeAction      Type = "action"
	TypeQuestion    Type = "question"
	TypeRoleplay    Type = "roleplay"
	TypeCombat      Type = "combat"
	TypeExploration Type = "exploration"
	TypeSystem      Type = "system"
	TypeSocial      Type = "social"
)

// IsValid reports whether t is a recognised intent type.
func (t Type) IsValid() bool {
	switch t {
	case TypeAction, TypeQuestion, TypeRoleplay, TypeCombat, TypeExploration, TypeSystem, TypeSocial:
		return true
	}
	return false
}

// tieOrder breaks score ties: lower index wins.
var tieOrder = map[Type]int{
	TypeCombat:      0,
	TypeQuestion:    1,
	TypeExploration: 2,
	TypeRoleplay:    3,
	TypeSocial:      4,
	TypeSystem:      5,
	TypeAction:      6,
}

// Intent is the classification result for one utterance.
type Intent struct {
	// Type is the winning intent label.
	Type Type `json:"type"`

	// Confidence is top_score / (top_score + runner_up + ε), in [0,1].
	Confidence float64 `json:"confidence"`

	// MatchedPatterns lists the patterns that contributed to the top score.
	MatchedPatterns []string `json:"matched_patterns,omitempty"`

	// Ambiguous is set when the top two candidates score within the
	// configured gap.
	Ambiguous bool `json:"ambiguous"`

	// Alternative is the runner-up type when Ambiguous is set.
	Alternative Type `json:"alternative,omitempty"`
}

// Weights for the three match tiers.
const (
	weightPhrase = 3
	weightWord   = 2
	weightFuzzy  = 1
)

// fuzzyThreshold is the minimum Jaro-Winkler similarity for a tier-3 match.
const fuzzyThreshold = 0.90

// Pattern maps a phrase (one or more words) to an intent type.
type Pattern struct {
	// Phrase is the lowercase pattern text. Multi-word phrases match as
	// exact substrings on word boundaries; single words match tokens.
	Phrase string

	// Type is the intent the pattern votes for.
	Type Type
}

// Option configures a [Classifier].
type Option func(*Classifier)

// WithScoreGap sets the maximum score difference between the top two
// candidates for the result to be flagged ambiguous. The default is 1.
func WithScoreGap(gap int) Option {
	return func(c *Classifier) { c.scoreGap = gap }
}

// WithWeights overrides the per-tier match weights. All three must be
// positive; non-positive values keep the defaults.
func WithWeights(phrase, word, fuzzy int) Option {
	return func(c *Classifier) {
		if phrase > 0 && word > 0 && fuzzy > 0 {
			c.wPhrase, c.wWord, c.wFuzzy = phrase, word, fuzzy
		}
	}
}

// WithPatterns replaces the built-in pattern table.
func WithPatterns(patterns []Pattern) Option {
	return func(c *Classifier) { c.patterns = patterns }
}

// WithExtraPatterns appends campaign-specific patterns to the built-in table.
func WithExtraPatterns(patterns []Pattern) Option {
	return func(c *Classifier) { c.patterns = append(c.patterns, patterns...) }
}

// Classifier labels player input. Construct with [New]; the zero value is
// not usable. Classify is safe for concurrent use.
type Classifier struct {
	patterns []Pattern
	scoreGap int
	wPhrase  int
	wWord    int
	wFuzzy   int
}

// New creates a classifier with the default pattern table and a score gap
// of 1.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		patterns: defaultPatterns(),
		scoreGap: 1,
		wPhrase:  weightPhrase,
		wWord:    weightWord,
		wFuzzy:   weightFuzzy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify labels text. It never fails: empty or unmatched input yields
// {Type: action, Confidence: 0}. Leading/trailing whitespace and letter case
// do not affect the result.
func (c *Classifier) Classify(text string) Intent {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Intent{Type: TypeAction}
	}

	tokens := strings.Fields(normalized)
	padded := " " + strings.Join(tokens, " ") + " "

	scores := make(map[Type]int)
	matched := make(map[Type][]string)

	for _, p := range c.patterns {
		weight, hit := c.matchPattern(p.Phrase, padded, tokens)
		if !hit {
			continue
		}
		scores[p.Type] += weight
		matched[p.Type] = append(matched[p.Type], p.Phrase)
	}

	if len(scores) == 0 {
		return Intent{Type: TypeAction}
	}

	top, runnerUp := rank(scores)
	topScore := scores[top]
	runnerScore := scores[runnerUp] // zero when there is no runner-up

	const epsilon = 1e-9
	confidence := float64(topScore) / (float64(topScore+runnerScore) + epsilon)

	result := Intent{
		Type:            top,
		Confidence:      confidence,
		MatchedPatterns: matched[top],
	}
	if runnerUp != "" && topScore-runnerScore <= c.scoreGap {
		result.Ambiguous = true
		result.Alternative = runnerUp
	}
	return result
}

// matchPattern scores one pattern against the normalised input. Multi-word
// phrases use exact substring matching on word boundaries; single words try
// exact token, stem prefix, then fuzzy similarity.
func (c *Classifier) matchPattern(phrase, padded string, tokens []string) (int, bool) {
	if strings.Contains(phrase, " ") {
		if strings.Contains(padded, " "+phrase+" ") {
			return c.wPhrase, true
		}
		return 0, false
	}

	for _, tok := range tokens {
		if tok == phrase {
			return c.wWord, true
		}
	}
	for _, tok := range tokens {
		if stemMatch(tok, phrase) {
			return c.wFuzzy, true
		}
		if len(tok) >= 4 && len(phrase) >= 4 &&
			matchr.JaroWinkler(tok, phrase, false) >= fuzzyThreshold {
			return c.wFuzzy, true
		}
	}
	return 0, false
}

// stemMatch reports whether token is an inflected form of phrase: the pattern
// plus a common suffix ("attack" matches "attacking", "attacks", "attacked").
func stemMatch(token, phrase string) bool {
	if len(token) <= len(phrase) || !strings.HasPrefix(token, phrase) {
		return false
	}
	switch token[len(phrase):] {
	case "s", "es", "ed", "ing", "d":
		return true
	}
	return false
}

// rank returns the top and runner-up types, breaking score ties by the fixed
// category order. runnerUp is "" when only one type scored.
func rank(scores map[Type]int) (top, runnerUp Type) {
	better := func(a, b Type) bool {
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		return tieOrder[a] < tieOrder[b]
	}
	for t := range scores {
		switch {
		case top == "" || better(t, top):
			top, runnerUp = t, top
		case runnerUp == "" || better(t, runnerUp):
			runnerUp = t
		}
	}
	return top, runnerUp
}
