// Package consistency detects contradictions between a proposed state delta
// and the established facts of a session. The checker runs a pluggable list
// of declarative rules and never mutates state; findings are classified as
// blocking, warn, or info and the orchestrator decides what to do with them.
package consistency

import (
	"fmt"
	"strings"

	"github.com/MrWong99/claudmaster/internal/world/fact"
	"github.com/MrWong99/claudmaster/internal/world/state"
)

// Severity classifies a finding.
type Severity string

const (
	// SeverityBlocking aborts the turn.
	SeverityBlocking Severity = "blocking"

	// SeverityWarn records a fact and annotates the response.
	SeverityWarn Severity = "warn"

	// SeverityInfo is silent.
	SeverityInfo Severity = "info"
)

// Finding is one detected contradiction.
type Finding struct {
	// Rule names the rule that produced the finding.
	Rule string `json:"rule"`

	// Severity classifies the finding.
	Severity Severity `json:"severity"`

	// Message is a human-readable description of the contradiction.
	Message string `json:"message"`

	// FactID references the contradicted fact, when one exists.
	FactID string `json:"fact_id,omitempty"`

	// Field is the delta field in conflict.
	Field string `json:"field,omitempty"`
}

// Report groups findings by severity.
type Report struct {
	Blocking []Finding `json:"blocking,omitempty"`
	Warn     []Finding `json:"warn,omitempty"`
	Info     []Finding `json:"info,omitempty"`
}

// Empty reports whether the report contains no findings at all.
func (r Report) Empty() bool {
	return len(r.Blocking) == 0 && len(r.Warn) == 0 && len(r.Info) == 0
}

// Rule inspects one merged delta against the fact store. Implementations
// must not mutate the store and must be safe for concurrent use.
type Rule interface {
	// Name identifies the rule in findings.
	Name() string

	// Check returns any contradictions between delta and the stored facts.
	Check(delta state.Delta, facts *fact.Store) []Finding
}

// Checker runs a fixed rule set over merged deltas.
type Checker struct {
	rules []Rule
}

// New creates a checker with the given rules. [DefaultRules] supplies the
// standard set.
func New(rules ...Rule) *Checker {
	return &Checker{rules: rules}
}

// Check runs every rule against every delta and returns the grouped report.
func (c *Checker) Check(deltas []state.Delta, facts *fact.Store) Report {
	var report Report
	for _, d := range deltas {
		for _, rule := range c.rules {
			for _, f := range rule.Check(d, facts) {
				switch f.Severity {
				case SeverityBlocking:
					report.Blocking = append(report.Blocking, f)
				case SeverityWarn:
					report.Warn = append(report.Warn, f)
				default:
					report.Info = append(report.Info, f)
				}
			}
		}
	}
	return report
}

// DefaultRules returns the standard rule set: descriptor conflicts on
// high-relevance facts and numeric field contradictions.
func DefaultRules() []Rule {
	return []Rule{
		NewDescriptorRule("ancestry", []string{
			"dwarf", "dwarven", "elf", "elven", "human", "halfling",
			"gnome", "orc", "orcish", "tiefling", "dragonborn",
		}),
		NewDescriptorRule("gender", []string{"male", "female"}),
		&NumericFieldRule{Fields: []string{"population", "level", "age"}},
	}
}

// severityForRelevance maps fact relevance to finding severity: facts the
// table treats as load-bearing (>= 8) block the turn, mid-relevance facts
// warn, the rest inform.
func severityForRelevance(relevance int) Severity {
	switch {
	case relevance >= 8:
		return SeverityBlocking
	case relevance >= 5:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// DescriptorRule flags a delta that assigns a descriptor (e.g. ancestry
// "elf") to an entity when an established fact mentioning that entity uses a
// different descriptor from the same closed vocabulary.
type DescriptorRule struct {
	group string
	terms []string
}

// NewDescriptorRule creates a rule for one descriptor vocabulary. Terms are
// matched case-insensitively as whole words.
func NewDescriptorRule(group string, terms []string) *DescriptorRule {
	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
	}
	return &DescriptorRule{group: group, terms: lowered}
}

// Name implements [Rule].
func (r *DescriptorRule) Name() string { return "descriptor/" + r.group }

// Check implements [Rule].
func (r *DescriptorRule) Check(delta state.Delta, facts *fact.Store) []Finding {
	var findings []Finding
	for field, value := range delta.Fields {
		text, ok := value.(string)
		if !ok {
			continue
		}
		newTerm := r.matchTerm(text)
		if newTerm == "" {
			continue
		}
		for _, f := range facts.Query(fact.Query{}) {
			if !mentionsEntity(f, delta) {
				continue
			}
			oldTerm := r.matchTerm(f.Content)
			if oldTerm == "" || sameRoot(oldTerm, newTerm) {
				continue
			}
			findings = append(findings, Finding{
				Rule:     r.Name(),
				Severity: severityForRelevance(f.Relevance),
				Message: fmt.Sprintf("%s %q conflicts with established fact (relevance %d): %s",
					r.group, newTerm, f.Relevance, f.Content),
				FactID: f.ID,
				Field:  field,
			})
		}
	}
	return findings
}

// matchTerm returns the first vocabulary term appearing as a whole word in
// text, lowercased, or "".
func (r *DescriptorRule) matchTerm(text string) string {
	for _, word := range strings.FieldsFunc(strings.ToLower(text), notLetter) {
		for _, term := range r.terms {
			if word == term {
				return term
			}
		}
	}
	return ""
}

// sameRoot groups inflected vocabulary forms ("dwarf"/"dwarven",
// "elf"/"elven") so that a restatement does not read as a contradiction.
// A two-character prefix is enough to keep the shipped vocabularies apart.
func sameRoot(a, b string) bool {
	if a == b {
		return true
	}
	const min = 2
	if len(a) >= min && len(b) >= min {
		return a[:min] == b[:min]
	}
	return false
}

// NumericFieldRule flags a delta that writes a numeric field when a
// high-relevance fact states a different value for the same field of the
// same entity (e.g. "population is 300").
type NumericFieldRule struct {
	// Fields lists the numeric field names the rule watches.
	Fields []string
}

// Name implements [Rule].
func (r *NumericFieldRule) Name() string { return "numeric-field" }

// Check implements [Rule].
func (r *NumericFieldRule) Check(delta state.Delta, facts *fact.Store) []Finding {
	var findings []Finding
	for _, field := range r.Fields {
		value, ok := delta.Fields[field]
		if !ok {
			continue
		}
		newNum, ok := asInt(value)
		if !ok {
			continue
		}
		for _, f := range facts.Query(fact.Query{}) {
			if !mentionsEntity(f, delta) {
				continue
			}
			oldNum, found := statedNumber(f.Content, field)
			if !found || oldNum == newNum {
				continue
			}
			findings = append(findings, Finding{
				Rule:     r.Name(),
				Severity: severityForRelevance(f.Relevance),
				Message: fmt.Sprintf("%s=%d conflicts with established fact (relevance %d): %s",
					field, newNum, f.Relevance, f.Content),
				FactID: f.ID,
				Field:  field,
			})
		}
	}
	return findings
}

// mentionsEntity reports whether the fact refers to the delta's entity,
// either by id (content or tags) or by the entity's name field in the delta.
func mentionsEntity(f fact.Fact, delta state.Delta) bool {
	candidates := []string{delta.EntityID}
	if name, ok := delta.Fields["name"].(string); ok {
		candidates = append(candidates, name)
	}
	content := strings.ToLower(f.Content)
	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		lc := strings.ToLower(cand)
		if strings.Contains(content, lc) {
			return true
		}
		for _, tag := range f.Tags {
			if strings.EqualFold(tag, cand) {
				return true
			}
		}
	}
	return false
}

// statedNumber scans content for "<field> ... <number>" within a short window
// (e.g. "population of roughly 300") and returns the number.
func statedNumber(content, field string) (int, bool) {
	words := strings.FieldsFunc(strings.ToLower(content), notLetterOrDigit)
	for i, w := range words {
		if w != field {
			continue
		}
		// Look a few words ahead for the first number.
		for j := i + 1; j < len(words) && j <= i+4; j++ {
			if n, ok := parseInt(words[j]); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func notLetter(r rune) bool {
	return !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
}

func notLetterOrDigit(r rune) bool {
	return notLetter(r) && (r < '0' || r > '9')
}
