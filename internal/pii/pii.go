// Package pii detects and sanitizes sensitive entities in extracted text
// and runs the declarative data-quality checks of the pii_dq stage.
// Policies map entity types to actions and are loaded from a YAML document;
// a built-in regex analyzer stands in for an external entity recognizer.
package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is what happens to a detected entity.
type Action string

const (
	// ActionAllow leaves the entity untouched.
	ActionAllow Action = "ALLOW"
	// ActionRedact replaces the entity with the mask token.
	ActionRedact Action = "REDACT"
	// ActionHash replaces the entity with the SHA-256 hex of the original.
	ActionHash Action = "HASH"
)

// DefaultKey is the policy entry consulted for entity types with no
// explicit action.
const DefaultKey = "DEFAULT"

// Policy maps entity type to action, with a DEFAULT fallback entry.
type Policy map[string]Action

// ActionFor resolves the action for an entity type.
func (p Policy) ActionFor(entity string) Action {
	if a, ok := p[entity]; ok {
		return a
	}
	if a, ok := p[DefaultKey]; ok {
		return a
	}
	return ActionAllow
}

// builtinPolicy is used when no policy file is configured or the named
// policy is absent.
var builtinPolicy = Policy{DefaultKey: ActionRedact}

// policyFile is the YAML shape of the policy document: named policies,
// each a map of entity type to action.
type policyFile struct {
	Policies map[string]map[string]string `yaml:"policies"`
}

// Policies is a named collection loaded from YAML.
type Policies map[string]Policy

// LoadPolicies reads the policy document at path. An empty path returns a
// collection containing only the built-in default.
func LoadPolicies(path string) (Policies, error) {
	out := Policies{"default": builtinPolicy}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pii: read policy file %s: %w", path, err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("pii: parse policy file %s: %w", path, err)
	}
	for name, entries := range pf.Policies {
		p := Policy{}
		for entity, action := range entries {
			p[strings.ToUpper(entity)] = Action(strings.ToUpper(action))
		}
		out[name] = p
	}
	return out, nil
}

// Get returns the named policy, falling back to the built-in default.
func (ps Policies) Get(name string) Policy {
	if p, ok := ps[name]; ok {
		return p
	}
	return builtinPolicy
}

// Span is one detected entity occurrence.
type Span struct {
	Start  int
	End    int
	Entity string
}

// detector pairs an entity type with its recognizer pattern.
type detector struct {
	entity string
	re     *regexp.Regexp
}

var detectors = []detector{
	{"EMAIL_ADDRESS", regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{"PHONE_NUMBER", regexp.MustCompile(`\+?\d[\d\s\-().]{7,}\d`)},
	{"US_SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{"IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// Analyze scans text for entities and returns non-overlapping spans sorted
// by start offset. When two detections overlap the earlier (then longer)
// one wins.
func Analyze(text string) []Span {
	var spans []Span
	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1], Entity: d.entity})
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	var out []Span
	lastEnd := -1
	for _, sp := range spans {
		if sp.Start < lastEnd {
			continue
		}
		out = append(out, sp)
		lastEnd = sp.End
	}
	return out
}

// Result is the outcome of Apply.
type Result struct {
	// Text is the sanitized text.
	Text string
	// Report maps entity type to occurrence count, plus the _total and
	// _action aggregates.
	Report map[string]any
	// Total is the number of entities acted upon.
	Total int
}

// Apply analyzes text and applies the policy. overrideAction, when
// non-empty, replaces the per-entity policy action globally (ALLOW entities
// are still skipped only when the override itself is ALLOW). Spans are
// applied from the end of the string toward the start so earlier offsets
// stay valid. mask is the REDACT replacement token.
func Apply(text string, policy Policy, overrideAction Action, mask string) Result {
	if mask == "" {
		mask = "[REDACTED]"
	}
	spans := Analyze(text)

	counts := map[string]int{}
	total := 0
	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		sp := spans[i]
		action := policy.ActionFor(sp.Entity)
		if overrideAction != "" {
			action = overrideAction
		}
		if action == ActionAllow {
			continue
		}
		segment := out[sp.Start:sp.End]
		var repl string
		switch action {
		case ActionHash:
			sum := sha256.Sum256([]byte(segment))
			repl = hex.EncodeToString(sum[:])
		default:
			repl = mask
		}
		out = out[:sp.Start] + repl + out[sp.End:]
		counts[sp.Entity]++
		total++
	}

	report := map[string]any{"_total": total, "_action": string(effectiveAction(policy, overrideAction))}
	for k, v := range counts {
		report[k] = v
	}
	return Result{Text: out, Report: report, Total: total}
}

func effectiveAction(policy Policy, override Action) Action {
	if override != "" {
		return override
	}
	return policy.ActionFor(DefaultKey)
}
