// Package budget provides token estimation and cost accounting for the
// query path. Because the model gateway supports multiple LLM backends with
// different tokenizers, estimation uses a conservative character-based
// heuristic: 1 token ≈ 4 characters (English prose). Backends that report
// exact usage win; the estimate fills in when a provider omits it.
package budget

import "strings"

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English; using 3 would be
	// more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// perMessageOverhead is the fixed token overhead most chat APIs charge
	// per message for role and framing.
	perMessageOverhead = 4
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimatePrompt sums the estimated tokens across prompt parts (system,
// context, user message), including per-message overhead. Empty parts are
// skipped.
func EstimatePrompt(parts ...string) int {
	total := 0
	for _, p := range parts {
		if p == "" {
			continue
		}
		total += perMessageOverhead + Estimate(p)
	}
	return total
}

// modelPrice holds per-million-token USD prices.
type modelPrice struct {
	in  float64
	out float64
}

// prices maps model id prefixes to their published per-million-token rates.
// Local models (ollama) cost nothing and are absent.
var prices = map[string]modelPrice{
	"gpt-4o-mini":  {in: 0.15, out: 0.60},
	"gpt-4o":       {in: 2.50, out: 10.00},
	"gpt-4.1-mini": {in: 0.40, out: 1.60},
	"gpt-4.1":      {in: 2.00, out: 8.00},
	"o3-mini":      {in: 1.10, out: 4.40},
}

// Cost returns the USD cost of a call against model. Unknown and local
// models cost zero. The longest matching prefix wins, so "gpt-4o" does not
// shadow "gpt-4o-mini".
func Cost(model string, tokensIn, tokensOut int) float64 {
	var best string
	for prefix := range prices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := prices[best]
	return p.in*float64(tokensIn)/1e6 + p.out*float64(tokensOut)/1e6
}
