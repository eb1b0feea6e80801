package orchestrator

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/corvuslabs/conduit-go/internal/retrieve"
)

const (
	insufficientMessage = "INSUFFICIENT EVIDENCE"
	minDistinctSources  = 3
	minChunkChars       = 300
	freshnessBonus      = 0.05
)

// dateBiasStart is the cutoff for the freshness bonus.
var dateBiasStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var appleQueryTerms = []string{
	"Apple",
	`"Apple Inc."`,
	"AAPL",
	"App Store",
	"EU DMA",
	"antitrust",
	"DOJ",
	"CMA",
	"SAMR",
	"services revenue",
	"buybacks",
	"China",
	"India",
	"supply chain",
}

var forceRagKeywords = []string{
	"company", "companies", "financial", "financials", "earnings", "revenue",
	"arr", "mrr", "kpi", "metric", "news", "policy", "regulation",
	"regulatory", "legal", "lawsuit", "litigation", "launch",
	"product launch", "product", "guidance", "since", "trend",
}

var freshnessHints = []string{"latest", "recent", "since", "update", "new", "today", "this week"}

func shouldForceRag(message string) bool {
	lowered := strings.ToLower(message)
	for _, kw := range forceRagKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func isShortQuery(message string) bool {
	return len(strings.Fields(message)) < 8
}

func needsFreshResults(message string) bool {
	lowered := strings.ToLower(message)
	for _, hint := range freshnessHints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}

func mentionsApple(message string) bool {
	lowered := strings.ToLower(message)
	return strings.Contains(lowered, "apple") ||
		strings.Contains(lowered, "aapl") ||
		strings.Contains(lowered, "app store")
}

// expandQueries deduplicates the planner's rewrites case-insensitively and
// appends the fixed Apple expansion list when the message mentions Apple.
// An empty result falls back to the raw message.
func expandQueries(base []string, message string) []string {
	seen := make(map[string]bool)
	var expanded []string
	for _, query := range base {
		normalized := strings.TrimSpace(query)
		if normalized == "" {
			continue
		}
		lowered := strings.ToLower(normalized)
		if seen[lowered] {
			continue
		}
		seen[lowered] = true
		expanded = append(expanded, normalized)
	}
	if mentionsApple(message) {
		for _, term := range appleQueryTerms {
			lowered := strings.ToLower(term)
			if !seen[lowered] {
				seen[lowered] = true
				expanded = append(expanded, term)
			}
		}
	}
	if len(expanded) == 0 {
		return []string{message}
	}
	return expanded
}

func filterShortChunks(hits []retrieve.Hit) []retrieve.Hit {
	kept := make([]retrieve.Hit, 0, len(hits))
	for _, h := range hits {
		if len(strings.TrimSpace(h.Text)) >= minChunkChars {
			kept = append(kept, h)
		}
	}
	return kept
}

// rankByScore sorts hits by score descending and keeps the top k.
func rankByScore(hits []retrieve.Hit, k int) []retrieve.Hit {
	ranked := make([]retrieve.Hit, len(hits))
	copy(ranked, hits)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// parseDocDate reads the first parseable date-ish metadata field. ISO 8601
// with or without a time component; "Z" suffix allowed.
func parseDocDate(metadata map[string]any) (time.Time, bool) {
	for _, key := range []string{"date", "published_at", "published", "timestamp"} {
		value, _ := metadata[key].(string)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, value); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// applyFreshnessBias re-sorts hits with a small bonus on documents dated on
// or after 2024-01-01. Stored scores are left untouched.
func applyFreshnessBias(hits []retrieve.Hit, biasRecent bool) []retrieve.Hit {
	if !biasRecent {
		return hits
	}
	adjusted := func(h retrieve.Hit) float64 {
		score := h.Score
		if date, ok := parseDocDate(h.Metadata); ok && !date.Before(dateBiasStart) {
			score += freshnessBonus
		}
		return score
	}
	out := make([]retrieve.Hit, len(hits))
	copy(out, hits)
	sort.SliceStable(out, func(i, j int) bool { return adjusted(out[i]) > adjusted(out[j]) })
	return out
}

// describeTitle derives a human-readable title for a hit.
func describeTitle(h retrieve.Hit) string {
	for _, key := range []string{"title", "filename", "doc_title", "name"} {
		if value, _ := h.Metadata[key].(string); strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	for _, key := range []string{"source", "publisher"} {
		if value, _ := h.Metadata[key].(string); strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	if h.DocID != "" {
		return h.DocID
	}
	if h.ChunkID != "" {
		return h.ChunkID
	}
	return "unknown"
}

func docIdentifier(h retrieve.Hit) string {
	if id := strings.TrimSpace(h.DocID); id != "" {
		return id
	}
	return strings.TrimSpace(h.ChunkID)
}

// deduplicateHits drops hits sharing (outlet, date, title). Hits with no
// title fall back to their chunk id so distinct untitled chunks survive.
func deduplicateHits(hits []retrieve.Hit) []retrieve.Hit {
	seen := make(map[[3]string]bool)
	unique := make([]retrieve.Hit, 0, len(hits))
	for _, h := range hits {
		outlet := ""
		for _, key := range []string{"source", "publisher", "outlet"} {
			if value, _ := h.Metadata[key].(string); strings.TrimSpace(value) != "" {
				outlet = strings.ToLower(strings.TrimSpace(value))
				break
			}
		}
		dateKey := ""
		if date, ok := parseDocDate(h.Metadata); ok {
			dateKey = date.Format("2006-01-02")
		}
		title := strings.ToLower(strings.TrimSpace(describeTitle(h)))
		if title == "" {
			title = h.ChunkID
		}
		key := [3]string{outlet, dateKey, title}
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, h)
	}
	return unique
}

// pickMetadataString returns the first non-empty string under keys, checking
// a nested user_metadata object as a fallback.
func pickMetadataString(metadata map[string]any, keys []string) string {
	for _, key := range keys {
		if value, _ := metadata[key].(string); strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	if nested, ok := metadata["user_metadata"].(map[string]any); ok {
		for _, key := range keys {
			if value, _ := nested[key].(string); strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

func resolveMetaFileName(metadata map[string]any, fallback string) string {
	if name := pickMetadataString(metadata, []string{"file_name", "filename", "original_basename", "title", "doc_title", "name"}); name != "" {
		return name
	}
	if source, _ := metadata["source"].(string); strings.TrimSpace(source) != "" {
		return strings.TrimSpace(source)
	}
	return fallback
}

func resolveMetaPath(metadata map[string]any) string {
	return pickMetadataString(metadata, []string{"path", "raw_path", "raw_uri", "rawKey", "raw_key", "object", "object_key"})
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
