package pii

import (
	"strings"
	"time"
	"unicode"
)

// DQInput carries the fields the quality checks inspect.
type DQInput struct {
	Text          string
	Lang          string
	OCRApplied    bool
	OCRConfidence float64
}

// DQOptions configures a DQ run.
type DQOptions struct {
	// LanguageDetect enables the language check (lang must be en or auto).
	LanguageDetect bool
	// OCRConfMin is the minimum acceptable OCR confidence when OCR ran.
	OCRConfMin float64
	// Skip lists check names that are forced to pass.
	Skip []string
}

// dqCheck is one declarative quality check.
type dqCheck struct {
	name string
	run  func(in DQInput, opts DQOptions) bool
}

// dqChecks is the fixed check set. schema_valid and freshness are stubs
// that default to pass.
var dqChecks = []dqCheck{
	{"not_empty", func(in DQInput, _ DQOptions) bool {
		return strings.TrimSpace(in.Text) != ""
	}},
	{"language_detect", func(in DQInput, opts DQOptions) bool {
		if !opts.LanguageDetect {
			return true
		}
		return in.Lang == "en" || in.Lang == "auto" || in.Lang == ""
	}},
	{"ocr_conf_min", func(in DQInput, opts DQOptions) bool {
		if !in.OCRApplied || opts.OCRConfMin <= 0 {
			return true
		}
		return in.OCRConfidence >= opts.OCRConfMin
	}},
	{"schema_valid", func(DQInput, DQOptions) bool { return true }},
	{"freshness", func(DQInput, DQOptions) bool { return true }},
}

// RunDQ executes the checks and returns (all_passed, report). Skipped
// checks are recorded as passed and listed under "skipped". The report also
// carries a timestamp and the per-check boolean map under "checks".
func RunDQ(in DQInput, opts DQOptions) (bool, map[string]any) {
	skip := make(map[string]bool, len(opts.Skip))
	for _, name := range opts.Skip {
		skip[name] = true
	}

	checks := map[string]any{}
	var skipped []string
	all := true
	for _, c := range dqChecks {
		if skip[c.name] {
			checks[c.name] = true
			skipped = append(skipped, c.name)
			continue
		}
		ok := c.run(in, opts)
		checks[c.name] = ok
		if !ok {
			all = false
		}
	}

	report := map[string]any{
		"checks":    checks,
		"skipped":   skipped,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return all, report
}

// DetectLanguage is the lightweight language heuristic used by
// parse_normalize and enrich: texts of at least 20 characters that are
// predominantly ASCII letters are labelled "en", anything else "unknown".
// Shorter texts are labelled "auto".
func DetectLanguage(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 20 {
		return "auto"
	}
	letters, ascii := 0, 0
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			letters++
			if r < 128 {
				ascii++
			}
		}
	}
	if letters == 0 {
		return "unknown"
	}
	if float64(ascii)/float64(letters) >= 0.9 {
		return "en"
	}
	return "unknown"
}
