package pii

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func Test_PII_AnalyzeFindsEmail(t *testing.T) {
	t.Parallel()
	spans := Analyze("Contact: a@b.com for details")
	if len(spans) != 1 {
		t.Fatalf("want 1 span, got %d: %+v", len(spans), spans)
	}
	if spans[0].Entity != "EMAIL_ADDRESS" {
		t.Errorf("entity: got %s", spans[0].Entity)
	}
}

func Test_PII_AnalyzeNonOverlapping(t *testing.T) {
	t.Parallel()
	spans := Analyze("mail a@b.com ssn 123-45-6789 ip 10.0.0.1")
	last := -1
	for _, sp := range spans {
		if sp.Start < last {
			t.Fatalf("overlapping spans: %+v", spans)
		}
		last = sp.End
	}
}

func Test_PII_RedactReplacesWithMask(t *testing.T) {
	t.Parallel()
	res := Apply("Contact: a@b.com", builtinPolicy, ActionRedact, "[X]")
	if res.Text != "Contact: [X]" {
		t.Errorf("redacted text: got %q", res.Text)
	}
	if res.Total < 1 {
		t.Errorf("total: got %d, want >= 1", res.Total)
	}
	if res.Report["_action"] != "REDACT" {
		t.Errorf("_action: got %v", res.Report["_action"])
	}
}

func Test_PII_RedactIsFixedPoint(t *testing.T) {
	t.Parallel()
	once := Apply("Contact: a@b.com and c@d.org", builtinPolicy, ActionRedact, "[REDACTED]")
	twice := Apply(once.Text, builtinPolicy, ActionRedact, "[REDACTED]")
	if once.Text != twice.Text {
		t.Errorf("REDACT not idempotent: %q vs %q", once.Text, twice.Text)
	}
	if twice.Total != 0 {
		t.Errorf("second pass found %d entities in masked text", twice.Total)
	}
}

func Test_PII_HashReplacesWithDigest(t *testing.T) {
	t.Parallel()
	res := Apply("Contact: a@b.com", builtinPolicy, ActionHash, "")
	if strings.Contains(res.Text, "a@b.com") {
		t.Errorf("original entity survived hashing: %q", res.Text)
	}
	if !strings.Contains(res.Text, "Contact: ") {
		t.Errorf("surrounding text damaged: %q", res.Text)
	}
	// SHA-256 hex is 64 chars.
	digest := strings.TrimPrefix(res.Text, "Contact: ")
	if len(digest) != 64 {
		t.Errorf("digest length: got %d, want 64", len(digest))
	}
}

func Test_PII_AllowLeavesTextUnchanged(t *testing.T) {
	t.Parallel()
	policy := Policy{DefaultKey: ActionAllow}
	res := Apply("Contact: a@b.com", policy, "", "")
	if res.Text != "Contact: a@b.com" {
		t.Errorf("text changed under ALLOW: %q", res.Text)
	}
	if res.Total != 0 {
		t.Errorf("total: got %d, want 0", res.Total)
	}
}

func Test_PII_MultipleSpansOffsetsPreserved(t *testing.T) {
	t.Parallel()
	in := "first a@b.com middle c@d.org last"
	res := Apply(in, builtinPolicy, ActionRedact, "[X]")
	if res.Text != "first [X] middle [X] last" {
		t.Errorf("got %q", res.Text)
	}
}

func Test_PII_LoadPoliciesFromYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	content := []byte(`
policies:
  strict:
    DEFAULT: REDACT
    EMAIL_ADDRESS: hash
  lenient:
    DEFAULT: allow
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	ps, err := LoadPolicies(path)
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}
	if got := ps.Get("strict").ActionFor("EMAIL_ADDRESS"); got != ActionHash {
		t.Errorf("strict email action: got %s", got)
	}
	if got := ps.Get("lenient").ActionFor("PHONE_NUMBER"); got != ActionAllow {
		t.Errorf("lenient default: got %s", got)
	}
	// Unknown policy name falls back to the built-in.
	if got := ps.Get("missing").ActionFor("ANYTHING"); got != ActionRedact {
		t.Errorf("builtin fallback: got %s", got)
	}
}

func Test_DQ_AllChecksPassOnCleanText(t *testing.T) {
	t.Parallel()
	ok, report := RunDQ(DQInput{Text: "The 2024 revenue grew 12% over the prior year.", Lang: "en"}, DQOptions{LanguageDetect: true})
	if !ok {
		t.Errorf("want all checks passed, report: %v", report)
	}
	checks := report["checks"].(map[string]any)
	if checks["not_empty"] != true {
		t.Error("not_empty should pass")
	}
}

func Test_DQ_EmptyTextFailsNotEmpty(t *testing.T) {
	t.Parallel()
	ok, report := RunDQ(DQInput{Text: "   "}, DQOptions{})
	if ok {
		t.Error("want failure for empty text")
	}
	checks := report["checks"].(map[string]any)
	if checks["not_empty"] != false {
		t.Error("not_empty should fail")
	}
}

func Test_DQ_SkipForcesPass(t *testing.T) {
	t.Parallel()
	ok, report := RunDQ(DQInput{Text: ""}, DQOptions{Skip: []string{"not_empty"}})
	if !ok {
		t.Errorf("skipped check should pass, report: %v", report)
	}
	skipped := report["skipped"].([]string)
	if len(skipped) != 1 || skipped[0] != "not_empty" {
		t.Errorf("skipped list: %v", skipped)
	}
}

func Test_DQ_OCRConfidenceThreshold(t *testing.T) {
	t.Parallel()
	ok, _ := RunDQ(DQInput{Text: "scanned text here padded to length", OCRApplied: true, OCRConfidence: 0.5}, DQOptions{OCRConfMin: 0.6})
	if ok {
		t.Error("low OCR confidence should fail")
	}
	ok, _ = RunDQ(DQInput{Text: "scanned text here padded to length", OCRApplied: true, OCRConfidence: 0.7}, DQOptions{OCRConfMin: 0.6})
	if !ok {
		t.Error("sufficient OCR confidence should pass")
	}
}

func Test_DQ_DetectLanguage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"short", "auto"},
		{"The quick brown fox jumps over the lazy dog.", "en"},
		{"Это предложение написано на русском языке целиком.", "unknown"},
	}
	for _, tt := range tests {
		if got := DetectLanguage(tt.in); got != tt.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
