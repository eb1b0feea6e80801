// Package chunk splits extracted document text into overlapping word
// windows and derives the stable chunk id used for idempotent upserts.
package chunk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

// Strategy controls the window geometry. Callers may override MaxTokens and
// OverlapTokens only; everything else about chunking is fixed.
type Strategy struct {
	// MaxTokens is the window size in whitespace-delimited words.
	MaxTokens int
	// OverlapTokens is the number of words shared by consecutive windows.
	OverlapTokens int
}

// presets maps doc_type to its default window geometry.
var presets = map[string]Strategy{
	"default": {MaxTokens: 700, OverlapTokens: 80},
	"pdf":     {MaxTokens: 900, OverlapTokens: 120},
	"docx":    {MaxTokens: 800, OverlapTokens: 100},
	"txt":     {MaxTokens: 700, OverlapTokens: 80},
	"csv":     {MaxTokens: 400, OverlapTokens: 40},
	"pptx":    {MaxTokens: 500, OverlapTokens: 60},
	"xlsx":    {MaxTokens: 450, OverlapTokens: 50},
	"image":   {MaxTokens: 600, OverlapTokens: 80},
}

// PresetFor returns the chunking strategy for a doc_type, falling back to
// the default preset for unknown types.
func PresetFor(docType string) Strategy {
	if p, ok := presets[strings.ToLower(docType)]; ok {
		return p
	}
	return presets["default"]
}

// Merge applies non-zero overrides onto s and sanitizes the result so the
// window always advances.
func (s Strategy) Merge(maxTokens, overlapTokens int) Strategy {
	out := s
	if maxTokens > 0 {
		out.MaxTokens = maxTokens
	}
	if overlapTokens >= 0 && overlapTokens != 0 {
		out.OverlapTokens = overlapTokens
	}
	if out.MaxTokens < 1 {
		out.MaxTokens = 1
	}
	if out.OverlapTokens >= out.MaxTokens {
		out.OverlapTokens = out.MaxTokens - 1
	}
	if out.OverlapTokens < 0 {
		out.OverlapTokens = 0
	}
	return out
}

// Window is one chunk of text produced by Split.
type Window struct {
	// Index is the zero-based position of the window in the document.
	Index int
	// Start is the word offset of the window within the document text.
	Start int
	// Text is the window content, words joined by single spaces.
	Text string
	// TokenCount is the number of words in the window.
	TokenCount int
}

// Split tokenizes text on whitespace and produces windows of
// s.MaxTokens words with s.OverlapTokens shared between consecutive
// windows. The last window ends exactly at end-of-text. Empty or
// whitespace-only text yields no windows.
func Split(text string, s Strategy) []Window {
	s = s.Merge(0, 0)
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var out []Window
	start := 0
	for {
		end := start + s.MaxTokens
		if end > len(words) {
			end = len(words)
		}
		out = append(out, Window{
			Index:      len(out),
			Start:      start,
			Text:       strings.Join(words[start:end], " "),
			TokenCount: end - start,
		})
		if end == len(words) {
			break
		}
		start = end - s.OverlapTokens
		if start < 0 {
			start = 0
		}
	}
	return out
}

// ID derives the stable chunk id for (docID, index, text). The hash is
// byte-stable so re-ingesting identical content converges on the same rows.
func ID(docID string, index int, text string) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s::%d::%s", docID, index, text)))
	return hex.EncodeToString(h[:])
}
