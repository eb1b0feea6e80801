package chunk

import (
	"fmt"
	"strings"
	"testing"
)

func Test_Chunk_EmptyTextYieldsNoWindows(t *testing.T) {
	t.Parallel()
	if got := Split("", PresetFor("txt")); got != nil {
		t.Errorf("empty text: got %d windows, want 0", len(got))
	}
	if got := Split("   \n\t  ", PresetFor("txt")); got != nil {
		t.Errorf("whitespace text: got %d windows, want 0", len(got))
	}
}

func Test_Chunk_ShortTextSingleWindow(t *testing.T) {
	t.Parallel()
	wins := Split("The 2024 revenue grew 12%.", PresetFor("txt"))
	if len(wins) != 1 {
		t.Fatalf("want 1 window, got %d", len(wins))
	}
	if wins[0].TokenCount != 5 {
		t.Errorf("token count: got %d, want 5", wins[0].TokenCount)
	}
	if wins[0].Index != 0 {
		t.Errorf("index: got %d, want 0", wins[0].Index)
	}
}

func Test_Chunk_OverlapCoversEveryWord(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := range 250 {
		fmt.Fprintf(&b, "w%d ", i)
	}
	s := Strategy{MaxTokens: 100, OverlapTokens: 20}
	wins := Split(b.String(), s)

	if len(wins) < 3 {
		t.Fatalf("want at least 3 windows, got %d", len(wins))
	}

	seen := make(map[string]bool)
	for _, w := range wins {
		for _, word := range strings.Fields(w.Text) {
			seen[word] = true
		}
	}
	for i := range 250 {
		if !seen[fmt.Sprintf("w%d", i)] {
			t.Fatalf("word w%d not covered by any window", i)
		}
	}

	// Consecutive windows share exactly OverlapTokens words.
	first := strings.Fields(wins[0].Text)
	second := strings.Fields(wins[1].Text)
	if first[len(first)-20] != second[0] {
		t.Errorf("overlap start mismatch: %s vs %s", first[len(first)-20], second[0])
	}
}

func Test_Chunk_LastWindowEndsAtText(t *testing.T) {
	t.Parallel()
	words := make([]string, 105)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	wins := Split(strings.Join(words, " "), Strategy{MaxTokens: 100, OverlapTokens: 10})
	last := strings.Fields(wins[len(wins)-1].Text)
	if last[len(last)-1] != "w104" {
		t.Errorf("last window does not end at text end: %s", last[len(last)-1])
	}
}

func Test_Chunk_PresetFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		docType     string
		wantMax     int
		wantOverlap int
	}{
		{"pdf", 900, 120},
		{"docx", 800, 100},
		{"csv", 400, 40},
		{"pptx", 500, 60},
		{"xlsx", 450, 50},
		{"image", 600, 80},
		{"txt", 700, 80},
		{"unknown-type", 700, 80},
	}
	for _, tt := range tests {
		p := PresetFor(tt.docType)
		if p.MaxTokens != tt.wantMax || p.OverlapTokens != tt.wantOverlap {
			t.Errorf("PresetFor(%q) = %+v, want {%d %d}", tt.docType, p, tt.wantMax, tt.wantOverlap)
		}
	}
}

func Test_Chunk_MergeSanitizesOverlap(t *testing.T) {
	t.Parallel()
	s := Strategy{MaxTokens: 100, OverlapTokens: 10}.Merge(50, 80)
	if s.OverlapTokens >= s.MaxTokens {
		t.Errorf("overlap %d not clamped below max %d", s.OverlapTokens, s.MaxTokens)
	}
}

func Test_Chunk_IDStable(t *testing.T) {
	t.Parallel()
	a := ID("doc-1", 0, "hello world")
	b := ID("doc-1", 0, "hello world")
	if a != b {
		t.Errorf("id not stable: %s vs %s", a, b)
	}
	if len(a) != 40 {
		t.Errorf("id length: got %d, want 40 hex chars", len(a))
	}
	if ID("doc-1", 1, "hello world") == a {
		t.Error("different index must change the id")
	}
	if ID("doc-2", 0, "hello world") == a {
		t.Error("different doc must change the id")
	}
}
