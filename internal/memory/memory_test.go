package memory

import (
	"fmt"
	"strings"
	"testing"
)

func Test_Memory_RingEvictsOldestTurn(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for i := 0; i < maxTurns+5; i++ {
		s.AppendTurn("t1", fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i))
	}

	window := s.RecentWindow("t1", 1<<20)
	if strings.Contains(window, "question 0") {
		t.Error("oldest turn survived eviction")
	}
	if !strings.Contains(window, fmt.Sprintf("question %d", maxTurns+4)) {
		t.Error("newest turn missing from window")
	}
	blocks := strings.Split(window, "\n\n")
	if len(blocks) != maxTurns {
		t.Errorf("retained turns: got %d, want %d", len(blocks), maxTurns)
	}
}

func Test_Memory_RecentWindowRespectsTokenCap(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.AppendTurn("t1", "first question here", "first answer here")
	s.AppendTurn("t1", "second question here", "second answer here")
	s.AppendTurn("t1", "third question here", "third answer here")

	// Cap fits roughly one block (8 tokens each).
	window := s.RecentWindow("t1", 10)
	if !strings.Contains(window, "third question") {
		t.Error("newest turn missing")
	}
	if strings.Contains(window, "first question") {
		t.Error("window exceeded token cap")
	}
}

func Test_Memory_RecentWindowAlwaysReturnsOneBlock(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.AppendTurn("t1", "a very long user message with many tokens inside it", "a very long assistant reply")

	// A tiny positive cap still yields the newest block.
	window := s.RecentWindow("t1", 1)
	if window == "" {
		t.Fatal("window empty despite existing turn")
	}
	if !strings.HasPrefix(window, "User: ") {
		t.Errorf("block format: %q", window)
	}

	if w := s.RecentWindow("t1", 0); w != "" {
		t.Errorf("zero cap must return empty window, got %q", w)
	}
}

func Test_Memory_RecentWindowChronologicalOrder(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.AppendTurn("t1", "older", "reply one")
	s.AppendTurn("t1", "newer", "reply two")

	window := s.RecentWindow("t1", 1<<20)
	if strings.Index(window, "older") > strings.Index(window, "newer") {
		t.Errorf("blocks not chronological:\n%s", window)
	}
}

func Test_Memory_EmptyThread(t *testing.T) {
	t.Parallel()
	s := NewStore()
	if w := s.RecentWindow("missing", 100); w != "" {
		t.Errorf("window for empty thread: %q", w)
	}
	if sum := s.LongSummary("missing"); sum != "" {
		t.Errorf("summary for empty thread: %q", sum)
	}
	if rec := s.VectorRecall("missing", "query", 5); rec != nil {
		t.Errorf("recalls for empty thread: %v", rec)
	}
}

func Test_Memory_VectorRecallRanksByOverlap(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.AppendTurn("t1", "apple quarterly revenue growth", "revenue grew")
	s.AppendTurn("t1", "weather in berlin", "it rained")
	s.AppendTurn("t1", "apple revenue", "see filings")

	recalls := s.VectorRecall("t1", "apple revenue", 5)
	if len(recalls) != 2 {
		t.Fatalf("recalls: got %d, want 2 (zero-score turn excluded)", len(recalls))
	}
	if recalls[0].User != "apple revenue" {
		t.Errorf("top recall: %q", recalls[0].User)
	}
	if recalls[0].Score <= recalls[1].Score {
		t.Errorf("scores not descending: %v then %v", recalls[0].Score, recalls[1].Score)
	}
}

func Test_Memory_VectorRecallLimitsToK(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for i := 0; i < 6; i++ {
		s.AppendTurn("t1", "shared keyword", fmt.Sprintf("answer %d", i))
	}
	recalls := s.VectorRecall("t1", "shared keyword", 3)
	if len(recalls) != 3 {
		t.Errorf("recalls: got %d, want 3", len(recalls))
	}
}

func Test_Memory_LongSummaryUpdatesEveryN(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.AppendTurn("t1", "q1", "a1")
	if s.MaybeUpdateLongSummary("t1", 2, 2000) {
		t.Error("summary updated before interval")
	}
	s.AppendTurn("t1", "q2", "a2")
	if !s.MaybeUpdateLongSummary("t1", 2, 2000) {
		t.Fatal("summary not updated at interval")
	}

	sum := s.LongSummary("t1")
	if !strings.Contains(sum, "- q1 -> a1") || !strings.Contains(sum, "- q2 -> a2") {
		t.Errorf("summary content:\n%s", sum)
	}
}

func Test_Memory_LongSummaryKeepsNewestTail(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.AppendTurn("t1", strings.Repeat("old ", 50), "first")
	s.AppendTurn("t1", "newest question", "newest answer")
	if !s.MaybeUpdateLongSummary("t1", 2, 60) {
		t.Fatal("summary not updated")
	}

	sum := s.LongSummary("t1")
	if len(sum) > 60 {
		t.Errorf("summary length: got %d, want <= 60", len(sum))
	}
	if !strings.Contains(sum, "newest answer") {
		t.Errorf("truncation dropped newest turn:\n%s", sum)
	}
}

func Test_Memory_ThreadsAreIsolated(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.AppendTurn("a", "alpha question", "alpha answer")
	s.AppendTurn("b", "beta question", "beta answer")

	if w := s.RecentWindow("a", 1000); strings.Contains(w, "beta") {
		t.Error("thread a sees thread b's turns")
	}
}
