// Package memory holds per-thread conversational state: a bounded ring of
// recent turns, a periodically refreshed long summary, and a lightweight
// lexical recall over past turns.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// maxTurns bounds the per-thread turn ring.
const maxTurns = 40

// Turn is one user/assistant exchange.
type Turn struct {
	User      string
	Assistant string
}

// Recall is a past turn matched against the current query.
type Recall struct {
	Turn
	Score float64
}

// thread is the state for one conversation.
type thread struct {
	mu          sync.Mutex
	turns       []Turn
	longSummary string
	counter     int
}

// Store keeps thread state in process memory, keyed by thread id.
type Store struct {
	mu      sync.Mutex
	threads map[string]*thread
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{threads: make(map[string]*thread)}
}

func (s *Store) thread(id string) *thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		t = &thread{}
		s.threads[id] = t
	}
	return t
}

// AppendTurn pushes one exchange onto the thread's ring, evicting the
// oldest turn when full.
func (s *Store) AppendTurn(threadID, user, assistant string) {
	t := s.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, Turn{User: user, Assistant: assistant})
	if len(t.turns) > maxTurns {
		t.turns = t.turns[len(t.turns)-maxTurns:]
	}
	t.counter++
}

// RecentWindow returns the newest turns that fit under tokenCap, rendered
// chronologically as "User: …\nAssistant: …" blocks separated by blank
// lines. A positive cap always yields at least one block when any turn
// exists; a cap of zero or less yields the empty string.
func (s *Store) RecentWindow(threadID string, tokenCap int) string {
	if tokenCap <= 0 {
		return ""
	}
	t := s.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.turns) == 0 {
		return ""
	}

	var blocks []string
	used := 0
	for i := len(t.turns) - 1; i >= 0; i-- {
		block := renderTurn(t.turns[i])
		tokens := len(strings.Fields(block))
		if len(blocks) > 0 && used+tokens > tokenCap {
			break
		}
		blocks = append(blocks, block)
		used += tokens
	}

	// blocks were collected newest-first; flip to chronological order.
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return strings.Join(blocks, "\n\n")
}

func renderTurn(t Turn) string {
	return fmt.Sprintf("User: %s\nAssistant: %s", t.User, t.Assistant)
}

// LongSummary returns the stored long summary, empty when none exists.
func (s *Store) LongSummary(threadID string) string {
	t := s.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.longSummary
}

// VectorRecall scores every retained turn by Jaccard overlap between the
// query tokens and the turn's combined text, returning the top k with a
// positive score.
func (s *Store) VectorRecall(threadID, query string, k int) []Recall {
	t := s.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()

	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var recalls []Recall
	for _, turn := range t.turns {
		score := jaccard(queryTokens, tokenSet(turn.User+" "+turn.Assistant))
		if score > 0 {
			recalls = append(recalls, Recall{Turn: turn, Score: score})
		}
	}
	sort.SliceStable(recalls, func(i, j int) bool { return recalls[i].Score > recalls[j].Score })
	if len(recalls) > k {
		recalls = recalls[:k]
	}
	return recalls
}

// MaybeUpdateLongSummary recomputes the long summary every everyN turns,
// truncated to capChars with the newest turns retained. Reports whether the
// summary was updated.
func (s *Store) MaybeUpdateLongSummary(threadID string, everyN, capChars int) bool {
	if everyN <= 0 {
		return false
	}
	t := s.thread(threadID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counter == 0 || t.counter%everyN != 0 {
		return false
	}

	lines := make([]string, 0, len(t.turns))
	for _, turn := range t.turns {
		lines = append(lines, fmt.Sprintf("- %s -> %s", truncate(turn.User, 160), truncate(turn.Assistant, 200)))
	}
	summary := strings.Join(lines, "\n")
	if capChars > 0 && len(summary) > capChars {
		// Keep the newest-aligned tail.
		summary = summary[len(summary)-capChars:]
	}
	t.longSummary = summary
	return true
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
