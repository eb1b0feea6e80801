package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corvuslabs/conduit-go/internal/config"
	"github.com/corvuslabs/conduit-go/internal/memory"
	"github.com/corvuslabs/conduit-go/internal/planner"
	"github.com/corvuslabs/conduit-go/internal/retrieve"
	"github.com/corvuslabs/conduit-go/internal/risk"
	"github.com/corvuslabs/conduit-go/internal/search"
	"github.com/corvuslabs/conduit-go/internal/synthesize"
)

type fakePlanner struct {
	plan planner.Plan
}

func (f *fakePlanner) Plan(context.Context, string, string, string, []memory.Recall) planner.Plan {
	return f.plan
}

type fakeRetriever struct {
	mu      sync.Mutex
	hits    []retrieve.Hit
	err     error
	queries []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, _ int) ([]retrieve.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func (f *fakeRetriever) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fakeRisk struct {
	mu      sync.Mutex
	runs    int
	cache   map[string]map[string]any
	payload map[string]any
}

func newFakeRisk(payload map[string]any) *fakeRisk {
	return &fakeRisk{cache: map[string]map[string]any{}, payload: payload}
}

func (f *fakeRisk) DataVersion() string { return "v1" }

func (f *fakeRisk) Signature(spec risk.Spec) (string, error) {
	return fmt.Sprintf("sig:%v", spec), nil
}

func (f *fakeRisk) Read(signature string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.cache[signature]
	return payload, ok
}

func (f *fakeRisk) Store(signature string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[signature] = payload
}

func (f *fakeRisk) BoundTrials(spec risk.Spec) risk.Spec { return spec }

func (f *fakeRisk) Run(context.Context, risk.Spec) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return f.payload
}

type fakeComposer struct {
	mu    sync.Mutex
	draft synthesize.Draft
	calls []synthesize.Input
}

func (f *fakeComposer) Compose(_ context.Context, in synthesize.Input) synthesize.Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	return f.draft
}

func (f *fakeComposer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testSettings() *config.Settings {
	return &config.Settings{
		RAG: config.RAGSettings{
			ScoreThreshold:   0.18,
			MaxContextChunks: 5,
		},
		Memory: config.MemorySettings{
			TokenCap:        1200,
			SummaryEveryN:   6,
			SummaryCapChars: 2000,
		},
		Latency: config.LatencySettings{
			TargetLLMMs:  2500,
			TargetRAGMs:  4000,
			TargetRiskMs: 6000,
		},
		Timeouts: config.TimeoutSettings{
			Retrieval: 5 * time.Second,
			Simulator: 5 * time.Second,
		},
	}
}

// evidenceHit builds a hit long enough to clear the short-chunk filter.
func evidenceHit(docID, title string, score float64) retrieve.Hit {
	return retrieve.Hit{
		Document: search.Document{
			ChunkID: docID + "-c0",
			DocID:   docID,
			Text:    strings.Repeat("evidence body text ", 20),
			Metadata: map[string]any{
				"title": title,
				"path":  "t1/landing/" + docID + "/raw/report.pdf",
			},
		},
		Score: score,
	}
}

func threeGoodDocs() []retrieve.Hit {
	return []retrieve.Hit{
		evidenceHit("doc-1", "Q1 earnings recap", 0.62),
		evidenceHit("doc-2", "Analyst day transcript", 0.44),
		evidenceHit("doc-3", "Services revenue outlook", 0.31),
	}
}

func Test_Orchestrator_RAGRouteWithEvidence(t *testing.T) {
	t.Parallel()
	rt := &fakeRetriever{hits: threeGoodDocs()}
	composer := &fakeComposer{draft: synthesize.Draft{
		Text:      "Summary grounded in the documents.",
		Citations: []synthesize.Citation{{ID: "doc-1", Title: "Q1 earnings recap", URL: "/docs/?path=x"}},
		Metrics:   synthesize.Metrics{TokensIn: 100, TokensOut: 40, CostUSD: 0.001},
		Model:     "gpt-4o-mini",
	}}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRag: true, RagQueries: []string{"apple revenue 2024"}}},
		rt, newFakeRisk(nil), composer, testSettings())

	resp := o.Handle(context.Background(), "T1", "Summarize the 2024 Apple revenue", "", nil)

	if resp.Route != "RAG" {
		t.Fatalf("route: got %s, want RAG (telemetry=%v)", resp.Route, resp.Telemetry)
	}
	ragUsed, _ := resp.Used["rag"].(map[string]any)
	docIDs, _ := ragUsed["docIds"].([]string)
	if len(docIDs) < 1 {
		t.Errorf("used.rag.docIds empty: %v", resp.Used)
	}
	router, _ := resp.Telemetry["router_metadata"].(map[string]any)
	if count, _ := router["doc_count"].(int); count < 3 {
		t.Errorf("router doc_count: got %v", router)
	}
	citations, _ := resp.Meta["citations"].([]map[string]any)
	if len(citations) == 0 || citations[0]["path"] == "" {
		t.Errorf("meta.citations: %v", resp.Meta)
	}
	if used, _ := resp.Telemetry["rag_used"].(bool); !used {
		t.Error("telemetry.rag_used not set")
	}
}

func Test_Orchestrator_InsufficientEvidence(t *testing.T) {
	t.Parallel()
	rt := &fakeRetriever{hits: []retrieve.Hit{
		evidenceHit("doc-1", "Q1 earnings recap", 0.62),
		evidenceHit("doc-2", "Analyst day transcript", 0.44),
	}}
	composer := &fakeComposer{}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRag: true}}, rt, newFakeRisk(nil), composer, testSettings())

	resp := o.Handle(context.Background(), "T1", "Summarize the 2024 Apple revenue", "", nil)

	if resp.Text != insufficientMessage {
		t.Fatalf("text: got %q", resp.Text)
	}
	if len(resp.Citations) != 0 {
		t.Errorf("citations must be empty: %v", resp.Citations)
	}
	if failure, _ := resp.Telemetry["rag_failure"].(string); failure != "LOW_CONFIDENCE" {
		t.Errorf("rag_failure: got %q, want LOW_CONFIDENCE", failure)
	}
	if composer.callCount() != 0 {
		t.Error("composer must not run when the gate fails")
	}
}

func Test_Orchestrator_NoMatchesFailure(t *testing.T) {
	t.Parallel()
	rt := &fakeRetriever{}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRag: true}}, rt, newFakeRisk(nil), &fakeComposer{}, testSettings())

	resp := o.Handle(context.Background(), "T1", "Summarize recent filings", "", nil)
	if failure, _ := resp.Telemetry["rag_failure"].(string); failure != "NO_MATCHES" {
		t.Errorf("rag_failure: got %q, want NO_MATCHES", failure)
	}
}

func Test_Orchestrator_IndexErrorDegrades(t *testing.T) {
	t.Parallel()
	rt := &fakeRetriever{err: errors.New("connection refused")}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRag: true}}, rt, newFakeRisk(nil), &fakeComposer{}, testSettings())

	resp := o.Handle(context.Background(), "T1", "Summarize recent filings", "", nil)
	if resp.Text != insufficientMessage {
		t.Fatalf("text: got %q", resp.Text)
	}
	if failure, _ := resp.Telemetry["rag_failure"].(string); failure != "INDEX_NOT_READY" {
		t.Errorf("rag_failure: got %q, want INDEX_NOT_READY", failure)
	}
}

func Test_Orchestrator_ForceRagKeyword(t *testing.T) {
	t.Parallel()
	rt := &fakeRetriever{}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{}}, rt, newFakeRisk(nil), &fakeComposer{}, testSettings())

	// Planner said no RAG, but "revenue" is a force keyword.
	resp := o.Handle(context.Background(), "T1", "how is their revenue doing", "", nil)
	if len(rt.seen()) == 0 {
		t.Error("force keyword must trigger retrieval")
	}
	if forced, _ := resp.Telemetry["rag_mode_forced"].(bool); !forced {
		t.Errorf("rag_mode_forced: %v", resp.Telemetry["rag_mode_forced"])
	}
}

func Test_Orchestrator_AppleQueryExpansion(t *testing.T) {
	t.Parallel()
	rt := &fakeRetriever{hits: threeGoodDocs()}
	composer := &fakeComposer{draft: synthesize.Draft{Text: "ok."}}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRag: true, RagQueries: []string{"apple services"}}},
		rt, newFakeRisk(nil), composer, testSettings())

	o.Handle(context.Background(), "T1", "What is the latest on Apple?", "", nil)

	var sawAAPL bool
	for _, q := range rt.seen() {
		if q == "AAPL" {
			sawAAPL = true
		}
	}
	if !sawAAPL {
		t.Errorf("Apple expansion terms missing from queries: %v", rt.seen())
	}
}

func Test_Orchestrator_RiskCachedBySignature(t *testing.T) {
	t.Parallel()
	rk := newFakeRisk(map[string]any{"mean": 120000.0, "trials": 10000.0})
	composer := &fakeComposer{draft: synthesize.Draft{Text: "Downside is bounded."}}
	spec := risk.Spec{"variables": map[string]any{"revenue": 500000.0}, "trials": 10000.0}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRisk: true, RiskSpec: spec}},
		&fakeRetriever{}, rk, composer, testSettings())

	first := o.Handle(context.Background(), "T1", "simulate downside of quarterly outcomes", "", nil)
	if first.Route != "RISK" {
		t.Fatalf("route: got %s, want RISK", first.Route)
	}
	if hit, _ := first.Telemetry["risk_cache_hit"].(bool); hit {
		t.Error("first run must be a cache miss")
	}
	if rk.runs != 1 {
		t.Fatalf("simulator runs: got %d, want 1", rk.runs)
	}

	second := o.Handle(context.Background(), "T1", "simulate downside of quarterly outcomes", "", nil)
	if hit, _ := second.Telemetry["risk_cache_hit"].(bool); !hit {
		t.Error("second identical run must hit the cache")
	}
	if rk.runs != 1 {
		t.Errorf("simulator runs after cache hit: got %d, want 1", rk.runs)
	}
}

func Test_Orchestrator_RiskSpecMissing(t *testing.T) {
	t.Parallel()
	rk := newFakeRisk(nil)
	composer := &fakeComposer{draft: synthesize.Draft{Text: "ok."}}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRisk: true}},
		&fakeRetriever{}, rk, composer, testSettings())

	resp := o.Handle(context.Background(), "T1", "what could go wrong", "", nil)

	if resp.Route != "LLM_ONLY" {
		t.Errorf("route: got %s, want LLM_ONLY", resp.Route)
	}
	if errMsg, _ := resp.Telemetry["risk_error"].(string); errMsg != "risk_spec_missing" {
		t.Errorf("risk_error: got %q", errMsg)
	}
	riskMeta, _ := resp.Meta["risk"].(map[string]any)
	if riskMeta["error"] != "risk_spec_missing" {
		t.Errorf("meta.risk: %v", resp.Meta)
	}
	if rk.runs != 0 {
		t.Errorf("simulator must not run without a spec: %d", rk.runs)
	}
}

func Test_Orchestrator_SimulatorErrorDegrades(t *testing.T) {
	t.Parallel()
	rk := newFakeRisk(map[string]any{"error": "simulation_http_error"})
	composer := &fakeComposer{draft: synthesize.Draft{Text: "ok."}}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRisk: true, RiskSpec: risk.Spec{"trials": 100.0}}},
		&fakeRetriever{}, rk, composer, testSettings())

	resp := o.Handle(context.Background(), "T1", "estimate the downside", "", nil)

	if resp.Route != "LLM_ONLY" {
		t.Errorf("route: got %s, want LLM_ONLY when simulation failed", resp.Route)
	}
	riskMeta, _ := resp.Meta["risk"].(map[string]any)
	if riskMeta["error"] != "simulation_http_error" {
		t.Errorf("meta.risk: %v", resp.Meta)
	}
	if composer.callCount() != 1 {
		t.Error("composer must still run without risk")
	}
}

func Test_Orchestrator_LLMOnlyDisclosure(t *testing.T) {
	t.Parallel()
	composer := &fakeComposer{draft: synthesize.Draft{Text: "Just an answer."}}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{}}, &fakeRetriever{}, newFakeRisk(nil), composer, testSettings())

	resp := o.Handle(context.Background(), "T1", "hello there", "", nil)

	if resp.Route != "LLM_ONLY" {
		t.Errorf("route: got %s", resp.Route)
	}
	if disclosure, _ := resp.Telemetry["disclosure"].(string); disclosure != "Answered by LLM (no external evidence used)." {
		t.Errorf("disclosure: got %q", disclosure)
	}
}

func Test_Orchestrator_LowEvidenceGuardRewritesDraft(t *testing.T) {
	t.Parallel()
	rt := &fakeRetriever{hits: threeGoodDocs()}
	composer := &fakeComposer{draft: synthesize.Draft{
		Text:      "Revenue grew 12%. Margin was 30%. Profit rose 5%.",
		Citations: []synthesize.Citation{{ID: "doc-1"}},
	}}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{NeedRag: true}}, rt, newFakeRisk(nil), composer, testSettings())

	resp := o.Handle(context.Background(), "T1", "Summarize company earnings metrics", "", nil)

	if !strings.HasPrefix(resp.Text, "Document search returned insufficient evidence") {
		t.Errorf("low-evidence guard did not rewrite: %q", resp.Text)
	}
	if len(resp.Citations) != 0 {
		t.Errorf("guard must clear citations: %v", resp.Citations)
	}
}

func Test_Orchestrator_ForwardsRequestedModel(t *testing.T) {
	t.Parallel()
	composer := &fakeComposer{draft: synthesize.Draft{Text: "ok"}}
	o := New(memory.NewStore(), &fakePlanner{plan: planner.Plan{}}, &fakeRetriever{}, newFakeRisk(nil), composer, testSettings())

	o.Handle(context.Background(), "T1", "hello", "gpt-4o-mini", nil)

	composer.mu.Lock()
	defer composer.mu.Unlock()
	if len(composer.calls) != 1 || composer.calls[0].Model != "gpt-4o-mini" {
		t.Fatalf("composer input model: %+v", composer.calls)
	}
}

func Test_Orchestrator_AppendsTurnToMemory(t *testing.T) {
	t.Parallel()
	mem := memory.NewStore()
	composer := &fakeComposer{draft: synthesize.Draft{Text: "Noted."}}
	o := New(mem, &fakePlanner{plan: planner.Plan{}}, &fakeRetriever{}, newFakeRisk(nil), composer, testSettings())

	o.Handle(context.Background(), "T1", "remember this preference", "", nil)

	window := mem.RecentWindow("T1", 1000)
	if !strings.Contains(window, "remember this preference") || !strings.Contains(window, "Noted.") {
		t.Errorf("memory window missing turn:\n%s", window)
	}
}

func Test_ExpandQueries(t *testing.T) {
	t.Parallel()
	got := expandQueries([]string{"apple revenue", "Apple Revenue", "", "  "}, "tell me about apple")
	if got[0] != "apple revenue" {
		t.Errorf("first query: %q", got[0])
	}
	dupes := 0
	for _, q := range got {
		if strings.EqualFold(q, "apple revenue") {
			dupes++
		}
	}
	if dupes != 1 {
		t.Errorf("case-insensitive dedupe failed: %v", got)
	}
	var sawExpansion bool
	for _, q := range got {
		if q == "App Store" {
			sawExpansion = true
		}
	}
	if !sawExpansion {
		t.Errorf("apple expansion missing: %v", got)
	}

	if got := expandQueries(nil, "plain message"); len(got) != 1 || got[0] != "plain message" {
		t.Errorf("fallback: %v", got)
	}
}

func Test_DeduplicateHits(t *testing.T) {
	t.Parallel()
	a := evidenceHit("doc-1", "Q1 recap", 0.5)
	a.Metadata["source"] = "Reuters"
	a.Metadata["date"] = "2024-03-01"
	b := evidenceHit("doc-2", "Q1 recap", 0.4)
	b.Metadata["source"] = "reuters"
	b.Metadata["date"] = "2024-03-01T10:00:00Z"
	c := evidenceHit("doc-3", "Different story", 0.3)

	got := deduplicateHits([]retrieve.Hit{a, b, c})
	if len(got) != 2 {
		t.Fatalf("dedupe: got %d hits, want 2", len(got))
	}
	if got[0].DocID != "doc-1" || got[1].DocID != "doc-3" {
		t.Errorf("kept: %s, %s", got[0].DocID, got[1].DocID)
	}
}

func Test_FreshnessBiasPrefersRecentDocs(t *testing.T) {
	t.Parallel()
	older := evidenceHit("doc-old", "2019 report", 0.42)
	older.Metadata["date"] = "2019-06-01"
	newer := evidenceHit("doc-new", "2024 report", 0.40)
	newer.Metadata["date"] = "2024-06-01"

	got := applyFreshnessBias([]retrieve.Hit{older, newer}, true)
	if got[0].DocID != "doc-new" {
		t.Errorf("freshness bias: got %s first", got[0].DocID)
	}
	if got[0].Score != 0.40 {
		t.Errorf("bias must not mutate stored score: %v", got[0].Score)
	}

	got = applyFreshnessBias([]retrieve.Hit{older, newer}, false)
	if got[0].DocID != "doc-old" {
		t.Errorf("without bias, order is by score: got %s first", got[0].DocID)
	}
}

func Test_ParseDocDate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		value string
		ok    bool
	}{
		{"2024-03-01", true},
		{"2024-03-01T10:00:00Z", true},
		{"2024-03-01T10:00:00", true},
		{"yesterday", false},
		{"", false},
	}
	for _, tc := range cases {
		_, ok := parseDocDate(map[string]any{"date": tc.value})
		if ok != tc.ok {
			t.Errorf("parseDocDate(%q): got %v, want %v", tc.value, ok, tc.ok)
		}
	}
}
