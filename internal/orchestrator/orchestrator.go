// Package orchestrator serves the query path: memory context, planning,
// hybrid retrieval behind an evidence gate, cached Monte-Carlo risk, and
// synthesis into the assistant response envelope. The pipeline degrades
// rather than fails: a failed retrieval surfaces INSUFFICIENT EVIDENCE,
// a failed simulation leaves risk absent, and a failed writer call returns
// a fixed retry message.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/corvuslabs/conduit-go/internal/config"
	"github.com/corvuslabs/conduit-go/internal/memory"
	"github.com/corvuslabs/conduit-go/internal/planner"
	"github.com/corvuslabs/conduit-go/internal/retrieve"
	"github.com/corvuslabs/conduit-go/internal/risk"
	"github.com/corvuslabs/conduit-go/internal/synthesize"
)

// Planner produces the helper plan for a message.
type Planner interface {
	Plan(ctx context.Context, message, shortCtx, longCtx string, recalls []memory.Recall) planner.Plan
}

// Retriever runs one hybrid retrieval query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]retrieve.Hit, error)
}

// RiskService is the simulator facade: signature-keyed cache plus the
// bounded simulator call.
type RiskService interface {
	DataVersion() string
	Signature(spec risk.Spec) (string, error)
	Read(signature string) (map[string]any, bool)
	Store(signature string, payload map[string]any)
	BoundTrials(spec risk.Spec) risk.Spec
	Run(ctx context.Context, spec risk.Spec) map[string]any
}

// Composer writes the final draft.
type Composer interface {
	Compose(ctx context.Context, in synthesize.Input) synthesize.Draft
}

// MemoryInfo reports the conversational memory state used for a reply.
type MemoryInfo struct {
	ShortTokens        int  `json:"shortTokens"`
	LongSummaryUpdated bool `json:"longSummaryUpdated"`
}

// Response is the assistant envelope returned to callers.
type Response struct {
	Route     string                `json:"route"`
	Text      string                `json:"text"`
	Used      map[string]any        `json:"used"`
	Citations []synthesize.Citation `json:"citations"`
	Charts    map[string]any        `json:"charts"`
	Memory    MemoryInfo            `json:"memory"`
	Metrics   map[string]any        `json:"metrics"`
	Telemetry map[string]any        `json:"telemetry"`
	Meta      map[string]any        `json:"meta"`
}

// Orchestrator wires the query path together.
type Orchestrator struct {
	memory    *memory.Store
	planner   Planner
	retriever Retriever
	risk      RiskService
	composer  Composer
	cfg       *config.Settings
}

// New constructs an Orchestrator.
func New(mem *memory.Store, pl Planner, rt Retriever, rs RiskService, composer Composer, cfg *config.Settings) *Orchestrator {
	return &Orchestrator{memory: mem, planner: pl, retriever: rt, risk: rs, composer: composer, cfg: cfg}
}

// ragPack is the retrieval outcome that survived the evidence gate.
type ragPack struct {
	docs       []retrieve.Hit
	confidence float64
	latencyMs  float64
	router     map[string]any
}

// ragOutcome is the full retrieval result, gate failures included.
type ragOutcome struct {
	pack      *ragPack
	failure   string
	debug     map[string]any
	router    map[string]any
	rewrites  []string
	topK      int
	freshness bool
	latencyMs float64
	conf      float64
}

// riskPack is the risk helper outcome. result is nil when the simulator
// was skipped or failed.
type riskPack struct {
	signature string
	result    map[string]any
	version   string
	cacheHit  bool
	err       string
	attempted bool
}

func tokenLen(text string) int {
	return len(strings.Fields(text))
}

// Handle runs the query pipeline for one (thread, message) pair. model is
// the caller's requested model id; empty means the configured default, and
// a disallowed id surfaces the gateway's refusal as the answer text.
func (o *Orchestrator) Handle(ctx context.Context, threadID, message, model string, meta map[string]any) Response {
	start := time.Now()

	shortCtx := o.memory.RecentWindow(threadID, o.cfg.Memory.TokenCap)
	longCtx := o.memory.LongSummary(threadID)
	recalls := o.memory.VectorRecall(threadID, message, 5)

	plan := o.planner.Plan(ctx, message, shortCtx, longCtx, recalls)
	shape := synthesize.InferShape(message)

	forceRag := shouldForceRag(message)
	ragRequired := plan.NeedRag || forceRag

	telemetry := map[string]any{
		"plan":            plan,
		"rag_used":        false,
		"risk_used":       false,
		"meta":            meta,
		"rag_required":    ragRequired,
		"rag_mode_forced": forceRag,
	}

	// Retrieval and risk are independent; run them concurrently and join
	// before synthesis.
	var (
		wg  sync.WaitGroup
		rag ragOutcome
		rsk *riskPack
	)
	if ragRequired {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rag = o.runRAG(ctx, plan, message)
		}()
	}
	if plan.NeedRisk {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rsk = o.runRisk(ctx, plan)
		}()
	}
	wg.Wait()

	if ragRequired {
		telemetry["rag_rewrites"] = rag.rewrites
		if rag.router != nil {
			telemetry["router_metadata"] = rag.router
		}
		if rag.failure != "" {
			return o.insufficientResponse(threadID, message, shortCtx, plan, rag, telemetry, start)
		}
	}
	if rsk != nil {
		telemetry["risk_attempted"] = rsk.attempted
		telemetry["risk_used"] = rsk.result != nil
		if rsk.attempted {
			telemetry["risk_cache_hit"] = rsk.cacheHit
			telemetry["risk_signature"] = rsk.signature
			telemetry["risk_version"] = rsk.version
		}
		if rsk.err != "" {
			telemetry["risk_error"] = rsk.err
		}
	}

	disclosure := o.buildDisclosure(rag.pack, rsk)

	var ragDocs []retrieve.Hit
	var router map[string]any
	if rag.pack != nil {
		ragDocs = rag.pack.docs
		router = rag.pack.router
		telemetry["rag_used"] = true
	}

	evidenceHint := ""
	forceNoCitations := false
	if ragRequired && len(ragDocs) == 0 {
		evidenceHint = "Document search did not meet the confidence threshold. Acknowledge uncertainty and rely on conversation memory."
		forceNoCitations = true
	}

	var riskResult map[string]any
	if rsk != nil {
		riskResult = rsk.result
	}

	final := o.composer.Compose(ctx, synthesize.Input{
		Message:          message,
		Model:            model,
		Plan:             plan,
		ShortCtx:         shortCtx,
		LongCtx:          longCtx,
		Recalls:          recalls,
		Docs:             ragDocs,
		Risk:             riskResult,
		Disclosure:       disclosure,
		Shape:            shape,
		ForceNoCitations: forceNoCitations,
		EvidenceHint:     evidenceHint,
		RouterMetadata:   router,
		RagTemplate:      rag.pack != nil,
	})

	if rag.pack != nil && synthesize.FactualClaims(final.Text) > 2 && len(final.Citations) < 2 {
		final = synthesize.AcknowledgeLowEvidence(final)
	}

	o.memory.AppendTurn(threadID, message, final.Text)
	longUpdated := o.memory.MaybeUpdateLongSummary(threadID, o.cfg.Memory.SummaryEveryN, o.cfg.Memory.SummaryCapChars)

	totalMs := elapsedMs(start)
	metrics := map[string]any{
		"tokens_in":  final.Metrics.TokensIn,
		"tokens_out": final.Metrics.TokensOut,
		"cost_usd":   final.Metrics.CostUSD,
		"latency_ms": totalMs,
	}

	docIDs := make([]string, 0, len(final.Citations))
	for _, c := range final.Citations {
		docIDs = append(docIDs, c.ID)
	}
	claims := synthesize.FactualClaims(final.Text)
	if claims < 1 {
		claims = 1
	}
	expectedCitations := claims
	if len(ragDocs) < expectedCitations {
		expectedCitations = len(ragDocs)
	}
	if expectedCitations < 1 {
		expectedCitations = 1
	}
	citationMissRate := 0.0
	if rag.pack != nil {
		citationMissRate = 1.0 - float64(len(final.Citations))/float64(expectedCitations)
		if citationMissRate < 0 {
			citationMissRate = 0
		}
	}

	riskActive := riskResult != nil
	route := "LLM_ONLY"
	switch {
	case rag.pack != nil && riskActive:
		route = "RAG_RISK"
	case rag.pack != nil:
		route = "RAG"
	case riskActive:
		route = "RISK"
	}

	target := o.latencyTarget(rag.pack != nil, riskActive)
	telemetry["docIds"] = docIDs
	telemetry["citation_count"] = len(final.Citations)
	telemetry["citation_miss_rate"] = round3(citationMissRate)
	telemetry["latency_ms"] = totalMs
	telemetry["target_latency_ms"] = target
	telemetry["within_latency_budget"] = totalMs <= float64(target)
	telemetry["tokens_in"] = final.Metrics.TokensIn
	telemetry["tokens_out"] = final.Metrics.TokensOut
	telemetry["cost_usd"] = final.Metrics.CostUSD
	telemetry["memory_short_tokens"] = tokenLen(shortCtx)
	telemetry["long_summary_updated"] = longUpdated
	telemetry["helpUsed"] = map[string]bool{"rag": rag.pack != nil, "risk": riskActive}
	telemetry["disclosure"] = disclosure
	telemetry["rag_latency_ms"] = rag.latencyMs
	telemetry["model"] = final.Model
	telemetry["rag_conf"] = rag.conf
	telemetry["planner_conf"] = plan.Confidence
	telemetry["route"] = route

	metaPayload := map[string]any{}
	if structured := buildCitationMeta(final.Citations, ragDocs); len(structured) > 0 {
		metaPayload["citations"] = structured
	}
	if rsk != nil && rsk.err != "" {
		metaPayload["risk"] = map[string]any{"error": rsk.err}
	}

	return Response{
		Route:     route,
		Text:      final.Text,
		Used:      buildUsed(plan, rag.pack, rsk, rag.debug),
		Citations: final.Citations,
		Charts:    final.Charts,
		Memory:    MemoryInfo{ShortTokens: tokenLen(shortCtx), LongSummaryUpdated: longUpdated},
		Metrics:   metrics,
		Telemetry: telemetry,
		Meta:      metaPayload,
	}
}

// runRAG executes query expansion, per-query retrieval, filtering, and the
// evidence gate.
func (o *Orchestrator) runRAG(ctx context.Context, plan planner.Plan, message string) ragOutcome {
	topK := 10
	if isShortQuery(message) {
		topK = 12
	}
	base := plan.RagQueries
	if len(base) == 0 {
		base = []string{message}
	}
	out := ragOutcome{
		rewrites:  expandQueries(base, message),
		topK:      topK,
		freshness: needsFreshResults(message),
	}

	retrievalStart := time.Now()
	rctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Retrieval)
	defer cancel()

	var hits []retrieve.Hit
	for _, query := range out.rewrites {
		queryHits, err := o.retriever.Retrieve(rctx, query, topK)
		if err != nil {
			out.failure = "INDEX_NOT_READY"
			out.debug = map[string]any{"error": err.Error()}
			out.latencyMs = elapsedMs(retrievalStart)
			out.router = o.routerMetadata(topK, 0, 0, 0, out.freshness)
			return out
		}
		hits = append(hits, queryHits...)
	}
	out.latencyMs = elapsedMs(retrievalStart)

	filtered := filterShortChunks(hits)
	rerankK := topK
	if o.cfg.RAG.MaxContextChunks > rerankK {
		rerankK = o.cfg.RAG.MaxContextChunks
	}
	ranked := rankByScore(filtered, rerankK)
	ranked = applyFreshnessBias(ranked, out.freshness)
	deduped := deduplicateHits(ranked)

	out.conf = retrieve.Confidence(deduped)
	maxScore := 0.0
	for _, h := range deduped {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}

	seen := make(map[string]bool)
	docCount := 0
	for _, h := range deduped {
		if h.Score < o.cfg.RAG.ScoreThreshold {
			continue
		}
		if id := docIdentifier(h); id != "" && !seen[id] {
			seen[id] = true
			docCount++
		}
	}

	out.router = o.routerMetadata(topK, docCount, len(deduped), maxScore, out.freshness)

	if docCount < minDistinctSources {
		if len(deduped) == 0 {
			out.failure = "NO_MATCHES"
		} else {
			out.failure = "LOW_CONFIDENCE"
		}
		topScores := make([]float64, 0, 3)
		topTitles := make([]string, 0, 3)
		for i, h := range deduped {
			if i == 3 {
				break
			}
			topScores = append(topScores, round3(h.Score))
			topTitles = append(topTitles, describeTitle(h))
		}
		out.debug = map[string]any{
			"top_scores":         topScores,
			"matched_titles":     topTitles,
			"corpus_status_hint": out.failure,
		}
		return out
	}

	docs := deduped
	if len(docs) > o.cfg.RAG.MaxContextChunks {
		docs = docs[:o.cfg.RAG.MaxContextChunks]
	}
	out.pack = &ragPack{
		docs:       docs,
		confidence: out.conf,
		latencyMs:  out.latencyMs,
		router:     out.router,
	}
	return out
}

func (o *Orchestrator) routerMetadata(topK, docCount, docTotal int, maxScore float64, freshness bool) map[string]any {
	return map[string]any{
		"route":          "RAG",
		"top_k":          topK,
		"threshold":      o.cfg.RAG.ScoreThreshold,
		"doc_count":      docCount,
		"doc_total":      docTotal,
		"max_score":      round3(maxScore),
		"freshness_bias": freshness,
	}
}

// runRisk executes the signature-cached simulation path. It never returns
// nil once plan.NeedRisk is set.
func (o *Orchestrator) runRisk(ctx context.Context, plan planner.Plan) *riskPack {
	version := o.risk.DataVersion()
	if len(plan.RiskSpec) == 0 {
		return &riskPack{version: version, err: "risk_spec_missing"}
	}

	signature, err := o.risk.Signature(plan.RiskSpec)
	if err != nil {
		return &riskPack{version: version, attempted: true, err: "simulation_failed"}
	}

	pack := &riskPack{signature: signature, version: version, attempted: true}
	if cached, ok := o.risk.Read(signature); ok {
		pack.result = cached
		pack.cacheHit = true
		return pack
	}

	bounded := o.risk.BoundTrials(plan.RiskSpec)
	sctx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Simulator)
	defer cancel()
	payload := o.risk.Run(sctx, bounded)
	if errMsg, _ := payload["error"].(string); errMsg != "" {
		pack.err = errMsg
		return pack
	}
	pack.result = payload
	o.risk.Store(signature, payload)
	return pack
}

// buildDisclosure assembles the user-visible provenance line.
func (o *Orchestrator) buildDisclosure(pack *ragPack, rsk *riskPack) string {
	if pack == nil && rsk == nil {
		return "Answered by LLM (no external evidence used)."
	}
	docsUsed := 0
	if pack != nil {
		docsUsed = len(pack.docs)
	}
	simPhrase := "Simulation (not used)"
	if rsk != nil && rsk.result != nil {
		version := rsk.version
		if version == "" {
			version = o.risk.DataVersion()
		}
		simPhrase = "Simulation v" + version
	}
	return fmt.Sprintf("Answered by LLM with help from: Documents (%d) · %s", docsUsed, simPhrase)
}

func (o *Orchestrator) latencyTarget(ragUsed, riskUsed bool) int {
	switch {
	case riskUsed:
		return o.cfg.Latency.TargetRiskMs
	case ragUsed:
		return o.cfg.Latency.TargetRAGMs
	default:
		return o.cfg.Latency.TargetLLMMs
	}
}

// buildUsed summarizes helper usage for the envelope.
func buildUsed(plan planner.Plan, pack *ragPack, rsk *riskPack, ragDebug map[string]any) map[string]any {
	used := map[string]any{}
	if pack != nil {
		docIDs := make([]string, 0, len(pack.docs))
		for _, doc := range pack.docs {
			if id := docIdentifier(doc); id != "" {
				docIDs = append(docIDs, id)
			}
		}
		entry := map[string]any{"docIds": docIDs, "confidence": pack.confidence}
		if pack.router != nil {
			entry["router"] = pack.router
		}
		used["rag"] = entry
	} else if ragDebug != nil {
		used["rag"] = map[string]any{"docIds": []string{}, "confidence": 0.0, "debug": ragDebug}
	}
	if rsk != nil && rsk.attempted {
		entry := map[string]any{
			"signature": rsk.signature,
			"version":   rsk.version,
			"vars":      riskVars(plan),
		}
		if rsk.err != "" {
			entry["error"] = rsk.err
		}
		used["risk"] = entry
	}
	return used
}

func riskVars(plan planner.Plan) map[string]any {
	if vars, ok := plan.RiskSpec["variables"].(map[string]any); ok {
		return vars
	}
	return map[string]any{}
}

// buildCitationMeta emits the structured per-source citation records. Falls
// back to the retrieved docs when the writer omitted citations.
func buildCitationMeta(citations []synthesize.Citation, docs []retrieve.Hit) []map[string]any {
	if len(docs) == 0 {
		return nil
	}
	lookup := make(map[string]retrieve.Hit)
	order := make([]string, 0, len(docs))
	for _, doc := range docs {
		id := docIdentifier(doc)
		if id == "" {
			continue
		}
		if _, ok := lookup[id]; ok {
			continue
		}
		lookup[id] = doc
		order = append(order, id)
	}

	entry := func(id string, doc retrieve.Hit) (map[string]any, bool) {
		path := resolveMetaPath(doc.Metadata)
		if path == "" {
			return nil, false
		}
		e := map[string]any{
			"id":        id,
			"file_name": resolveMetaFileName(doc.Metadata, id),
			"path":      path,
		}
		if doc.Score != 0 {
			e["score"] = round3(doc.Score)
		}
		return e, true
	}

	var entries []map[string]any
	seen := make(map[string]bool)
	for _, citation := range citations {
		id := strings.TrimSpace(citation.ID)
		doc, ok := lookup[id]
		if id == "" || seen[id] || !ok {
			continue
		}
		if e, ok := entry(id, doc); ok {
			entries = append(entries, e)
			seen[id] = true
		}
	}
	if len(entries) > 0 {
		return entries
	}
	for _, id := range order {
		if seen[id] {
			continue
		}
		if e, ok := entry(id, lookup[id]); ok {
			entries = append(entries, e)
			seen[id] = true
		}
	}
	return entries
}

// insufficientResponse is the fixed envelope for a failed evidence gate.
func (o *Orchestrator) insufficientResponse(threadID, message, shortCtx string, plan planner.Plan, rag ragOutcome, telemetry map[string]any, start time.Time) Response {
	o.memory.AppendTurn(threadID, message, insufficientMessage)
	longUpdated := o.memory.MaybeUpdateLongSummary(threadID, o.cfg.Memory.SummaryEveryN, o.cfg.Memory.SummaryCapChars)

	totalMs := elapsedMs(start)
	target := o.cfg.Latency.TargetRAGMs
	debug := rag.debug
	if debug == nil {
		debug = map[string]any{}
	}
	telemetry["rag_failure"] = rag.failure
	telemetry["rag_debug"] = debug
	telemetry["rag_latency_ms"] = rag.latencyMs
	telemetry["rag_conf"] = rag.conf
	telemetry["disclosure"] = "Retrieval confidence gate failed before synthesis."
	telemetry["helpUsed"] = map[string]bool{"rag": false, "risk": false}
	telemetry["target_latency_ms"] = target
	telemetry["within_latency_budget"] = totalMs <= float64(target)
	telemetry["latency_ms"] = totalMs
	telemetry["docIds"] = []string{}
	telemetry["citation_count"] = 0
	telemetry["citation_miss_rate"] = 1.0
	telemetry["memory_short_tokens"] = tokenLen(shortCtx)

	return Response{
		Route:     "RAG",
		Text:      insufficientMessage,
		Used:      buildUsed(plan, nil, nil, rag.debug),
		Citations: []synthesize.Citation{},
		Memory:    MemoryInfo{ShortTokens: tokenLen(shortCtx), LongSummaryUpdated: longUpdated},
		Metrics: map[string]any{
			"tokens_in":  0,
			"tokens_out": 0,
			"cost_usd":   0.0,
			"latency_ms": totalMs,
		},
		Telemetry: telemetry,
		Meta:      map[string]any{},
	}
}

func elapsedMs(start time.Time) float64 {
	return math.Round(float64(time.Since(start).Microseconds())/100) / 10
}
