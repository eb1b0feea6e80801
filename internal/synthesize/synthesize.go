// Package synthesize runs the writer LLM call that turns retrieved
// documents, simulation output, and conversation context into the final
// answer. The model must reply with a strict JSON draft; parsing degrades
// through a salvage path instead of failing the query.
package synthesize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/corvuslabs/conduit-go/internal/budget"
	"github.com/corvuslabs/conduit-go/internal/llm"
	"github.com/corvuslabs/conduit-go/internal/logging"
	"github.com/corvuslabs/conduit-go/internal/memory"
	"github.com/corvuslabs/conduit-go/internal/planner"
	"github.com/corvuslabs/conduit-go/internal/retrieve"
)

// RetryMessage is the fixed user-visible text returned when the writer
// model cannot be reached.
const RetryMessage = "I ran into an issue contacting the generation service. Please retry shortly."

// Citation is one resolved source reference.
type Citation struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Metrics is the writer call's token and cost accounting.
type Metrics struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Draft is the synthesized answer.
type Draft struct {
	Text      string
	Citations []Citation
	Charts    map[string]any
	Metrics   Metrics
	Model     string
}

// ShapeHint is the structure inferred from the user's phrasing.
type ShapeHint struct {
	Kind  string
	Count int
}

var (
	paragraphPattern = regexp.MustCompile(`(\d+)\s+(?:cohesive\s+)?paragraph`)
	bulletPattern    = regexp.MustCompile(`(\d+)\s+(?:key\s+)?bullet`)
	sentencePattern  = regexp.MustCompile(`(\d+)\s+sentence`)
	inlineCitation   = regexp.MustCompile(`\[\^([^\]]+)\]`)
	sentenceSplit    = regexp.MustCompile(`[.!?]`)
	digitPattern     = regexp.MustCompile(`\d`)
)

// InferShape derives the answer structure from the user's message,
// defaulting to two paragraphs.
func InferShape(message string) ShapeHint {
	lowered := strings.ToLower(message)

	if m := paragraphPattern.FindStringSubmatch(lowered); m != nil {
		return ShapeHint{Kind: "paragraphs", Count: atoi(m[1])}
	}
	if m := bulletPattern.FindStringSubmatch(lowered); m != nil {
		return ShapeHint{Kind: "bullets", Count: atoi(m[1])}
	}
	if strings.Contains(lowered, "bullet") || strings.Contains(lowered, "list") {
		return ShapeHint{Kind: "bullets"}
	}
	if m := sentencePattern.FindStringSubmatch(lowered); m != nil {
		return ShapeHint{Kind: "sentences", Count: atoi(m[1])}
	}
	if strings.Contains(lowered, "memo") || strings.Contains(lowered, "short note") {
		return ShapeHint{Kind: "note"}
	}
	if strings.Contains(lowered, "table") {
		return ShapeHint{Kind: "table"}
	}
	if strings.Contains(lowered, "summary") && strings.Contains(lowered, "one") {
		return ShapeHint{Kind: "summary"}
	}
	return ShapeHint{Kind: "paragraphs", Count: 2}
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func shapeInstruction(shape ShapeHint) string {
	switch shape.Kind {
	case "paragraphs":
		if shape.Count > 0 {
			return fmt.Sprintf("Write exactly %d cohesive paragraphs. No headings.", shape.Count)
		}
		return "Write a concise set of paragraphs without headings."
	case "bullets":
		if shape.Count > 0 {
			return fmt.Sprintf("Write exactly %d bullet points.", shape.Count)
		}
		return "Write a focused bulleted list."
	case "sentences":
		if shape.Count > 0 {
			return fmt.Sprintf("Write exactly %d sentences.", shape.Count)
		}
		return "Write short, direct sentences."
	case "note":
		return "Write a tight executive note (3-4 sentences)."
	case "table":
		return "Provide a simple markdown table if information allows; otherwise fall back to tight sentences."
	case "summary":
		return "Write one brief summary paragraph."
	}
	return "Write a clear, structured response that mirrors the user's requested format."
}

// WantsCharts reports whether the user asked for a visualization.
func WantsCharts(message string) bool {
	lowered := strings.ToLower(message)
	for _, kw := range []string{"chart", "graph", "plot", "visual", "visualize", "visualise", "diagram"} {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// FactualClaims counts non-empty sentences that carry a digit or a
// quantitative keyword. Used by the low-evidence guard.
func FactualClaims(text string) int {
	count := 0
	for _, sentence := range sentenceSplit.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		lowered := strings.ToLower(sentence)
		if digitPattern.MatchString(sentence) {
			count++
			continue
		}
		for _, kw := range []string{"percent", "increase", "decrease", "roi", "margin"} {
			if strings.Contains(lowered, kw) {
				count++
				break
			}
		}
	}
	return count
}

// Input is everything the writer call needs.
type Input struct {
	Message string
	// Model is the caller's requested model id; empty means the gateway's
	// configured default.
	Model            string
	Plan             planner.Plan
	ShortCtx         string
	LongCtx          string
	Recalls          []memory.Recall
	Docs             []retrieve.Hit
	Risk             map[string]any
	Disclosure       string
	Shape            ShapeHint
	ForceNoCitations bool
	EvidenceHint     string
	RouterMetadata   map[string]any
	RagTemplate      bool
}

// Synthesizer composes final drafts through the model gateway.
type Synthesizer struct {
	gateway     *llm.Gateway
	docsBaseURL string
}

// New constructs a Synthesizer. docsBaseURL prefixes citation links.
func New(gateway *llm.Gateway, docsBaseURL string) *Synthesizer {
	if docsBaseURL == "" {
		docsBaseURL = "/docs/"
	}
	return &Synthesizer{gateway: gateway, docsBaseURL: docsBaseURL}
}

// draftPayload is the writer model's required reply schema.
type draftPayload struct {
	Text       string          `json:"text"`
	Citations  json.RawMessage `json:"citations"`
	ChartsSpec json.RawMessage `json:"chartsSpec"`
}

// Compose runs the writer call. It never returns an error: model failure
// yields the fixed retry draft, and unparseable output is salvaged.
func (s *Synthesizer) Compose(ctx context.Context, in Input) Draft {
	log := logging.FromContext(ctx)
	lookup := s.buildCitationLookup(in.Docs)

	temperature := 0.35
	if len(in.Docs) > 0 {
		temperature = 0.25
	}
	system := strings.Join(s.instructions(in), "\n")
	prompt := contextBlock(in)
	resp, err := s.gateway.Complete(ctx, llm.Request{
		Model:       in.Model,
		System:      system,
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   640,
	})
	if err != nil {
		log.Error("synthesize: writer call failed", slog.Any("error", err))
		return Draft{Text: userFacingError(err), Citations: []Citation{}}
	}

	metrics := Metrics{TokensIn: resp.TokensIn, TokensOut: resp.TokensOut}
	// Local backends sometimes omit usage; fall back to the estimate.
	if metrics.TokensIn == 0 {
		metrics.TokensIn = budget.EstimatePrompt(system, prompt)
	}
	if metrics.TokensOut == 0 {
		metrics.TokensOut = budget.Estimate(resp.Text)
	}
	metrics.CostUSD = budget.Cost(s.gateway.AllowedModel(), metrics.TokensIn, metrics.TokensOut)
	raw := resp.Text

	parsed, err := extractJSON(raw)
	if err != nil {
		return s.salvage(log, raw, lookup, metrics)
	}

	text := strings.TrimSpace(parsed.Text)
	citations := s.normalizeCitations(parsed.Citations, lookup)
	text = applyClickableCitations(text, citations)

	var charts map[string]any
	if len(parsed.ChartsSpec) > 0 {
		// Non-object chartsSpec values are dropped silently.
		_ = json.Unmarshal(parsed.ChartsSpec, &charts)
	}

	return Draft{
		Text:      text,
		Citations: citations,
		Charts:    charts,
		Metrics:   metrics,
		Model:     s.gateway.AllowedModel(),
	}
}

// userFacingError maps gateway refusals and timeouts to their exact
// user-visible texts; any other failure yields the generic retry message.
func userFacingError(err error) string {
	var notAllowed *llm.ModelNotAllowedError
	if errors.As(err, &notAllowed) {
		return notAllowed.Message()
	}
	var timeout *llm.TimeoutError
	if errors.As(err, &timeout) {
		return timeout.Message()
	}
	return RetryMessage
}

// salvage recovers what it can from a reply that was not valid JSON: the
// trimmed raw text plus any inline [^id] references resolved against the
// retrieved docs.
func (s *Synthesizer) salvage(log *slog.Logger, raw string, lookup map[string]Citation, metrics Metrics) Draft {
	sample := raw
	if len(sample) > 400 {
		sample = sample[:400]
	}
	log.Error("synthesize: draft JSON parse failed, salvaging", slog.String("sample", sample))

	var citations []Citation
	seen := map[string]bool{}
	for _, m := range inlineCitation.FindAllStringSubmatch(raw, -1) {
		id := strings.TrimSpace(m[1])
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		citations = append(citations, s.resolveCitation(id, "", lookup))
	}

	text := strings.TrimSpace(raw)
	if text == "" {
		text = RetryMessage
	}
	text = applyClickableCitations(text, citations)
	if citations == nil {
		citations = []Citation{}
	}
	return Draft{
		Text:      text,
		Citations: citations,
		Metrics:   metrics,
		Model:     s.gateway.AllowedModel(),
	}
}

func (s *Synthesizer) instructions(in Input) []string {
	instructions := []string{
		"You are the final assistant. Use the retrieved DOCUMENTS and/or SIMULATION data plus conversation context.",
		"Follow the user's requested structure exactly, with no extra headings unless explicitly asked.",
		"Respond in a single narrative voice. Never mention planners, helper modes (LLM/RAG/Risk), or retrieval steps.",
		"Do not inject stock sections such as Executive Summary, Key Facts, Why It Matters, or Next Best Actions unless the user or this system instruction explicitly requires them.",
		shapeInstruction(in.Shape),
		"Include concrete numbers, deltas, currency, and dates when available.",
		`Return ONLY valid JSON (no Markdown fences) using this schema: {"text":string,"citations":[{"id":string,"title":string}],"chartsSpec":object|null}.`,
		"Fill the 'text' field with the final answer that follows the requested format; use an empty array for 'citations' when none exist and omit extra keys.",
	}
	if WantsCharts(in.Message) {
		instructions = append(instructions,
			`The user referenced charts/graphs: in addition to the narrative, return a chartsSpec entry that visualises the primary metric (for example revenue by year) using a clear data structure such as {"type":"line","title":"Revenue Growth","data":{"rows":[{"year":2022,"revenue":20500000}]}}.`)
	}
	if len(in.Docs) > 0 && !in.ForceNoCitations {
		instructions = append(instructions,
			"Each factual sentence (>12 words) that quotes numbers/dates/names from DOCUMENTS must include a citation [^docId] immediately after the claim.")
	}
	if in.RagTemplate && len(in.Docs) > 0 {
		instructions = append(instructions,
			"Because DOCUMENTS qualified under the evidence gate, follow this structure exactly:",
			"Executive Summary with up to 5 concise bullet points focused on the user's question.",
			"Evidence Table as a Markdown table with headers 'Source | Date | Key Fact | Score' and at least 3 rows drawn from distinct documents.",
			`Quotes section with 2-3 short quoted lines ("...") that include inline citations plus source and date in parentheses.`,
			"Citations list closing with the cited doc IDs/titles or links.",
		)
		if in.RouterMetadata != nil {
			instructions = append(instructions, fmt.Sprintf(
				"Append one final line that reports router metadata exactly as route=%v, top_k=%v, threshold=%v, doc_count=%v, max_score=%v.",
				metaOr(in.RouterMetadata, "route", "RAG"),
				in.RouterMetadata["top_k"],
				in.RouterMetadata["threshold"],
				in.RouterMetadata["doc_count"],
				in.RouterMetadata["max_score"],
			))
		} else {
			instructions = append(instructions,
				"Append one final line summarizing router metadata as route=<mode>, top_k=<value>, threshold=<value>, doc_count=<value>, max_score=<value>.")
		}
	}
	if in.Risk != nil {
		instructions = append(instructions,
			"When simulations are used, cite only mean, p50, p95, and probability of loss plus one sentence on assumptions. Never dump raw arrays or templates.")
	}
	if in.ForceNoCitations {
		instructions = append(instructions, "Document retrieval was too weak; do NOT fabricate citations.")
	}
	if in.EvidenceHint != "" {
		instructions = append(instructions, "Context note: "+in.EvidenceHint)
	}
	instructions = append(instructions, "Do not repeat this disclosure inside the answer: "+in.Disclosure)
	return instructions
}

func contextBlock(in Input) string {
	return fmt.Sprintf(
		"Short context:\n%s\n\nLong summary:\n%s\n\nVector recalls:\n%s\n\nDocuments:\n%s\n\nSimulation:\n%s\n\nUser message:\n%s",
		orNone(in.ShortCtx),
		orNone(in.LongCtx),
		formatRecalls(in.Recalls),
		formatDocuments(in.Docs),
		formatSimulation(in.Risk),
		in.Message,
	)
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func formatRecalls(recalls []memory.Recall) string {
	if len(recalls) == 0 {
		return "None"
	}
	var lines []string
	for i, r := range recalls {
		if i == 5 {
			break
		}
		text := strings.TrimSpace(r.User + " " + r.Assistant)
		if text != "" {
			lines = append(lines, fmt.Sprintf("(score=%.3f) %s", r.Score, text))
		}
	}
	if len(lines) == 0 {
		return "None"
	}
	return strings.Join(lines, "\n")
}

func formatDocuments(docs []retrieve.Hit) string {
	if len(docs) == 0 {
		return "None"
	}
	var lines []string
	for i, doc := range docs {
		if i == 5 {
			break
		}
		text := strings.TrimSpace(doc.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s\n%s", doc.DocID, docTitle(doc), text))
	}
	if len(lines) == 0 {
		return "None"
	}
	return strings.Join(lines, "\n\n")
}

func docTitle(doc retrieve.Hit) string {
	if title, _ := doc.Metadata["title"].(string); title != "" {
		return title
	}
	if filename, _ := doc.Metadata["filename"].(string); filename != "" {
		return filename
	}
	return doc.DocID
}

func formatSimulation(sim map[string]any) string {
	if sim == nil {
		return "None"
	}
	stats, _ := sim["stats"].(map[string]any)
	metadata, _ := sim["metadata"].(map[string]any)
	n := stats["n"]
	if n == nil {
		n = metadata["n"]
	}
	notes := metadata["scenarioNotes"]
	if notes == nil {
		notes = metadata["notes"]
	}
	if notes == nil {
		notes = ""
	}
	return fmt.Sprintf("Trials: %v\nMean: %v\nP50: %v\nP95: %v\nP(loss): %v\nNotes: %v",
		n, stats["mean"], stats["p50"], stats["p95"], stats["p_loss"], notes)
}

// extractJSON slices the first-to-last brace span out of the reply and
// decodes it, tolerating prose around the JSON object.
func extractJSON(text string) (*draftPayload, error) {
	snippet := strings.TrimSpace(text)
	start := strings.Index(snippet, "{")
	end := strings.LastIndex(snippet, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("synthesize: reply has no JSON block")
	}
	var payload draftPayload
	if err := json.Unmarshal([]byte(snippet[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("synthesize: decode draft: %w", err)
	}
	return &payload, nil
}

func (s *Synthesizer) normalizeCitations(raw json.RawMessage, lookup map[string]Citation) []Citation {
	citations := []Citation{}
	if len(raw) == 0 {
		return citations
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return citations
	}
	for _, item := range items {
		id, _ := item["id"].(string)
		if id == "" {
			id, _ = item["doc_id"].(string)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		title, _ := item["title"].(string)
		if title == "" {
			title, _ = item["name"].(string)
		}
		citations = append(citations, s.resolveCitation(id, strings.TrimSpace(title), lookup))
	}
	return citations
}

func (s *Synthesizer) resolveCitation(id, title string, lookup map[string]Citation) Citation {
	entry, ok := lookup[id]
	if title == "" {
		title = entry.Title
	}
	if title == "" {
		title = id
	}
	urlStr := entry.URL
	if !ok || urlStr == "" {
		urlStr = "doc/" + id
	}
	return Citation{ID: id, Title: title, URL: urlStr}
}

func (s *Synthesizer) buildCitationLookup(docs []retrieve.Hit) map[string]Citation {
	lookup := make(map[string]Citation, len(docs))
	for _, doc := range docs {
		id := strings.TrimSpace(doc.DocID)
		if id == "" {
			continue
		}
		if _, exists := lookup[id]; exists {
			continue
		}
		lookup[id] = Citation{ID: id, Title: docTitle(doc), URL: s.resolveDocURL(id, doc.Metadata)}
	}
	return lookup
}

// resolveDocURL turns a path-like metadata field into a docs-base link.
func (s *Synthesizer) resolveDocURL(id string, metadata map[string]any) string {
	for _, key := range []string{"path", "raw_path", "raw_uri", "rawKey", "raw_key", "object", "object_key"} {
		value, _ := metadata[key].(string)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		separator := "?"
		if strings.Contains(s.docsBaseURL, "?") {
			separator = "&"
		}
		return s.docsBaseURL + separator + "path=" + url.QueryEscape(value)
	}
	return "doc/" + id
}

// applyClickableCitations replaces each [^id] marker with a markdown link.
func applyClickableCitations(text string, citations []Citation) string {
	for _, c := range citations {
		if c.ID == "" {
			continue
		}
		text = strings.ReplaceAll(text, "[^"+c.ID+"]", fmt.Sprintf("[%s](%s)", c.Title, c.URL))
	}
	return text
}

// AcknowledgeLowEvidence rewrites a draft whose citations fell short of its
// factual claims, dropping the citations and prefixing a disclosure.
func AcknowledgeLowEvidence(d Draft) Draft {
	return Draft{
		Text:      "Document search returned insufficient evidence for citations, so the following summary relies on conversation context only:\n\n" + d.Text,
		Citations: []Citation{},
		Charts:    d.Charts,
		Metrics:   d.Metrics,
		Model:     d.Model,
	}
}

func metaOr(m map[string]any, key string, fallback any) any {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return fallback
}
