// Package planner runs the LLM call that decides whether a query needs
// document retrieval and/or risk simulation. The model's strict-JSON reply
// is parsed defensively: any parse or validation failure yields the safe
// default plan rather than an error.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/corvuslabs/conduit-go/internal/llm"
	"github.com/corvuslabs/conduit-go/internal/logging"
	"github.com/corvuslabs/conduit-go/internal/memory"
	"github.com/corvuslabs/conduit-go/internal/risk"
)

// Plan is the planner's decision for one query.
type Plan struct {
	NeedRag    bool      `json:"needRag"`
	NeedRisk   bool      `json:"needRisk"`
	RagQueries []string  `json:"ragQueries"`
	RiskSpec   risk.Spec `json:"riskSpec"`
	Expected   []string  `json:"expected"`
	Confidence float64   `json:"confidence"`
}

// simKeywords force needRisk=true regardless of the model's decision or a
// definitional phrasing.
var simKeywords = []string{
	"monte carlo",
	"simulate",
	"simulation",
	"risk scenario",
	"probability distribution",
	"distribution of outcomes",
	"forecast scenarios",
	"n paths",
	"10 000 paths",
	"10000 paths",
	"simulate downside",
	"simulate upside",
	"simulate volatility",
	"simulate revenue range",
}

var definitionalPattern = regexp.MustCompile(`\b(what\s+is|what's|define|explain)\b`)

const plannerSystem = "You are a planning agent. Using the user's message and conversation context, decide if the assistant should " +
	"consult DOCUMENTS (RAG) and/or QUANTITATIVE SIMULATION (RISK).\n" +
	"Avoid keyword bias and reason about the goal. Return strict JSON:\n" +
	"{\n" +
	"  \"needRag\": boolean,\n" +
	"  \"needRisk\": boolean,\n" +
	"  \"ragQueries\": string[],\n" +
	"  \"riskSpec\": { \"variables\": {...}, \"trials\": number, \"scenarioNotes\": string } | null,\n" +
	"  \"expected\": [\"citations\"|\"probabilities\"|\"charts\"|\"summary\"...],\n" +
	"  \"confidence\": number\n" +
	"}\n" +
	"When the user wants facts/policies/metrics from files, set needRag=true. " +
	"When they need probabilities, Monte Carlo, ROI, or sensitivities, set needRisk=true. " +
	"Otherwise both should be false. Respond with JSON only."

// Planner produces Plans through the model gateway.
type Planner struct {
	gateway *llm.Gateway
}

// New constructs a Planner.
func New(gateway *llm.Gateway) *Planner {
	return &Planner{gateway: gateway}
}

// DefaultPlan is returned when the model reply cannot be parsed.
func DefaultPlan() Plan {
	return Plan{Expected: []string{"summary"}}
}

// ForceRisk reports whether the message contains a simulation keyword.
func ForceRisk(message string) bool {
	lowered := strings.ToLower(message)
	for _, kw := range simKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// LooksDefinitional reports whether the message reads as a definition
// request.
func LooksDefinitional(message string) bool {
	return definitionalPattern.MatchString(strings.ToLower(message))
}

// Plan calls the model and applies the post-processing overrides: clamp
// confidence, drop risk for definitional queries, and force risk on
// simulation keywords.
func (p *Planner) Plan(ctx context.Context, message, shortCtx, longCtx string, recalls []memory.Recall) Plan {
	log := logging.FromContext(ctx)

	resp, err := p.gateway.Complete(ctx, llm.Request{
		System:      plannerSystem,
		Prompt:      contextBlock(message, shortCtx, longCtx, recalls),
		Temperature: 0,
		MaxTokens:   320,
	})
	if err != nil {
		log.Warn("planner: model call failed, using default plan", slog.Any("error", err))
		return DefaultPlan()
	}

	var plan Plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &plan); err != nil {
		log.Warn("planner: JSON parse failed, using default plan", slog.Any("error", err))
		return DefaultPlan()
	}

	if plan.Confidence < 0 {
		plan.Confidence = 0
	}
	if plan.Confidence > 1 {
		plan.Confidence = 1
	}

	forceRisk := ForceRisk(message)
	if !forceRisk && LooksDefinitional(message) {
		plan.NeedRisk = false
	}
	if forceRisk {
		plan.NeedRisk = true
	}
	return plan
}

func contextBlock(message, shortCtx, longCtx string, recalls []memory.Recall) string {
	return fmt.Sprintf(
		"Short-term context:\n%s\n\nLong summary:\n%s\n\nVector recalls:\n%s\n\nUser message:\n%s",
		orNone(shortCtx), orNone(longCtx), renderRecalls(recalls), message,
	)
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func renderRecalls(recalls []memory.Recall) string {
	if len(recalls) == 0 {
		return "None"
	}
	var lines []string
	for i, r := range recalls {
		if i == 5 {
			break
		}
		text := strings.TrimSpace(r.User + " " + r.Assistant)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("(score=%.3f) %s", r.Score, text))
	}
	if len(lines) == 0 {
		return "None"
	}
	return strings.Join(lines, "\n")
}
