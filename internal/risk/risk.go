// Package risk wraps the Monte-Carlo simulator behind a signature-keyed
// idempotent cache. Simulation specs arrive from the planner as loose JSON,
// so every numeric field is parsed leniently and defaulted rather than
// rejected; the client reports failures as error codes and never as Go
// errors that would abort a query.
package risk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corvuslabs/conduit-go/internal/config"
	"github.com/corvuslabs/conduit-go/internal/logging"
)

// Error codes carried in Result.Error. These are contractual strings read
// by the orchestrator and surfaced in telemetry.
const (
	ErrHTTP           = "simulation_http_error"
	ErrFailed         = "simulation_failed"
	ErrInvalidPayload = "simulation_invalid_payload"
	ErrSpecMissing    = "risk_spec_missing"
)

// Defaults applied when the planner's spec omits or garbles a field. Sigma
// and trial defaults mirror the simulator's own.
const (
	defaultRevenue     = 1_000_000.0
	defaultMargin      = 0.2
	defaultRevSigma    = 0.06
	defaultMarginSigma = 0.02
	defaultTrials      = 10_000
	minTrials          = 100
)

// Spec is the planner-produced simulation specification.
type Spec map[string]any

// Result is one simulation outcome, cached by signature.
type Result struct {
	Signature string         `json:"signature"`
	Payload   map[string]any `json:"result"`
	Version   string         `json:"version"`
	CacheHit  bool           `json:"cache_hit"`
	Error     string         `json:"error,omitempty"`
}

// Service is the cache plus simulator client. Safe for concurrent use.
type Service struct {
	simURL      string
	dataVersion string
	maxTrials   int
	client      *http.Client

	mu    sync.RWMutex
	cache map[string]map[string]any
}

// NewService constructs a Service from the risk settings.
func NewService(cfg config.RiskSettings, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Service{
		simURL:      strings.TrimRight(cfg.SimURL, "/"),
		dataVersion: cfg.DataVersion,
		maxTrials:   cfg.MaxTrials,
		client:      &http.Client{Timeout: timeout},
		cache:       make(map[string]map[string]any),
	}
}

// DataVersion returns the configured data version used in signatures.
func (s *Service) DataVersion() string { return s.dataVersion }

// Signature computes the hex SHA-256 over the canonical JSON of
// {spec, data_version}. json.Marshal sorts map keys, which makes the
// encoding canonical for the planner's map-shaped specs.
func (s *Service) Signature(spec Spec) (string, error) {
	payload, err := json.Marshal(map[string]any{"spec": spec, "v": s.dataVersion})
	if err != nil {
		return "", fmt.Errorf("risk: marshal signature payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Read returns the cached simulation payload for a signature, if any.
func (s *Service) Read(signature string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.cache[signature]
	return payload, ok
}

// Store caches a simulation payload under its signature.
func (s *Service) Store(signature string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[signature] = payload
}

// cleanNumeric strips everything that cannot appear in a float literal, so
// "$500k" style planner output still parses (the magnitude suffix is lost;
// the digits survive).
var cleanNumeric = regexp.MustCompile(`[^0-9eE.\-+]`)

// parseNumber leniently converts planner JSON values to float64.
func parseNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		cleaned = cleanNumeric.ReplaceAllString(cleaned, "")
		switch cleaned {
		case "", "+", "-", ".", "+.", "-.":
			return 0, false
		}
		f, err := strconv.ParseFloat(cleaned, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func coerceFloat(log *slog.Logger, value any, fallback float64, field string) float64 {
	f, ok := parseNumber(value)
	if !ok {
		if value != nil && value != "" {
			log.Warn("risk: invalid field, using default",
				slog.String("field", field),
				slog.Any("value", value),
				slog.Float64("default", fallback),
			)
		}
		return fallback
	}
	return f
}

// BoundTrials returns a copy of the spec with trials parsed leniently and
// clamped to [100, max_trials].
func (s *Service) BoundTrials(spec Spec) Spec {
	bounded := make(Spec, len(spec)+1)
	for k, v := range spec {
		bounded[k] = v
	}
	trials, ok := parseNumber(spec["trials"])
	if !ok {
		trials = float64(s.maxTrials)
	}
	n := int(trials)
	if n < minTrials {
		n = minTrials
	}
	if n > s.maxTrials {
		n = s.maxTrials
	}
	bounded["trials"] = n
	return bounded
}

// simulationRequest is the simulator's /v1/run payload.
type simulationRequest struct {
	Ticker      string                `json:"ticker"`
	Inputs      simulationInputs      `json:"inputs"`
	Assumptions simulationAssumptions `json:"assumptions"`
	SimRequest  simulationContext     `json:"sim_request"`
}

type simulationInputs struct {
	Revenue         float64 `json:"revenue"`
	OperatingMargin float64 `json:"operating_margin"`
}

type simulationAssumptions struct {
	RevSigma    float64 `json:"rev_sigma"`
	MarginSigma float64 `json:"margin_sigma"`
	N           int     `json:"n"`
}

type simulationContext struct {
	BaseRevenue float64 `json:"base_revenue,omitempty"`
	Currency    string  `json:"currency"`
	RawQuery    string  `json:"raw_query"`
}

// Run maps the spec onto a simulator request and posts it. Failures come
// back as Result.Error codes, never as a non-nil error.
func (s *Service) Run(ctx context.Context, spec Spec) map[string]any {
	log := logging.FromContext(ctx)

	variables, _ := spec["variables"].(map[string]any)
	revenue := coerceFloat(log, variables["revenue"], defaultRevenue, "revenue")
	margin := coerceFloat(log, variables["operatingMargin"], defaultMargin, "operatingMargin")
	revSigma := coerceFloat(log, variables["revSigma"], defaultRevSigma, "revSigma")
	marginSigma := coerceFloat(log, variables["marginSigma"], defaultMarginSigma, "marginSigma")
	trials := int(coerceFloat(log, spec["trials"], defaultTrials, "trials"))

	ticker, _ := variables["ticker"].(string)
	if ticker == "" {
		ticker = "N/A"
	}
	currency, _ := variables["currency"].(string)
	if currency == "" {
		currency = "USD"
	}
	notes, _ := spec["scenarioNotes"].(string)

	request := simulationRequest{
		Ticker: ticker,
		Inputs: simulationInputs{Revenue: revenue, OperatingMargin: margin},
		Assumptions: simulationAssumptions{
			RevSigma:    revSigma,
			MarginSigma: marginSigma,
			N:           trials,
		},
		SimRequest: simulationContext{
			BaseRevenue: revenue,
			Currency:    currency,
			RawQuery:    notes,
		},
	}

	payload, err := json.Marshal(request)
	if err != nil {
		log.Error("risk: marshal simulator request", slog.Any("error", err))
		return map[string]any{"error": ErrFailed, "detail": err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.simURL+"/v1/run", bytes.NewReader(payload))
	if err != nil {
		return map[string]any{"error": ErrFailed, "detail": err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		log.Error("risk: simulator request failed", slog.Any("error", err))
		return map[string]any{"error": ErrHTTP, "detail": err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error("risk: simulator returned error status", slog.Int("status", resp.StatusCode))
		return map[string]any{"error": ErrHTTP, "status_code": resp.StatusCode}
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Error("risk: simulator payload malformed", slog.Any("error", err))
		return map[string]any{"error": ErrInvalidPayload}
	}
	return data
}
