package pipeline

import (
	"time"

	"github.com/corvuslabs/conduit-go/internal/chunk"
	"github.com/corvuslabs/conduit-go/internal/extract"
	"github.com/corvuslabs/conduit-go/internal/pii"
	"github.com/corvuslabs/conduit-go/internal/state"
)

// Canonical is the working payload handed from stage to stage. It is built
// once by parse_normalize and enriched along the chain.
type Canonical struct {
	Text          string          `json:"text"`
	Mime          string          `json:"mime"`
	TenantID      string          `json:"tenant_id"`
	DocID         string          `json:"doc_id"`
	IngestID      string          `json:"ingest_id"`
	Lang          string          `json:"lang,omitempty"`
	DocType       string          `json:"doc_type"`
	Owner         string          `json:"owner"`
	IngestedAt    string          `json:"ingested_at"`
	ChunkStrategy *chunk.Strategy `json:"chunk_strategy,omitempty"`
	Metadata      map[string]any  `json:"metadata"`
	Pages         []extract.Page  `json:"pages,omitempty"`
	Tables        []extract.Table `json:"tables,omitempty"`
	OCRApplied    bool            `json:"ocr_applied"`
	OCRConfidence float64         `json:"ocr_confidence"`
	Keyphrases    []string        `json:"keyphrases,omitempty"`
}

// buildCanonical assembles the canonical payload from a manifest and its
// extraction result.
func buildCanonical(m *state.Manifest, res extract.Result, filename string) *Canonical {
	ingestedAt := time.Now().UTC().Format(time.RFC3339)

	owner := m.Uploader
	if owner == "" {
		owner = "system"
	}

	var lang string
	if detected := pii.DetectLanguage(res.Text); detected != "auto" {
		lang = detected
	}

	metadata := map[string]any{
		"tenant_id":   m.TenantID,
		"source":      m.Source,
		"size":        m.Size,
		"labels":      m.Labels,
		"filename":    filename,
		"mime":        m.Mime,
		"doc_type":    res.DocType,
		"uploader":    m.Uploader,
		"checksum":    m.Checksum,
		"ingested_at": ingestedAt,
	}
	if len(res.Pages) > 0 {
		metadata["page_count"] = len(res.Pages)
	}
	if len(res.Tables) > 0 {
		metadata["tables_detected"] = len(res.Tables)
	}
	if res.OCRApplied {
		metadata["ocr"] = map[string]any{
			"enabled":    true,
			"confidence": res.OCRConfidence,
		}
	}
	// Upload-time options ride along so downstream stages see them.
	if opts, ok := m.Metadata["options"]; ok {
		metadata["options"] = opts
	}

	strategy := chunk.PresetFor(res.DocType)
	return &Canonical{
		Text:          res.Text,
		Mime:          m.Mime,
		TenantID:      m.TenantID,
		DocID:         m.IngestID,
		IngestID:      m.IngestID,
		Lang:          lang,
		DocType:       res.DocType,
		Owner:         owner,
		IngestedAt:    ingestedAt,
		ChunkStrategy: &strategy,
		Metadata:      metadata,
		Pages:         res.Pages,
		Tables:        res.Tables,
		OCRApplied:    res.OCRApplied,
		OCRConfidence: res.OCRConfidence,
	}
}

// stageOptions is the pii_dq configuration carried under
// metadata.options.{dq,ingest} on the manifest.
type stageOptions struct {
	Action         string
	Mask           string
	Policy         string
	Skip           []string
	FailOnPII      bool
	ContinueOnWarn bool
}

// parseOptions reads the options block defensively: every field has a
// default and malformed shapes are ignored.
func parseOptions(metadata map[string]any) stageOptions {
	opts := stageOptions{
		Action:         "redact",
		Mask:           "[REDACTED]",
		Policy:         "presidio",
		ContinueOnWarn: true,
	}
	root, _ := metadata["options"].(map[string]any)
	if root == nil {
		return opts
	}

	if dq, ok := root["dq"].(map[string]any); ok {
		if skip, ok := dq["skip"].([]any); ok {
			for _, item := range skip {
				if s, ok := item.(string); ok && s != "" {
					opts.Skip = append(opts.Skip, s)
				}
			}
		}
		if piiCfg, ok := dq["pii"].(map[string]any); ok {
			if s, ok := piiCfg["action"].(string); ok && s != "" {
				opts.Action = s
			}
			if s, ok := piiCfg["mask"].(string); ok && s != "" {
				opts.Mask = s
			}
			if s, ok := piiCfg["policy"].(string); ok && s != "" {
				opts.Policy = s
			}
		}
	}
	if ingest, ok := root["ingest"].(map[string]any); ok {
		if b, ok := ingest["fail_on_pii"].(bool); ok {
			opts.FailOnPII = b
		}
		if b, ok := ingest["continue_on_warn"].(bool); ok {
			opts.ContinueOnWarn = b
		}
	}
	return opts
}
