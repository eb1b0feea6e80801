package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOCR calls an OCR sidecar over plain HTTP. The sidecar accepts a
// base64 document and returns the recognized text.
type HTTPOCR struct {
	baseURL    string
	langs      string
	httpClient *http.Client
}

// NewHTTPOCR constructs the sidecar client. langs is the comma-separated
// language list forwarded to the recognizer.
func NewHTTPOCR(baseURL, langs string) *HTTPOCR {
	return &HTTPOCR{
		baseURL:    baseURL,
		langs:      langs,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type ocrRequest struct {
	Content string `json:"content"`
	Mime    string `json:"mime"`
	Langs   string `json:"langs,omitempty"`
}

type ocrResponse struct {
	Text string `json:"text"`
}

// Recognize submits the document and returns the recognized text.
func (o *HTTPOCR) Recognize(ctx context.Context, data []byte, mime string) (string, error) {
	body, err := json.Marshal(ocrRequest{
		Content: base64.StdEncoding.EncodeToString(data),
		Mime:    mime,
		Langs:   o.langs,
	})
	if err != nil {
		return "", fmt.Errorf("extract: marshal ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/ocr", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("extract: build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extract: ocr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("extract: ocr returned %d: %s", resp.StatusCode, payload)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("extract: decode ocr response: %w", err)
	}
	return out.Text, nil
}
