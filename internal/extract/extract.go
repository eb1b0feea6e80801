// Package extract turns uploaded bytes into best-effort plain text. Given
// (bytes, filename, mime) it resolves a document type, dispatches to the
// matching reader (PDF, DOCX, PPTX, XLSX, CSV, plain text, JSON, images via
// the OCR sidecar), and fails soft: reader errors are logged and degrade to
// empty text so the ingestion pipeline keeps moving.
package extract

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/corvuslabs/conduit-go/internal/logging"
)

// Page is the extracted text of one page or slide.
type Page struct {
	Number int
	Text   string
}

// Table is one extracted table or sheet.
type Table struct {
	// Name is the sheet name for workbooks, empty otherwise.
	Name string
	// Page is the page the table appeared on, 0 when unknown.
	Page int
	Rows [][]string
}

// Result is the outcome of extraction.
type Result struct {
	Text          string
	DocType       string
	Pages         []Page
	Tables        []Table
	OCRApplied    bool
	OCRConfidence float64
}

// Extractor dispatches by mime/extension. OCR is optional; when nil or
// disabled, image inputs and empty PDFs yield empty text.
type Extractor struct {
	ocr        OCRClient
	ocrEnabled bool
}

// OCRClient recognizes text in an image or scanned document.
type OCRClient interface {
	Recognize(ctx context.Context, data []byte, mime string) (string, error)
}

// New constructs an Extractor. ocr may be nil when OCR is disabled.
func New(ocr OCRClient, ocrEnabled bool) *Extractor {
	return &Extractor{ocr: ocr, ocrEnabled: ocrEnabled && ocr != nil}
}

// mimeTypes maps explicit mime types to doc types. Extension resolution is
// the fallback.
var mimeTypes = map[string]string{
	"application/pdf": "pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "docx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "pptx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "xlsx",
	"text/plain":       "txt",
	"text/markdown":    "txt",
	"text/csv":         "csv",
	"application/json": "json",
	"image/png":        "image",
	"image/jpeg":       "image",
	"image/tiff":       "image",
	"image/bmp":        "image",
	"image/gif":        "image",
}

var extTypes = map[string]string{
	".pdf": "pdf", ".docx": "docx", ".pptx": "pptx", ".xlsx": "xlsx",
	".txt": "txt", ".md": "txt", ".csv": "csv", ".json": "json",
	".png": "image", ".jpg": "image", ".jpeg": "image",
	".tif": "image", ".tiff": "image", ".bmp": "image", ".gif": "image",
}

// DocType resolves the document type from mime first, then extension.
// Unknown inputs resolve to "binary".
func DocType(filename, mime string) string {
	if t, ok := mimeTypes[strings.ToLower(strings.TrimSpace(mime))]; ok {
		return t
	}
	if t, ok := extTypes[strings.ToLower(path.Ext(filename))]; ok {
		return t
	}
	return "binary"
}

// Extract produces the best-effort text for the input. It never returns an
// error: extraction failures log and degrade to an empty Result of the
// resolved doc type.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename, mime string) Result {
	log := logging.FromContext(ctx)
	docType := DocType(filename, mime)

	var res Result
	var err error
	switch docType {
	case "pdf":
		res, err = readPDF(data)
	case "docx":
		res, err = readDOCX(data)
	case "pptx":
		res, err = readPPTX(data)
	case "xlsx":
		res, err = readXLSX(data)
	case "csv":
		res = readCSV(data)
	case "txt", "json":
		res = Result{Text: string(data)}
	case "image":
		res = e.readImage(ctx, data, mime)
	default:
		res = readBinary(data)
	}
	if err != nil {
		log.Warn("extract: reader failed, degrading to empty text",
			slog.String("doc_type", docType),
			slog.String("filename", filename),
			slog.Any("error", err),
		)
		res = Result{}
	}
	res.DocType = docType

	// Scanned PDFs often carry no text layer; fall through to OCR.
	if docType == "pdf" && strings.TrimSpace(res.Text) == "" && e.ocrEnabled {
		text, ocrErr := e.ocr.Recognize(ctx, data, "application/pdf")
		res.OCRApplied = true
		if ocrErr != nil {
			log.Warn("extract: pdf ocr failed", slog.Any("error", ocrErr))
			res.OCRConfidence = 0.0
		} else if strings.TrimSpace(text) != "" {
			res.Text = text
			res.OCRConfidence = 0.7
		} else {
			res.OCRConfidence = 0.0
		}
	}

	return res
}

// readImage always OCRs when enabled; confidence 0.6 for non-empty output.
func (e *Extractor) readImage(ctx context.Context, data []byte, mime string) Result {
	if !e.ocrEnabled {
		return Result{}
	}
	log := logging.FromContext(ctx)
	text, err := e.ocr.Recognize(ctx, data, mime)
	res := Result{OCRApplied: true}
	if err != nil {
		log.Warn("extract: image ocr failed", slog.Any("error", err))
		return res
	}
	if strings.TrimSpace(text) != "" {
		res.Text = text
		res.OCRConfidence = 0.6
	}
	return res
}

// readBinary salvages valid UTF-8 text from unknown inputs; anything with a
// low printable ratio stays empty.
func readBinary(data []byte) Result {
	if !utf8.Valid(data) {
		return Result{}
	}
	s := string(data)
	printable := 0
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			printable++
		}
	}
	if len(s) == 0 || float64(printable)/float64(len(s)) < 0.9 {
		return Result{}
	}
	return Result{Text: s}
}
