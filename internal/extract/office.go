package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// DOCX and PPTX are OPC zip containers; the text lives in
// word/document.xml and ppt/slides/slideN.xml respectively.

type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	Paras  []docxPara  `xml:"p"`
	Tables []docxTable `xml:"tbl"`
}

type docxPara struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

// readDOCX extracts paragraph text and tables from word/document.xml.
func readDOCX(data []byte) (Result, error) {
	payload, err := zipEntry(data, "word/document.xml")
	if err != nil {
		return Result{}, err
	}

	var doc docxDocument
	if err := xml.Unmarshal(payload, &doc); err != nil {
		return Result{}, fmt.Errorf("extract: parse docx xml: %w", err)
	}

	var b strings.Builder
	for _, para := range doc.Body.Paras {
		text := paraText(para)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}

	var tables []Table
	for _, tbl := range doc.Body.Tables {
		var rows [][]string
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				var cellText strings.Builder
				for _, p := range cell.Paras {
					if cellText.Len() > 0 {
						cellText.WriteString(" ")
					}
					cellText.WriteString(paraText(p))
				}
				cells = append(cells, strings.TrimSpace(cellText.String()))
			}
			rows = append(rows, cells)
		}
		if len(rows) > 0 {
			tables = append(tables, Table{Rows: rows})
		}
	}

	return Result{Text: b.String(), Tables: tables}, nil
}

func paraText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

type pptxSlide struct {
	Texts []string
}

// readPPTX extracts text runs from each slide, one page per slide, in
// slide-number order.
func readPPTX(data []byte) (Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("extract: open pptx: %w", err)
	}

	var names []string
	byName := map[string]*zip.File{}
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			names = append(names, f.Name)
			byName[f.Name] = f
		}
	}
	// slide2.xml sorts after slide10.xml lexically; pad on numeric suffix.
	sort.Slice(names, func(i, j int) bool {
		return slideNumber(names[i]) < slideNumber(names[j])
	})

	var pages []Page
	var all strings.Builder
	for i, name := range names {
		rc, err := byName[name].Open()
		if err != nil {
			continue
		}
		payload, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		text := strings.TrimSpace(strings.Join(slideTexts(payload), "\n"))
		if text == "" {
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: text})
		if all.Len() > 0 {
			all.WriteString("\n\n")
		}
		all.WriteString(text)
	}

	return Result{Text: all.String(), Pages: pages}, nil
}

func slideNumber(name string) int {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// slideTexts walks the slide XML token stream collecting every a:t run.
func slideTexts(payload []byte) []string {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	var texts []string
	inText := false
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			if t.Name.Local == "t" {
				inText = false
			}
		case xml.CharData:
			if inText {
				if s := strings.TrimSpace(string(t)); s != "" {
					texts = append(texts, s)
				}
			}
		}
	}
	return texts
}

// zipEntry reads a single named entry from a zip archive held in memory.
func zipEntry(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("extract: open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("extract: open %s: %w", name, err)
		}
		defer rc.Close()
		payload, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("extract: read %s: %w", name, err)
		}
		return payload, nil
	}
	return nil, fmt.Errorf("extract: %s not found in archive", name)
}
