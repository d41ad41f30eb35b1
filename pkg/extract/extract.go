// Package extract pulls plain text out of uploaded content for indexing.
// Unsupported types and parse failures yield no text rather than an error;
// indexing is best-effort and must never fail an already-stored upload.
package extract

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// plainTextTypes are consumed as-is.
var plainTextTypes = map[string]struct{}{
	"text/plain":             {},
	"text/csv":               {},
	"text/markdown":          {},
	"text/x-log":             {},
	"application/json":       {},
	"application/xml":        {},
	"text/xml":               {},
	"application/x-yaml":     {},
	"text/yaml":              {},
	"application/javascript": {},
}

// Extractor converts raw content bytes into indexable text.
type Extractor struct{}

func NewExtractor() *Extractor { return &Extractor{} }

// Supported reports whether mimeType has an extraction path at all. Callers
// can skip the blob download for types that would yield nothing.
func (e *Extractor) Supported(mimeType string) bool {
	mt := normalizeMIME(mimeType)
	if _, ok := plainTextTypes[mt]; ok {
		return true
	}
	return mt == "text/html" || mt == "application/pdf"
}

// Extract returns the text content of data, and whether any was produced.
func (e *Extractor) Extract(data []byte, mimeType string) (string, bool) {
	mt := normalizeMIME(mimeType)
	var text string
	switch {
	case mt == "application/pdf":
		text = extractPDF(data)
	case mt == "text/html":
		text = extractHTML(data)
	default:
		if _, ok := plainTextTypes[mt]; !ok {
			return "", false
		}
		text = normalizeText(string(data))
	}
	if text == "" {
		return "", false
	}
	return text, true
}

func normalizeMIME(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func extractPDF(data []byte) string {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ""
	}
	var buf strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		buf.WriteString(text)
		buf.WriteString(" ")
	}
	return normalizeText(buf.String())
}

func extractHTML(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "p" || node.Data == "br" || node.Data == "div" || node.Data == "li") {
			buf.WriteString(" ")
		}
	}
	walk(doc)
	return normalizeText(buf.String())
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}
