package ident

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// scanPages is how many leading pages ScanPDF reads; identifiers and
// titles are almost always on the first page.
const scanPages = 3

// PDFInfo is what ScanPDF recovers from a local PDF.
type PDFInfo struct {
	Identifiers
	Title string `json:"title,omitempty"`
	Pages int    `json:"pages"`
}

// ScanPDF reads the first pages of a PDF and returns its identifiers and a
// best-effort title (first substantial line of page 1).
func ScanPDF(path string) (info PDFInfo, err error) {
	defer func() {
		// ledongthuc/pdf panics on some malformed xref tables
		if r := recover(); r != nil {
			err = fmt.Errorf("reading %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return PDFInfo{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info.Pages = r.NumPage()
	maxPages := min(scanPages, info.Pages)

	var texts []string
	for i := 1; i <= maxPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		texts = append(texts, text)
		if i == 1 {
			info.Title = titleFromText(text)
		}
	}

	info.Identifiers = Find(texts...)
	return info, nil
}

// titleFromText returns the first line that looks like a title.
func titleFromText(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) > 20 && !isHeaderLine(line) {
			return line
		}
	}
	return ""
}

// isHeaderLine checks if a line is likely a running header or footer.
func isHeaderLine(line string) bool {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "journal"),
		strings.Contains(lower, "copyright"),
		strings.Contains(lower, "preprint"),
		strings.Contains(lower, "arxiv:"),
		strings.Contains(lower, "volume") && strings.Contains(lower, "issue"),
		strings.Contains(lower, "article") && strings.Contains(lower, "published"):
		return true
	}
	return false
}
