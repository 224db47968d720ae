// Package excerpt extracts a bounded amount of text from a document.
package excerpt

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/paperflow/paperflow/internal/attach"
)

var (
	// ErrExtractionFailed indicates the document could not be read.
	ErrExtractionFailed = errors.New("text extraction failed")

	// ErrNoText indicates the document was readable but held no text,
	// e.g. a scanned PDF without a text layer.
	ErrNoText = fmt.Errorf("%w: no extractable text", ErrExtractionFailed)
)

// Defaults used when a configuration leaves the ceilings unset.
const (
	DefaultMaxPages = 80
	DefaultMaxChars = 80000
)

// Excerpt is a bounded piece of a document's text.
type Excerpt struct {
	Text      string `json:"text"`
	Pages     []int  `json:"pages,omitempty"` // 1-based pages that contributed text
	PageCount int    `json:"page_count"`
	Truncated bool   `json:"truncated"`
	Source    string `json:"source,omitempty"`
}

// Len returns the excerpt length in runes.
func (e Excerpt) Len() int {
	return utf8.RuneCountInString(e.Text)
}

// PageSource yields the text of a paginated document.
type PageSource interface {
	NumPage() int
	PageText(n int) (string, error) // n is 1-based
}

// Extract reads at most maxPages pages and maxChars runes of text from doc.
// Either ceiling being non-positive yields an empty excerpt.
func Extract(doc attach.Document, maxPages, maxChars int) (ex Excerpt, err error) {
	if maxPages <= 0 || maxChars <= 0 {
		return Excerpt{Source: doc.Path}, nil
	}
	if doc.Path == "" {
		return Excerpt{}, fmt.Errorf("%w: %s has no local file", ErrExtractionFailed, doc.AttachmentKey)
	}

	defer func() {
		// PDF and HTML parsers panic on some malformed inputs
		if r := recover(); r != nil {
			ex = Excerpt{}
			err = fmt.Errorf("%w: %s: %v", ErrExtractionFailed, doc.Path, r)
		}
	}()

	var src PageSource
	var closer func() error
	kind := doc.Kind
	if kind == "" {
		kind = attach.KindOf(doc.Path)
	}
	switch kind {
	case attach.KindPDF:
		src, closer, err = openPDF(doc.Path)
	case attach.KindHTML:
		src, err = openHTML(doc.Path, doc.URL)
	default:
		src, err = openText(doc.Path, maxChars)
	}
	if err != nil {
		return Excerpt{}, fmt.Errorf("%w: %s: %v", ErrExtractionFailed, doc.Path, err)
	}
	if closer != nil {
		defer closer()
	}

	ex = FromPages(src, maxPages, maxChars)
	ex.Source = doc.Path
	if ex.Text == "" {
		return ex, fmt.Errorf("%w: %s", ErrNoText, doc.Path)
	}
	return ex, nil
}

// FromPages builds an excerpt from src, reading pages in order and stopping
// as soon as either ceiling is reached. Pages that fail to decode are
// skipped.
func FromPages(src PageSource, maxPages, maxChars int) Excerpt {
	ex := Excerpt{PageCount: src.NumPage()}
	if maxPages <= 0 || maxChars <= 0 {
		return ex
	}

	// Truncated reports a cut by the character ceiling only; stopping at
	// the page ceiling leaves it false.
	last := min(maxPages, ex.PageCount)

	var b strings.Builder
	used := 0
	for n := 1; n <= last; n++ {
		text, err := src.PageText(n)
		if err != nil {
			continue
		}
		text = normalize(text)
		if text == "" {
			continue
		}
		if used > 0 {
			text = "\n\n" + text
		}

		size := utf8.RuneCountInString(text)
		if used+size > maxChars {
			if cut := truncateRunes(text, maxChars-used); strings.TrimSpace(cut) != "" {
				b.WriteString(cut)
				ex.Pages = append(ex.Pages, n)
			}
			ex.Truncated = true
			break
		}
		b.WriteString(text)
		used += size
		ex.Pages = append(ex.Pages, n)
	}

	ex.Text = strings.TrimRightFunc(b.String(), unicode.IsSpace)
	return ex
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// normalize collapses whitespace inside lines and drops blank lines and
// control characters.
func normalize(text string) string {
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r' || r == '\f' || r == '\v':
			return '\n'
		case unicode.IsControl(r) || r == utf8.RuneError:
			return -1
		}
		return r
	}, text)

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
