package excerpt

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
)

// pdfSource reads pages from a PDF text layer.
type pdfSource struct {
	r *pdf.Reader
}

func openPDF(path string) (PageSource, func() error, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return pdfSource{r: r}, f.Close, nil
}

func (s pdfSource) NumPage() int { return s.r.NumPage() }

func (s pdfSource) PageText(n int) (string, error) {
	page := s.r.Page(n)
	if page.V.IsNull() {
		return "", fmt.Errorf("page %d missing", n)
	}
	return page.GetPlainText(nil)
}

// single is a document with one logical page.
type single string

func (s single) NumPage() int { return 1 }

func (s single) PageText(int) (string, error) { return string(s), nil }

// maxHTMLBytes bounds how much of a snapshot is parsed.
const maxHTMLBytes = 32 << 20

// openHTML extracts the main content of a saved web page. Pages where the
// readability pass finds nothing fall back to the whole body text.
func openHTML(path, pageURL string) (PageSource, error) {
	raw, err := readBounded(path, maxHTMLBytes)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(pageURL)
	if err != nil || pageURL == "" {
		base = &url.URL{Scheme: "file", Path: path}
	}

	content := ""
	title := ""
	parser := readability.NewParser()
	if article, err := parser.Parse(bytes.NewReader(raw), base); err == nil {
		content = article.Content
		title = article.Title
	}
	text, err := htmlText(content)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		if text, err = htmlText(string(raw)); err != nil {
			return nil, err
		}
	}
	if title != "" && !strings.HasPrefix(strings.TrimSpace(text), title) {
		text = title + "\n" + text
	}
	return single(text), nil
}

// htmlText returns the visible text of an HTML fragment, one block per line.
func htmlText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, nav, header, footer").Remove()

	var b strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, figcaption").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li").Length() > 0 {
			return
		}
		if t := strings.TrimSpace(s.Text()); t != "" {
			b.WriteString(t)
			b.WriteByte('\n')
		}
	})
	if b.Len() == 0 {
		return doc.Find("body").Text(), nil
	}
	return b.String(), nil
}

// openText reads a plain text file, keeping a little more than maxChars
// runes worth of bytes so truncation can be detected.
func openText(path string, maxChars int) (PageSource, error) {
	raw, err := readBounded(path, int64(maxChars)*4+4)
	if err != nil {
		return nil, err
	}
	return single(bytes.ToValidUTF8(raw, nil)), nil
}

func readBounded(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}
