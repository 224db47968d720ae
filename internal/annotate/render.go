package annotate

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/paperflow/paperflow/internal/summarize"
	"github.com/paperflow/paperflow/internal/zotero"
)

var (
	md     = goldmark.New(goldmark.WithExtensions(extension.GFM))
	policy = bluemonday.UGCPolicy()
)

// Render turns a summary into note HTML: a header naming the item, model
// and marker, followed by the summary body.
func (w *Writer) Render(item zotero.Item, res summarize.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h1>AI Summary: %s</h1>\n", html.EscapeString(titleOf(item)))

	meta := []string{"Model: " + res.Model}
	if !res.GeneratedAt.IsZero() {
		meta = append(meta, "Generated: "+res.GeneratedAt.Format("2006-01-02"))
	}
	if res.Truncated {
		meta = append(meta, "Excerpt truncated")
	}
	fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(strings.Join(meta, " | ")))
	fmt.Fprintf(&b, "<p><code>%s</code></p>\n", html.EscapeString(w.marker))

	b.WriteString(renderBody(res.Markdown))
	return b.String()
}

// renderBody converts markdown to sanitized HTML, falling back to escaped
// preformatted text.
func renderBody(markdown string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err == nil {
		if body := strings.TrimSpace(policy.Sanitize(buf.String())); body != "" {
			return body
		}
	}
	return preformatted(markdown)
}

func preformatted(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}
