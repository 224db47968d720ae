package readinglist

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/paperflow/paperflow/internal/reference"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Options controls which parts of a reading list are parsed.
type Options struct {
	// HeadingLevels lists the heading levels that open a category. Default: [2].
	HeadingLevels []int
	// Categories restricts parsing to headings containing one of these names
	// (case-insensitive). The matching name becomes the record category.
	// Empty means every heading is a category, named by its text.
	Categories []string
}

// EntryError describes an entry that could not be parsed.
type EntryError struct {
	Line int
	Raw  string
	Err  error
}

func (e EntryError) Error() string {
	return fmt.Sprintf("line %d: %v: %q", e.Line, e.Err, e.Raw)
}

func (e EntryError) Unwrap() error {
	return e.Err
}

// Result holds the records of a reading list and the entries that were skipped.
type Result struct {
	Records []reference.Record
	Errors  []EntryError
}

// Parse walks the headings and bullets of a markdown reading list.
// Malformed entries are collected in Result.Errors and parsing continues.
func Parse(markdown string, opts Options) (Result, error) {
	levels := opts.HeadingLevels
	if len(levels) == 0 {
		levels = []int{2}
	}
	levelSet := make(map[int]bool, len(levels))
	for _, l := range levels {
		if l < 1 || l > 6 {
			return Result{}, fmt.Errorf("invalid heading level %d", l)
		}
		levelSet[l] = true
	}

	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	var res Result
	category := ""
	active := len(opts.Categories) == 0

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if !levelSet[node.Level] {
				return ast.WalkSkipChildren, nil
			}
			name := cleanText(plainText(node, src))
			if len(opts.Categories) == 0 {
				category, active = name, true
			} else {
				category, active = matchCategory(name, opts.Categories)
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if active {
				parseItem(node, src, category, &res)
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("walking reading list: %w", err)
	}
	return res, nil
}

func matchCategory(heading string, categories []string) (string, bool) {
	lower := strings.ToLower(heading)
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c != "" && strings.Contains(lower, strings.ToLower(c)) {
			return c, true
		}
	}
	return "", false
}

func parseItem(item ast.Node, src []byte, category string, res *Result) {
	spans := collectSpans(item, src)
	if hasNestedList(item) && !hasUsableLink(spans) {
		// Grouping bullet such as "- **Manipulation**" over a nested list.
		return
	}

	raw, line := itemSource(item, src)
	rec, err := recordFromSpans(spans)
	if errors.Is(err, errAnchorsOnly) {
		return
	}
	if err != nil {
		res.Errors = append(res.Errors, EntryError{Line: line, Raw: raw, Err: err})
		return
	}
	rec.Category = category
	rec.Key = reference.IdentityKey(rec)
	res.Records = append(res.Records, rec)
}

func hasNestedList(item ast.Node) bool {
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Kind() == ast.KindList {
			return true
		}
	}
	return false
}

func hasUsableLink(spans []span) bool {
	for _, s := range spans {
		if s.usableLink() {
			return true
		}
	}
	return false
}

// itemSource returns the source text of an item's own blocks and its 1-based line.
func itemSource(item ast.Node, src []byte) (string, int) {
	start, stop := -1, -1
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Kind() == ast.KindList || c.Type() != ast.TypeBlock {
			continue
		}
		lines := c.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			if start < 0 || seg.Start < start {
				start = seg.Start
			}
			if seg.Stop > stop {
				stop = seg.Stop
			}
		}
	}
	if start < 0 {
		return "", 0
	}
	return strings.TrimSpace(string(src[start:stop])), bytes.Count(src[:start], []byte("\n")) + 1
}

// inlineSpans parses a standalone entry and returns the runs of its first
// list item, or of the whole text when it is not a list.
func inlineSpans(src []byte) ([]span, bool) {
	doc := md.Parser().Parse(text.NewReader(src))
	var item ast.Node
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindListItem {
			item = n
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	if item == nil {
		item = doc
	}
	spans := collectSpans(item, src)
	return spans, len(spans) > 0
}

// collectSpans flattens the non-list blocks of an item into inline runs.
func collectSpans(item ast.Node, src []byte) []span {
	c := &collector{src: src, htmlLink: -1}
	for child := item.FirstChild(); child != nil; child = child.NextSibling() {
		if child.Kind() == ast.KindList {
			continue
		}
		_ = ast.Walk(child, c.walk)
		c.text(" ")
	}
	if c.htmlLink >= 0 {
		c.closeHTMLLink()
	}
	return c.spans
}

type collector struct {
	src      []byte
	spans    []span
	bold     int
	htmlLink int
}

func (c *collector) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Link:
		if !entering {
			return ast.WalkContinue, nil
		}
		dest := string(node.Destination)
		c.spans = append(c.spans, span{
			kind:   spanLink,
			text:   plainText(node, c.src),
			url:    dest,
			badge:  hasImage(node, c.src) || isBadgeURL(dest),
			anchor: strings.HasPrefix(dest, "#"),
		})
		return ast.WalkSkipChildren, nil
	case *ast.AutoLink:
		if entering {
			u := string(node.URL(c.src))
			c.spans = append(c.spans, span{kind: spanLink, text: u, url: u, badge: isBadgeURL(u)})
		}
		return ast.WalkSkipChildren, nil
	case *ast.Image:
		return ast.WalkSkipChildren, nil
	case *ast.Emphasis:
		if node.Level < 2 {
			return ast.WalkContinue, nil
		}
		if entering {
			c.spans = append(c.spans, span{kind: spanBold, text: plainText(node, c.src)})
			c.bold++
		} else {
			c.bold--
		}
	case *ast.RawHTML:
		if entering {
			c.rawHTML(node)
		}
	case *ast.Text:
		if entering {
			c.text(string(node.Segment.Value(c.src)))
			if node.SoftLineBreak() || node.HardLineBreak() {
				c.text(" ")
			}
		}
	case *ast.String:
		if entering {
			c.text(string(node.Value))
		}
	}
	return ast.WalkContinue, nil
}

func (c *collector) text(s string) {
	if c.htmlLink >= 0 {
		c.spans[c.htmlLink].text += s
		return
	}
	if c.bold > 0 {
		return
	}
	if n := len(c.spans); n > 0 && c.spans[n-1].kind == spanText {
		c.spans[n-1].text += s
		return
	}
	c.spans = append(c.spans, span{kind: spanText, text: s})
}

// rawHTML turns inline <a href> anchors into links; other tags are noise.
func (c *collector) rawHTML(node *ast.RawHTML) {
	var b strings.Builder
	for i := 0; i < node.Segments.Len(); i++ {
		seg := node.Segments.At(i)
		b.Write(seg.Value(c.src))
	}
	tag := strings.TrimSpace(b.String())
	lower := strings.ToLower(tag)

	switch {
	case strings.HasPrefix(lower, "<a ") || lower == "<a>":
		if c.htmlLink >= 0 {
			c.closeHTMLLink()
		}
		c.spans = append(c.spans, span{kind: spanLink, url: anchorHref(tag)})
		c.htmlLink = len(c.spans) - 1
	case strings.HasPrefix(lower, "</a"):
		if c.htmlLink >= 0 {
			c.closeHTMLLink()
		}
	case strings.HasPrefix(lower, "<img"):
		if c.htmlLink >= 0 {
			c.spans[c.htmlLink].badge = true
		}
	}
}

func (c *collector) closeHTMLLink() {
	s := &c.spans[c.htmlLink]
	s.anchor = strings.HasPrefix(s.url, "#")
	s.badge = s.badge || isBadgeURL(s.url)
	c.htmlLink = -1
}

func anchorHref(tag string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(tag + "</a>"))
	if err != nil {
		return ""
	}
	href, _ := doc.Find("a").First().Attr("href")
	return strings.TrimSpace(href)
}

// plainText returns the text under n, ignoring images and raw HTML.
func plainText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := child.(type) {
		case *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(src))
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func hasImage(n ast.Node, src []byte) bool {
	found := false
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := child.(type) {
		case *ast.Image:
			found = true
		case *ast.RawHTML:
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				if bytes.HasPrefix(bytes.ToLower(bytes.TrimSpace(seg.Value(src))), []byte("<img")) {
					found = true
				}
			}
		}
		if found {
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}
