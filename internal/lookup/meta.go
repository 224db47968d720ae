package lookup

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/pacer"
	"github.com/paperflow/paperflow/internal/reference"
)

// abstractMetaNames are checked in order for an abstract.
var abstractMetaNames = []string{
	"citation_abstract", "dcterms.abstract", "dc.description", "description", "og:description",
}

// PageMeta reads Highwire/Dublin Core/OpenGraph meta tags from the record's URL.
type PageMeta struct {
	s settings
}

// NewPageMeta creates a page meta-tag provider.
func NewPageMeta(opts ...Option) *PageMeta {
	return &PageMeta{s: newSettings("", opts)}
}

// Name implements Provider.
func (m *PageMeta) Name() string { return "pagemeta" }

// Lookup implements Provider.
func (m *PageMeta) Lookup(ctx context.Context, _ ident.Identifiers, rec reference.Record) (reference.Record, error) {
	u := strings.TrimSpace(rec.URL)
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return reference.Record{}, ErrNotApplicable
	}
	if strings.HasSuffix(lower, ".pdf") {
		return reference.Record{}, ErrNotApplicable
	}

	body, header, err := m.s.get(ctx, m.Name(), pacer.Web, u, "text/html,application/xhtml+xml", nil)
	if err != nil {
		return reference.Record{}, err
	}
	if ct := strings.ToLower(header.Get("Content-Type")); ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text") {
		return reference.Record{}, fmt.Errorf("%w: content type %q", ErrInvalidResponse, ct)
	}
	return ParseMeta(body)
}

// ParseMeta extracts record fields from the meta tags of an HTML page.
func ParseMeta(page []byte) (reference.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return reference.Record{}, fmt.Errorf("%w: parsing page: %v", ErrInvalidResponse, err)
	}

	metas := make(map[string][]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			name, _ = s.Attr("property")
		}
		content, _ := s.Attr("content")
		name = strings.ToLower(strings.TrimSpace(name))
		content = strings.TrimSpace(content)
		if name != "" && content != "" {
			metas[name] = append(metas[name], content)
		}
	})

	first := func(names ...string) string {
		for _, n := range names {
			if v := metas[n]; len(v) > 0 {
				return v[0]
			}
		}
		return ""
	}

	rec := reference.Record{
		Title:    collapse(first("citation_title", "dc.title", "og:title")),
		Venue:    collapse(first("citation_journal_title", "citation_conference_title", "citation_inbook_title")),
		Year:     yearOf(first("citation_publication_date", "citation_date", "citation_online_date", "citation_year", "dc.date")),
		DOI:      ident.NormalizeDOI(ident.FindDOI(first("citation_doi", "dc.identifier", "prism.doi"))),
		ArXivID:  ident.NormalizeArXivID(first("citation_arxiv_id")),
		Abstract: stripTags(first(abstractMetaNames...)),
	}

	authors := metas["citation_author"]
	if len(authors) == 0 {
		authors = metas["dc.creator"]
	}
	for _, a := range authors {
		if name := authorFromMeta(a); name != "" {
			rec.Authors = append(rec.Authors, name)
		}
	}

	if rec.Populated() == 0 {
		return reference.Record{}, fmt.Errorf("pagemeta: %w", ErrNotFound)
	}
	return rec, nil
}

// authorFromMeta turns "Last, First" into "First Last".
func authorFromMeta(s string) string {
	s = collapse(s)
	if last, first, ok := strings.Cut(s, ","); ok {
		return collapse(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	}
	return s
}
