// Package readinglist parses curated markdown reading lists (awesome-style
// READMEs) into bibliographic records.
package readinglist

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/reference"
)

// ErrMalformedEntry is returned when an entry has no extractable title.
var ErrMalformedEntry = errors.New("malformed entry")

// SourceType is recorded in the ImportSource of every parsed record.
const SourceType = "readinglist"

var (
	yearPattern = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)

	// "[CoRL 2021]" or "(CoRL'21 2021)" style venue annotations.
	bracketVenuePattern = regexp.MustCompile(`[\[(]\s*([^\[\]()]*?[A-Za-z][^\[\]()]*?)\s*'?((?:19|20)\d{2})\s*[\])]`)

	emptyBracketPattern = regexp.MustCompile(`\[\s*\]|\(\s*\)|\{\s*\}`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
	authorSepPattern    = regexp.MustCompile(`(?i)\s+and\s+|&|;`)
)

// genericLabels are link labels that name a resource kind rather than a work.
var genericLabels = map[string]bool{
	"paper": true, "pdf": true, "arxiv": true, "code": true, "project": true,
	"website": true, "page": true, "video": true, "project page": true,
	"github": true, "demo": true, "blog": true, "slides": true, "bibtex": true,
	"openreview": true, "dataset": true, "homepage": true, "link": true,
}

// paperLabels are generic labels that point at the work itself.
var paperLabels = map[string]bool{"paper": true, "pdf": true, "arxiv": true, "openreview": true}

// academicHosts are matched as host suffixes.
var academicHosts = []string{
	"arxiv.org", "openreview.net", "thecvf.com", "cvf.com", "acm.org",
	"ieee.org", "aclanthology.org", "aclweb.org", "neurips.cc", "mlr.press",
	"springer.com", "sciencedirect.com", "nature.com", "doi.org",
}

var badgeHosts = []string{"shields.io", "badge.fury.io", "badgen.net", "img.shields.io"}

// ParseEntry parses one list entry (a bullet line plus its continuation lines)
// into a record. category becomes the record's grouping tag.
func ParseEntry(raw, category string) (reference.Record, error) {
	spans, ok := inlineSpans([]byte(raw))
	if !ok {
		return reference.Record{}, ErrMalformedEntry
	}
	rec, err := recordFromSpans(spans)
	if err != nil {
		return reference.Record{}, err
	}
	rec.Category = category
	rec.Key = reference.IdentityKey(rec)
	return rec, nil
}

// spanKind classifies an inline run of an entry.
type spanKind int

const (
	spanText spanKind = iota
	spanLink
	spanBold
)

type span struct {
	kind   spanKind
	text   string
	url    string
	badge  bool
	anchor bool // in-page link such as "#perception"
}

func (s span) usableLink() bool {
	return s.kind == spanLink && !s.badge && !s.anchor && s.url != ""
}

// recordFromSpans applies the entry layout rules to the inline runs of one entry.
func recordFromSpans(spans []span) (reference.Record, error) {
	if onlyAnchors(spans) {
		return reference.Record{}, errAnchorsOnly
	}

	title, titleLink, rest := pickTitle(spans)
	title = cleanTitle(title)
	if title == "" {
		return reference.Record{}, ErrMalformedEntry
	}

	rec := reference.Record{
		Title:  title,
		URL:    pickURL(spans, titleLink),
		Source: reference.ImportSource{Type: SourceType},
	}
	rec.Authors, rec.Year, rec.Venue = parseRemainder(rest)

	var urls []string
	for _, s := range spans {
		if s.usableLink() {
			urls = append(urls, s.url)
		}
	}
	ids := ident.Find(urls...)
	rec.DOI = ids.DOI
	rec.ArXivID = ids.ArXivID
	return rec, nil
}

var errAnchorsOnly = errors.New("entry only links within the document")

func onlyAnchors(spans []span) bool {
	anchors := 0
	for _, s := range spans {
		switch {
		case s.kind == spanLink && s.anchor:
			anchors++
		case s.kind == spanLink && !s.badge:
			return false
		case s.kind != spanLink && cleanText(s.text) != "":
			return false
		}
	}
	return anchors > 0
}

// pickTitle returns the title text, the index of the link it came from (or -1),
// and the text that follows it.
func pickTitle(spans []span) (string, int, string) {
	for i, s := range spans {
		if s.kind == spanBold && cleanText(s.text) != "" {
			return s.text, boldLink(spans, i), joinText(spans[i+1:])
		}
	}
	for i, s := range spans {
		if s.usableLink() && !isGeneric(s.text) && cleanText(s.text) != "" {
			return s.text, i, joinText(spans[i+1:])
		}
	}
	plain := joinText(spans)
	if i := strings.Index(plain, ","); i >= 0 {
		return plain[:i], -1, plain[i+1:]
	}
	return plain, -1, ""
}

// boldLink returns the index of a link whose label is the bold text, or -1.
func boldLink(spans []span, bold int) int {
	want := cleanText(spans[bold].text)
	for i := bold + 1; i < len(spans); i++ {
		s := spans[i]
		if s.usableLink() && cleanText(s.text) == want {
			return i
		}
	}
	return -1
}

// pickURL returns the title link when it is the first non-badge link.
// Otherwise it prefers a link labelled as the paper, then the title link,
// then a link to an academic host, then the first non-badge link.
func pickURL(spans []span, titleLink int) string {
	if titleLink >= 0 {
		first := -1
		for i, s := range spans {
			if s.usableLink() {
				first = i
				break
			}
		}
		if first == titleLink {
			return spans[titleLink].url
		}
	}
	for _, s := range spans {
		if s.usableLink() && paperLabels[labelKey(s.text)] {
			return s.url
		}
	}
	if titleLink >= 0 {
		return spans[titleLink].url
	}
	for _, s := range spans {
		if s.usableLink() && isAcademic(s.url) {
			return s.url
		}
	}
	for _, s := range spans {
		if s.usableLink() {
			return s.url
		}
	}
	return ""
}

// parseRemainder reads "Authors, YEAR. Venue." from the text after the title.
func parseRemainder(rest string) (authors []string, year int, venue string) {
	rest = cleanText(rest)
	if rest == "" {
		return nil, 0, ""
	}

	if m := bracketVenuePattern.FindStringSubmatchIndex(rest); m != nil {
		venue = trimVenue(rest[m[2]:m[3]])
		year, _ = strconv.Atoi(rest[m[4]:m[5]])
		rest = rest[:m[0]] + " " + rest[m[1]:]
	}

	loc := yearPattern.FindStringIndex(rest)
	if loc == nil {
		if year == 0 && !authorSepPattern.MatchString(rest) && !strings.Contains(rest, ",") && !hasEtAl(rest) {
			return nil, 0, venue
		}
		return splitAuthors(rest), year, venue
	}

	if year == 0 {
		year, _ = strconv.Atoi(rest[loc[0]:loc[1]])
	}
	before, after := rest[:loc[0]], rest[loc[1]:]
	if venue == "" {
		venue = trimVenue(after)
	}
	if venue == "" {
		if names, v, ok := splitTrailingVenue(before); ok {
			before, venue = names, v
		}
	}
	return splitAuthors(before), year, venue
}

// splitTrailingVenue handles "Smith, Jones. CVPR 2023" where an acronym
// sits between the authors and the year.
func splitTrailingVenue(s string) (string, string, bool) {
	s = strings.TrimRight(s, " ,'")
	i := strings.LastIndex(s, ". ")
	if i < 0 {
		return "", "", false
	}
	tail := strings.TrimSpace(s[i+2:])
	if tail == "" || strings.ContainsAny(tail, ", ") {
		return "", "", false
	}
	upper := 0
	for _, r := range tail {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if upper < 2 {
		return "", "", false
	}
	return s[:i], tail, true
}

func splitAuthors(s string) []string {
	s = authorSepPattern.ReplaceAllString(s, ",")
	var authors []string
	for _, part := range strings.Split(s, ",") {
		name := strings.Trim(part, " .:-()[]\"'")
		if name == "" || strings.ContainsAny(name, "0123456789") || strings.Contains(name, "http") {
			continue
		}
		if hasEtAl(name) {
			name = strings.TrimRight(name, ".") + "."
			if strings.EqualFold(name, "et al.") {
				if n := len(authors); n > 0 {
					authors[n-1] += " et al."
				}
				continue
			}
		}
		authors = append(authors, name)
	}
	return authors
}

func hasEtAl(s string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimRight(strings.TrimSpace(s), ".")), "et al")
}

func trimVenue(s string) string {
	return strings.TrimSpace(strings.Trim(cleanText(s), " .,;:-–()[]'\""))
}

func cleanTitle(s string) string {
	s = cleanText(s)
	s = strings.Trim(s, " -•:|\t\"'“”")
	return strings.TrimSuffix(s, ".")
}

// cleanText strips emoji and empty brackets and collapses whitespace.
func cleanText(s string) string {
	s = stripEmoji(s)
	s = emptyBracketPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

func stripEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\u200d', r == '\ufe0f', r == '\ufe0e':
			return -1
		case unicode.Is(unicode.So, r), unicode.Is(unicode.Sk, r), unicode.Is(unicode.Co, r):
			return -1
		case r >= 0x1F000 && r <= 0x1FAFF:
			return -1
		}
		return r
	}, s)
}

func joinText(spans []span) string {
	var b strings.Builder
	for _, s := range spans {
		if s.kind == spanText {
			b.WriteString(s.text)
		}
	}
	return b.String()
}

func labelKey(label string) string {
	return strings.ToLower(strings.Trim(cleanText(label), " []()"))
}

func isGeneric(label string) bool {
	return genericLabels[labelKey(label)]
}

func isAcademic(raw string) bool {
	return hostMatches(raw, academicHosts)
}

func isBadgeURL(raw string) bool {
	return hostMatches(raw, badgeHosts)
}

func hostMatches(raw string, hosts []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
