// Package export writes records as RIS or BibTeX citations.
package export

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/paperflow/paperflow/internal/reference"
)

// ToBibTeX converts a record to a BibTeX entry.
func ToBibTeX(rec reference.Record) string {
	entryType := determineEntryType(rec)
	var b strings.Builder

	fmt.Fprintf(&b, "@%s{%s,\n", entryType, CiteKey(rec))

	if len(rec.Authors) > 0 {
		fmt.Fprintf(&b, "  author = {%s},\n", formatAuthors(rec.Authors))
	}
	fmt.Fprintf(&b, "  title = {%s},\n", escapeLatex(rec.Title))

	if rec.Venue != "" {
		fieldName := "journal"
		if entryType == "inproceedings" {
			fieldName = "booktitle"
		}
		fmt.Fprintf(&b, "  %s = {%s},\n", fieldName, escapeLatex(rec.Venue))
	}
	if rec.Year != 0 {
		fmt.Fprintf(&b, "  year = {%d},\n", rec.Year)
	}
	if rec.DOI != "" {
		fmt.Fprintf(&b, "  doi = {%s},\n", rec.DOI)
	}
	if rec.ArXivID != "" {
		fmt.Fprintf(&b, "  eprint = {%s},\n  archiveprefix = {arXiv},\n", rec.ArXivID)
	}
	if rec.URL != "" {
		fmt.Fprintf(&b, "  url = {%s},\n", rec.URL)
	}
	if rec.Category != "" {
		fmt.Fprintf(&b, "  keywords = {%s},\n", escapeLatex(rec.Category))
	}
	if rec.Abstract != "" {
		fmt.Fprintf(&b, "  abstract = {%s},\n", escapeLatex(rec.Abstract))
	}

	b.WriteString("}\n")
	return b.String()
}

// ToBibTeXList converts multiple records to BibTeX.
func ToBibTeXList(recs []reference.Record) string {
	var entries []string
	for _, rec := range recs {
		entries = append(entries, ToBibTeX(rec))
	}
	return strings.Join(entries, "\n")
}

// CiteKey derives a citation key: first author's family name, year and
// first significant title word, e.g. "Smith2021deep".
func CiteKey(rec reference.Record) string {
	var b strings.Builder
	if len(rec.Authors) > 0 {
		b.WriteString(keyPart(reference.ParseAuthor(rec.Authors[0]).Last, false))
	}
	if b.Len() == 0 {
		b.WriteString("anon")
	}
	if rec.Year != 0 {
		fmt.Fprintf(&b, "%d", rec.Year)
	}
	for _, w := range strings.Fields(reference.NormalizeTitle(rec.Title)) {
		if !stopWords[w] {
			b.WriteString(keyPart(w, true))
			break
		}
	}
	return b.String()
}

var stopWords = map[string]bool{"a": true, "an": true, "the": true, "on": true, "of": true, "towards": true, "toward": true}

// keyPart keeps the letters and digits of s.
func keyPart(s string, lower bool) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if lower {
				r = unicode.ToLower(r)
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// determineEntryType returns the BibTeX entry type for a record.
func determineEntryType(rec reference.Record) string {
	venue := strings.ToLower(rec.Venue)

	// Preprints
	if strings.Contains(venue, "arxiv") ||
		strings.Contains(venue, "biorxiv") ||
		strings.Contains(venue, "medrxiv") {
		return "article"
	}

	// Conference proceedings
	if strings.Contains(venue, "proceedings") ||
		strings.Contains(venue, "conference") ||
		strings.Contains(venue, "workshop") ||
		strings.Contains(venue, "symposium") {
		return "inproceedings"
	}

	if rec.DOI == "" && rec.ArXivID == "" && rec.Venue == "" {
		return "misc"
	}
	return "article"
}

// formatAuthors formats authors in BibTeX style: "Last, First and Last, First"
func formatAuthors(authors []string) string {
	var formatted []string
	for _, name := range authors {
		a := reference.ParseAuthor(name)
		if a.First != "" {
			formatted = append(formatted, fmt.Sprintf("%s, %s", a.Last, a.First))
		} else {
			formatted = append(formatted, "{"+a.Last+"}")
		}
	}
	return strings.Join(formatted, " and ")
}

// escapeLatex escapes special LaTeX characters.
func escapeLatex(s string) string {
	// & must be first
	replacer := strings.NewReplacer(
		"&", `\&`,
		"%", `\%`,
		"$", `\$`,
		"#", `\#`,
		"_", `\_`,
		"{", `\{`,
		"}", `\}`,
		"~", `\textasciitilde{}`,
		"^", `\textasciicircum{}`,
	)
	return replacer.Replace(s)
}
