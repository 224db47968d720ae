package reference

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/paperflow/paperflow/internal/ident"
)

// Key prefixes, in decreasing order of confidence.
const (
	KeyPrefixDOI   = "doi:"
	KeyPrefixArXiv = "arxiv:"
	KeyPrefixTitle = "title:"
)

// IdentityKey derives the dedup key for a record. External identifiers win
// over the title: DOI, then arXiv ID, then normalized title plus year.
// The key depends only on the record's fields.
func IdentityKey(r Record) string {
	if doi := ident.NormalizeDOI(r.DOI); doi != "" {
		return KeyPrefixDOI + doi
	}
	if id := ident.NormalizeArXivID(r.ArXivID); id != "" {
		return KeyPrefixArXiv + id
	}
	return titleKey(r)
}

// titleKey returns "title:<normalized title>[|year]", or "" if the title normalizes to nothing.
func titleKey(r Record) string {
	t := NormalizeTitle(r.Title)
	if t == "" {
		return ""
	}
	if r.Year != 0 {
		return KeyPrefixTitle + t + "|" + strconv.Itoa(r.Year)
	}
	return KeyPrefixTitle + t
}

// NormalizeTitle folds diacritics, lowercases, turns every run of
// non-alphanumeric runes into a single space, and trims.
// "Foo: A Study" and "foo - a study" both become "foo a study".
func NormalizeTitle(title string) string {
	// transform.Chain is stateful, build one per call.
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	pendingSpace := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}
