// Package ident finds and normalizes external paper identifiers (DOI, arXiv)
// in free text, URLs, and PDF files.
package ident

import (
	"regexp"
	"strings"
)

// DOI pattern: 10.XXXX/... where XXXX is 4-9 digits.
var doiPattern = regexp.MustCompile(`10\.\d{4,9}/[^\s<>"{}|\\^~\[\]` + "`" + `]+`)

// arXiv identifiers in URLs or "arXiv:" citations, new (2106.15928v2) and old (hep-th/9901001) styles.
var arxivPattern = regexp.MustCompile(`(?i)(?:arxiv\.org/(?:abs|pdf|html)/|arxiv:\s*)(\d{4}\.\d{4,5}(?:v\d+)?|[a-z\-]+(?:\.[a-z]{2})?/\d{7}(?:v\d+)?)`)

var arxivVersion = regexp.MustCompile(`v\d+$`)

// arxivDOIPrefix is the DataCite prefix arXiv registers its DOIs under.
const arxivDOIPrefix = "10.48550/arxiv."

// Identifiers holds the external identifiers found for a paper.
type Identifiers struct {
	DOI     string `json:"doi,omitempty"`
	ArXivID string `json:"arxiv_id,omitempty"`
}

// Empty reports whether no identifier was found.
func (i Identifiers) Empty() bool {
	return i.DOI == "" && i.ArXivID == ""
}

// Find extracts the first DOI and arXiv ID from each of the given texts.
// Earlier texts take precedence.
func Find(texts ...string) Identifiers {
	var ids Identifiers
	for _, text := range texts {
		if ids.DOI == "" {
			ids.DOI = FindDOI(text)
		}
		if ids.ArXivID == "" {
			ids.ArXivID = FindArXivID(text)
		}
	}
	if ids.ArXivID == "" && strings.HasPrefix(ids.DOI, arxivDOIPrefix) {
		ids.ArXivID = NormalizeArXivID(strings.TrimPrefix(ids.DOI, arxivDOIPrefix))
	}
	return ids
}

// FindDOI finds a DOI in text and returns it normalized, or "".
func FindDOI(text string) string {
	for _, match := range doiPattern.FindAllString(text, -1) {
		match = strings.TrimRight(match, ".,;:)")
		if isValidDOI(match) {
			return NormalizeDOI(match)
		}
	}
	return ""
}

// FindArXivID finds an arXiv identifier in text and returns it without version suffix.
func FindArXivID(text string) string {
	m := arxivPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return NormalizeArXivID(m[1])
}

// NormalizeDOI normalizes a DOI to a consistent format for comparison.
// It removes common URL prefixes (https://doi.org/, doi:) and converts to lowercase.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	lower := strings.ToLower(doi)
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi.org/", "doi:"} {
		if strings.HasPrefix(lower, prefix) {
			lower = lower[len(prefix):]
			break
		}
	}
	return strings.TrimSpace(strings.TrimRight(lower, ".,;:"))
}

// NormalizeArXivID strips a trailing ".pdf" and version suffix and lowercases the ID.
func NormalizeArXivID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimSuffix(id, ".pdf")
	return arxivVersion.ReplaceAllString(id, "")
}

// isValidDOI performs basic validation on a DOI.
func isValidDOI(doi string) bool {
	if len(doi) < 10 || !strings.HasPrefix(doi, "10.") {
		return false
	}
	slashIdx := strings.Index(doi, "/")
	return slashIdx != -1 && slashIdx < len(doi)-1
}
