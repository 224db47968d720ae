// Package reference defines the bibliographic record shared by every stage of
// the pipeline, along with its identity and merge rules.
package reference

// Record is a normalized bibliographic record.
type Record struct {
	// Identity
	Key     string `json:"key"`                // Derived dedup key, see IdentityKey
	DOI     string `json:"doi,omitempty"`      // Digital Object Identifier
	ArXivID string `json:"arxiv_id,omitempty"` // arXiv identifier without version suffix

	// Metadata
	Title    string   `json:"title"`
	Authors  []string `json:"authors,omitempty"` // Citation order
	Year     int      `json:"year,omitempty"`    // 0 if unknown
	Venue    string   `json:"venue,omitempty"`   // Journal, conference, or preprint server
	URL      string   `json:"url,omitempty"`
	Abstract string   `json:"abstract,omitempty"`

	// Grouping tag, taken from the heading the entry was listed under
	Category string `json:"category,omitempty"`

	// Import Tracking
	Source ImportSource `json:"source"`
}

// ImportSource tracks where a record was imported from.
type ImportSource struct {
	Type string `json:"type"`         // readinglist, zotero, pdf, manual
	ID   string `json:"id,omitempty"` // Original ID or file from the source system
}

// Populated returns the number of non-empty descriptive fields.
func (r Record) Populated() int {
	n := 0
	for _, s := range []string{r.DOI, r.ArXivID, r.Title, r.Venue, r.URL, r.Abstract, r.Category} {
		if s != "" {
			n++
		}
	}
	if len(r.Authors) > 0 {
		n++
	}
	if r.Year != 0 {
		n++
	}
	return n
}

// FillFrom copies every field of src into dst that is empty in dst.
// Populated fields of dst are never overwritten.
func FillFrom(dst, src Record) Record {
	fill := func(d *string, s string) {
		if *d == "" {
			*d = s
		}
	}
	fill(&dst.DOI, src.DOI)
	fill(&dst.ArXivID, src.ArXivID)
	fill(&dst.Title, src.Title)
	fill(&dst.Venue, src.Venue)
	fill(&dst.URL, src.URL)
	fill(&dst.Abstract, src.Abstract)
	fill(&dst.Category, src.Category)
	if len(dst.Authors) == 0 && len(src.Authors) > 0 {
		dst.Authors = append([]string(nil), src.Authors...)
	}
	if dst.Year == 0 {
		dst.Year = src.Year
	}
	if dst.Source.Type == "" {
		dst.Source = src.Source
	}
	return dst
}
