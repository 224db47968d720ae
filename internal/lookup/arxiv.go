package lookup

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/pacer"
	"github.com/paperflow/paperflow/internal/reference"
)

// ArXivBaseURL is the arXiv export API query endpoint.
const ArXivBaseURL = "http://export.arxiv.org/api/query"

// ArXiv looks up preprints by arXiv ID through the Atom export API.
type ArXiv struct {
	s settings
}

// NewArXiv creates an arXiv provider.
func NewArXiv(opts ...Option) *ArXiv {
	return &ArXiv{s: newSettings(ArXivBaseURL, opts)}
}

// Name implements Provider.
func (a *ArXiv) Name() string { return "arxiv" }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	DOI        string `xml:"http://arxiv.org/schemas/atom doi"`
	JournalRef string `xml:"http://arxiv.org/schemas/atom journal_ref"`
}

// Lookup implements Provider.
func (a *ArXiv) Lookup(ctx context.Context, ids ident.Identifiers, _ reference.Record) (reference.Record, error) {
	if ids.ArXivID == "" {
		return reference.Record{}, ErrNotApplicable
	}

	u := a.s.baseURL + "?id_list=" + url.QueryEscape(ids.ArXivID)
	body, _, err := a.s.get(ctx, a.Name(), pacer.ArXiv, u, "application/atom+xml", nil)
	if err != nil {
		return reference.Record{}, err
	}

	var feed atomFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return reference.Record{}, fmt.Errorf("%w: parsing atom feed: %v", ErrInvalidResponse, err)
	}
	for _, e := range feed.Entries {
		// Unknown IDs come back as a single error entry.
		if strings.Contains(e.ID, "/api/errors") || e.Title == "" {
			continue
		}
		return mapAtom(e), nil
	}
	return reference.Record{}, fmt.Errorf("arxiv %s: %w", ids.ArXivID, ErrNotFound)
}

func mapAtom(e atomEntry) reference.Record {
	rec := reference.Record{
		Title:    collapse(e.Title),
		Abstract: collapse(e.Summary),
		Year:     yearOf(e.Published),
		DOI:      ident.NormalizeDOI(e.DOI),
		ArXivID:  ident.FindArXivID(e.ID),
		URL:      strings.TrimSpace(e.ID),
		Venue:    collapse(e.JournalRef),
	}
	if rec.Venue == "" {
		rec.Venue = "arXiv"
	}
	for _, au := range e.Authors {
		if name := collapse(au.Name); name != "" {
			rec.Authors = append(rec.Authors, name)
		}
	}
	return rec
}
