package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/pacer"
	"github.com/paperflow/paperflow/internal/reference"
)

const (
	// SemanticScholarBaseURL is the Semantic Scholar Graph API base URL.
	SemanticScholarBaseURL = "https://api.semanticscholar.org/graph/v1"

	// semanticScholarFields are the paper fields requested.
	semanticScholarFields = "title,abstract,authors,year,venue,externalIds,url"
)

// SemanticScholar looks up papers by DOI or arXiv ID. The first 429 it
// receives disables it for the rest of the run.
type SemanticScholar struct {
	s        settings
	disabled atomic.Bool
}

// NewSemanticScholar creates a Semantic Scholar provider.
func NewSemanticScholar(opts ...Option) *SemanticScholar {
	return &SemanticScholar{s: newSettings(SemanticScholarBaseURL, opts)}
}

// Name implements Provider.
func (p *SemanticScholar) Name() string { return "semanticscholar" }

// Disabled reports whether the provider was switched off by rate limiting.
func (p *SemanticScholar) Disabled() bool { return p.disabled.Load() }

type s2Paper struct {
	PaperID     string `json:"paperId"`
	Title       string `json:"title"`
	Abstract    string `json:"abstract"`
	Year        int    `json:"year"`
	Venue       string `json:"venue"`
	URL         string `json:"url"`
	ExternalIDs struct {
		DOI   string `json:"DOI"`
		ArXiv string `json:"ArXiv"`
	} `json:"externalIds"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
}

// Lookup implements Provider. DOI is tried before the arXiv ID.
func (p *SemanticScholar) Lookup(ctx context.Context, ids ident.Identifiers, _ reference.Record) (reference.Record, error) {
	if ids.Empty() {
		return reference.Record{}, ErrNotApplicable
	}
	if p.disabled.Load() {
		return reference.Record{}, ErrDisabled
	}

	var paperIDs []string
	if ids.DOI != "" {
		paperIDs = append(paperIDs, "DOI:"+ids.DOI)
	}
	if ids.ArXivID != "" {
		paperIDs = append(paperIDs, "ARXIV:"+ids.ArXivID)
	}

	var lastErr error
	for _, id := range paperIDs {
		rec, err := p.fetch(ctx, id)
		if err == nil {
			return rec, nil
		}
		if IsRateLimited(err) {
			p.disabled.Store(true)
			return reference.Record{}, fmt.Errorf("%w (%w)", err, ErrDisabled)
		}
		lastErr = err
		if !IsNotFound(err) {
			break
		}
	}
	return reference.Record{}, lastErr
}

func (p *SemanticScholar) fetch(ctx context.Context, paperID string) (reference.Record, error) {
	u := p.s.baseURL + "/paper/" + escapeDOI(paperID) + "?fields=" + url.QueryEscape(semanticScholarFields)

	var header http.Header
	if p.s.apiKey != "" {
		header = http.Header{"X-Api-Key": []string{p.s.apiKey}}
	}

	body, _, err := p.s.get(ctx, p.Name(), pacer.SemanticScholar, u, "application/json", header)
	if err != nil {
		return reference.Record{}, err
	}

	var paper s2Paper
	if err := json.Unmarshal(body, &paper); err != nil {
		return reference.Record{}, fmt.Errorf("%w: parsing paper: %v", ErrInvalidResponse, err)
	}
	if paper.PaperID == "" && paper.Title == "" {
		return reference.Record{}, errors.Join(ErrNotFound, fmt.Errorf("empty paper for %s", paperID))
	}
	return mapS2(paper), nil
}

func mapS2(paper s2Paper) reference.Record {
	rec := reference.Record{
		Title:    collapse(paper.Title),
		Abstract: stripTags(paper.Abstract),
		Year:     paper.Year,
		Venue:    paper.Venue,
		URL:      paper.URL,
		DOI:      ident.NormalizeDOI(paper.ExternalIDs.DOI),
		ArXivID:  ident.NormalizeArXivID(paper.ExternalIDs.ArXiv),
	}
	for _, a := range paper.Authors {
		if a.Name != "" {
			rec.Authors = append(rec.Authors, a.Name)
		}
	}
	return rec
}
