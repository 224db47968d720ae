package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/pacer"
	"github.com/paperflow/paperflow/internal/reference"
)

// CrossRefBaseURL is the CrossRef REST API base URL.
const CrossRefBaseURL = "https://api.crossref.org"

// CrossRef looks up works by DOI.
type CrossRef struct {
	s settings
}

// NewCrossRef creates a CrossRef provider.
func NewCrossRef(opts ...Option) *CrossRef {
	return &CrossRef{s: newSettings(CrossRefBaseURL, opts)}
}

// Name implements Provider.
func (c *CrossRef) Name() string { return "crossref" }

type crossrefWork struct {
	DOI    string   `json:"DOI"`
	URL    string   `json:"URL"`
	Title  []string `json:"title"`
	Author []struct {
		Given  string `json:"given"`
		Family string `json:"family"`
		Name   string `json:"name"`
	} `json:"author"`
	Issued struct {
		DateParts [][]int `json:"date-parts"`
	} `json:"issued"`
	ContainerTitle []string `json:"container-title"`
	Abstract       string   `json:"abstract"`
}

// Lookup implements Provider.
func (c *CrossRef) Lookup(ctx context.Context, ids ident.Identifiers, _ reference.Record) (reference.Record, error) {
	if ids.DOI == "" {
		return reference.Record{}, ErrNotApplicable
	}

	u := c.s.baseURL + "/works/" + escapeDOI(ids.DOI)
	if c.s.mailto != "" {
		u += "?mailto=" + url.QueryEscape(c.s.mailto)
	}

	body, _, err := c.s.get(ctx, c.Name(), pacer.CrossRef, u, "application/json", nil)
	if err != nil {
		return reference.Record{}, err
	}

	var wrapper struct {
		Status  string       `json:"status"`
		Message crossrefWork `json:"message"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return reference.Record{}, fmt.Errorf("%w: parsing crossref work: %v", ErrInvalidResponse, err)
	}
	return mapCrossRef(wrapper.Message), nil
}

func mapCrossRef(w crossrefWork) reference.Record {
	rec := reference.Record{
		DOI:      ident.NormalizeDOI(w.DOI),
		URL:      w.URL,
		Abstract: stripTags(w.Abstract),
	}
	if len(w.Title) > 0 {
		rec.Title = collapse(w.Title[0])
	}
	if len(w.ContainerTitle) > 0 {
		rec.Venue = collapse(w.ContainerTitle[0])
	}
	if len(w.Issued.DateParts) > 0 && len(w.Issued.DateParts[0]) > 0 {
		rec.Year = w.Issued.DateParts[0][0]
	}
	for _, a := range w.Author {
		name := strings.TrimSpace(a.Given + " " + a.Family)
		if name == "" {
			name = strings.TrimSpace(a.Name)
		}
		if name != "" {
			rec.Authors = append(rec.Authors, name)
		}
	}
	return rec
}

// escapeDOI escapes each path segment of a DOI, keeping the slashes.
func escapeDOI(doi string) string {
	parts := strings.Split(doi, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
