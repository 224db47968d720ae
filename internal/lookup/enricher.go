package lookup

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/reference"
)

// Report describes what enrichment did to one record.
type Report struct {
	Key       string          `json:"key"`
	Title     string          `json:"title"`
	Consulted []string        `json:"consulted,omitempty"`
	Filled    []string        `json:"filled,omitempty"`
	Errors    []ProviderError `json:"-"`
}

// Enricher fills empty record fields from a chain of providers.
type Enricher struct {
	providers []Provider
	logger    *zap.Logger
}

// NewEnricher creates an enricher that consults providers in order.
func NewEnricher(logger *zap.Logger, providers ...Provider) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{providers: providers, logger: logger}
}

// DefaultProviders returns arXiv, CrossRef, Semantic Scholar and page meta
// providers sharing opts.
func DefaultProviders(opts ...Option) []Provider {
	return []Provider{
		NewArXiv(opts...),
		NewCrossRef(opts...),
		NewSemanticScholar(opts...),
		NewPageMeta(opts...),
	}
}

// Enrich fills empty fields of rec. It never fails: provider errors are
// logged and returned in the report, and rec passes through unchanged
// when nothing is found. Populated fields are never overwritten.
func (e *Enricher) Enrich(ctx context.Context, rec reference.Record) (reference.Record, Report) {
	out := rec
	report := Report{Key: rec.Key, Title: rec.Title}

	for _, p := range e.providers {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, ProviderError{Provider: p.Name(), Err: err})
			break
		}
		if complete(out) {
			break
		}

		got, err := p.Lookup(ctx, identifiers(out), out)
		if errors.Is(err, ErrNotApplicable) || (errors.Is(err, ErrDisabled) && !IsRateLimited(err)) {
			continue
		}
		report.Consulted = append(report.Consulted, p.Name())
		if err != nil {
			report.Errors = append(report.Errors, ProviderError{Provider: p.Name(), Err: err})
			if IsNotFound(err) {
				e.logger.Debug("lookup miss", zap.String("provider", p.Name()), zap.String("title", rec.Title))
			} else {
				e.logger.Warn("lookup failed", zap.String("provider", p.Name()), zap.String("title", rec.Title), zap.Error(err))
			}
			continue
		}

		before := out
		out = reference.FillFrom(out, withoutGrouping(got))
		report.Filled = append(report.Filled, filledFields(before, out)...)
	}

	out.Key = reference.IdentityKey(out)
	return out, report
}

// EnrichAll enriches records with up to workers concurrent lookups.
// Output order matches input order.
func (e *Enricher) EnrichAll(ctx context.Context, records []reference.Record, workers int) ([]reference.Record, []Report) {
	if workers < 1 {
		workers = 1
	}
	out := make([]reference.Record, len(records))
	reports := make([]Report, len(records))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, rec := range records {
		if ctx.Err() != nil {
			out[i] = rec
			reports[i] = Report{Key: rec.Key, Title: rec.Title, Errors: []ProviderError{{Provider: "enricher", Err: ctx.Err()}}}
			continue
		}
		g.Go(func() error {
			out[i], reports[i] = e.Enrich(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return out, reports
}

// identifiers collects the DOI and arXiv ID of a record, falling back to its URL.
func identifiers(r reference.Record) ident.Identifiers {
	ids := ident.Identifiers{
		DOI:     ident.NormalizeDOI(r.DOI),
		ArXivID: ident.NormalizeArXivID(r.ArXivID),
	}
	found := ident.Find(r.URL)
	if ids.DOI == "" {
		ids.DOI = found.DOI
	}
	if ids.ArXivID == "" {
		ids.ArXivID = found.ArXivID
	}
	return ids
}

func complete(r reference.Record) bool {
	return r.Abstract != "" && len(r.Authors) > 0 && r.Year != 0 && r.Venue != ""
}

// withoutGrouping drops fields that only the importer may set.
func withoutGrouping(r reference.Record) reference.Record {
	r.Key = ""
	r.Category = ""
	r.Source = reference.ImportSource{}
	return r
}

func filledFields(before, after reference.Record) []string {
	var filled []string
	check := func(name string, was, now bool) {
		if !was && now {
			filled = append(filled, name)
		}
	}
	check("doi", before.DOI != "", after.DOI != "")
	check("arxiv_id", before.ArXivID != "", after.ArXivID != "")
	check("title", before.Title != "", after.Title != "")
	check("authors", len(before.Authors) > 0, len(after.Authors) > 0)
	check("year", before.Year != 0, after.Year != 0)
	check("venue", before.Venue != "", after.Venue != "")
	check("url", before.URL != "", after.URL != "")
	check("abstract", before.Abstract != "", after.Abstract != "")
	return filled
}
