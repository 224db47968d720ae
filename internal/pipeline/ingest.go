package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/lookup"
	"github.com/paperflow/paperflow/internal/readinglist"
	"github.com/paperflow/paperflow/internal/reference"
	"github.com/paperflow/paperflow/internal/zotero"
)

// SourceError is a source that could not be read or an entry in it that
// could not be parsed.
type SourceError struct {
	Path string
	Line int
	Err  error
}

func (e SourceError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e SourceError) Unwrap() error { return e.Err }

// ReadSources parses reading lists and scans local PDFs. Unreadable files
// and malformed entries are reported and the rest is kept.
func ReadSources(paths []string, opts readinglist.Options) ([]reference.Record, []SourceError) {
	var recs []reference.Record
	var errs []SourceError
	for _, path := range paths {
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			rec, err := recordFromPDF(path)
			if err != nil {
				errs = append(errs, SourceError{Path: path, Err: err})
				continue
			}
			recs = append(recs, rec)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, SourceError{Path: path, Err: err})
			continue
		}
		res, err := readinglist.Parse(string(data), opts)
		if err != nil {
			errs = append(errs, SourceError{Path: path, Err: err})
			continue
		}
		for _, e := range res.Errors {
			errs = append(errs, SourceError{Path: path, Line: e.Line, Err: e})
		}
		for _, rec := range res.Records {
			rec.Source = reference.ImportSource{Type: "readinglist", ID: filepath.Base(path)}
			recs = append(recs, rec)
		}
	}
	return recs, errs
}

func recordFromPDF(path string) (reference.Record, error) {
	info, err := ident.ScanPDF(path)
	if err != nil {
		return reference.Record{}, err
	}
	rec := reference.Record{
		DOI:     info.DOI,
		ArXivID: info.ArXivID,
		Title:   info.Title,
		Source:  reference.ImportSource{Type: "pdf", ID: filepath.Base(path)},
	}
	if rec.DOI == "" && rec.ArXivID == "" && rec.Title == "" {
		return reference.Record{}, fmt.Errorf("no identifier or title found")
	}
	rec.Key = reference.IdentityKey(rec)
	return rec, nil
}

// Ingest deduplicates records, enriches the survivors and deduplicates
// again, since enrichment can reveal that two entries share a DOI.
func Ingest(ctx context.Context, recs []reference.Record, e *lookup.Enricher, workers int) ([]reference.Record, []lookup.Report) {
	merged := reference.Merge(recs)
	if e == nil {
		return merged, nil
	}
	enriched, reports := e.EnrichAll(ctx, merged, workers)
	return reference.Merge(enriched), reports
}

// ItemWriter is the part of the library Push writes to.
type ItemWriter interface {
	Items(ctx context.Context, q zotero.ItemQuery) ([]zotero.Item, error)
	CreateItems(ctx context.Context, items []zotero.NewItem) (zotero.WriteResult, error)
	EnsureCollection(ctx context.Context, name, parentKey string) (string, error)
}

// PushConfig controls where records are created.
type PushConfig struct {
	// Collection is the root collection. Empty creates top-level items.
	Collection string
	// PerCategory files each record under a sub-collection named after
	// its category.
	PerCategory bool
	// Tags are added to every created item, after the collection and
	// category tags.
	Tags   []string
	DryRun bool
}

// PushReport summarizes a push.
type PushReport struct {
	Created  int               `json:"created"`
	Existing int               `json:"existing"`
	Failed   map[string]string `json:"failed,omitempty"`
	Keys     map[string]string `json:"keys,omitempty"` // record key -> item key
}

// Push creates library items for records that are not already there.
// A record exists when an item in the target collections has the same
// identity key or URL, so pushing the same list twice creates nothing.
func Push(ctx context.Context, lib ItemWriter, recs []reference.Record, cfg PushConfig, logger *zap.Logger) (PushReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rep := PushReport{Failed: map[string]string{}, Keys: map[string]string{}}

	rootKey := ""
	if cfg.Collection != "" && !cfg.DryRun {
		k, err := lib.EnsureCollection(ctx, cfg.Collection, "")
		if err != nil {
			return rep, fmt.Errorf("ensuring collection %q: %w", cfg.Collection, err)
		}
		rootKey = k
	}

	var existing []zotero.Item
	if rootKey != "" {
		items, err := lib.Items(ctx, zotero.ItemQuery{Collection: rootKey})
		if err != nil {
			return rep, fmt.Errorf("listing collection %q: %w", cfg.Collection, err)
		}
		existing = items
	}

	byCat := make(map[string][]reference.Record)
	for _, rec := range recs {
		byCat[rec.Category] = append(byCat[rec.Category], rec)
	}
	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		colKey := rootKey
		if cfg.PerCategory && cat != "" && !cfg.DryRun {
			k, err := lib.EnsureCollection(ctx, cat, rootKey)
			if err != nil {
				return rep, fmt.Errorf("ensuring collection %q: %w", cat, err)
			}
			colKey = k
			if k != rootKey {
				items, err := lib.Items(ctx, zotero.ItemQuery{Collection: k})
				if err != nil {
					return rep, fmt.Errorf("listing collection %q: %w", cat, err)
				}
				existing = append(existing, items...)
			}
		}
		seen := newPresence(existing)

		var batch []zotero.NewItem
		var batchRecs []reference.Record
		for _, rec := range byCat[cat] {
			if key, ok := seen.find(rec); ok {
				logger.Debug("record exists", zap.String("key", rec.Key), zap.String("item", key))
				rep.Existing++
				rep.Keys[rec.Key] = key
				continue
			}
			seen.add(rec, "")
			var cols []string
			if colKey != "" {
				cols = []string{colKey}
			}
			batch = append(batch, zotero.NewItemFromRecord(rec, cols, pushTags(cfg, cat)))
			batchRecs = append(batchRecs, rec)
		}
		if len(batch) == 0 {
			continue
		}
		if cfg.DryRun {
			rep.Created += len(batch)
			continue
		}

		res, err := lib.CreateItems(ctx, batch)
		for i, rec := range batchRecs {
			if key, ok := res.Created[i]; ok {
				rep.Created++
				rep.Keys[rec.Key] = key
				continue
			}
			if ferr, ok := res.Failed[i]; ok {
				rep.Failed[rec.Key] = ferr.Error()
			}
		}
		if err != nil {
			return rep, fmt.Errorf("creating items in %q: %w", cat, err)
		}
		logger.Info("pushed category", zap.String("category", cat), zap.Int("items", len(batch)))
	}
	return rep, nil
}

func pushTags(cfg PushConfig, category string) []string {
	var tags []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t != "" && !containsFold(tags, t) {
			tags = append(tags, t)
		}
	}
	add(cfg.Collection)
	add(category)
	for _, t := range cfg.Tags {
		add(t)
	}
	return tags
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// presence indexes existing items by identity key and URL.
type presence struct {
	keys map[string]string
	urls map[string]string
}

func newPresence(items []zotero.Item) *presence {
	p := &presence{keys: map[string]string{}, urls: map[string]string{}}
	for _, it := range items {
		if it.IsNote() || it.IsAttachment() {
			continue
		}
		p.add(it.Record(), it.Key)
	}
	return p
}

func (p *presence) add(rec reference.Record, itemKey string) {
	if k := reference.IdentityKey(rec); k != "" {
		p.keys[k] = itemKey
	}
	if u := normalizeURL(rec.URL); u != "" {
		p.urls[u] = itemKey
	}
}

func (p *presence) find(rec reference.Record) (string, bool) {
	if k := reference.IdentityKey(rec); k != "" {
		if key, ok := p.keys[k]; ok {
			return key, true
		}
	}
	if u := normalizeURL(rec.URL); u != "" {
		if key, ok := p.urls[u]; ok {
			return key, true
		}
	}
	return "", false
}

func normalizeURL(u string) string {
	u = strings.TrimSpace(strings.ToLower(u))
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	return strings.TrimRight(u, "/")
}
