package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/paperflow/paperflow/internal/annotate"
	"github.com/paperflow/paperflow/internal/attach"
	"github.com/paperflow/paperflow/internal/excerpt"
	"github.com/paperflow/paperflow/internal/readinglist"
	"github.com/paperflow/paperflow/internal/reference"
	"github.com/paperflow/paperflow/internal/storage"
	"github.com/paperflow/paperflow/internal/summarize"
	"github.com/paperflow/paperflow/internal/zotero"
)

func TestMain(m *testing.M) {
	// genai's opencensus dependency starts a stats worker in init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// library is an in-memory library: items, children, collections and notes.
type library struct {
	mu          sync.Mutex
	items       map[string]zotero.Item
	children    map[string][]zotero.Item
	collections []zotero.Collection
	created     []zotero.NewItem
	next        int
}

func newLibrary() *library {
	return &library{items: map[string]zotero.Item{}, children: map[string][]zotero.Item{}}
}

func (l *library) add(it zotero.Item, children ...zotero.Item) {
	l.items[it.Key] = it
	l.children[it.Key] = children
}

func (l *library) Children(_ context.Context, key string) ([]zotero.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]zotero.Item(nil), l.children[key]...), nil
}

func (l *library) Item(_ context.Context, key string) (zotero.Item, error) {
	it, ok := l.items[key]
	if !ok {
		return zotero.Item{}, &zotero.APIError{StatusCode: 404, Key: key}
	}
	return it, nil
}

func (l *library) Collections(context.Context) ([]zotero.Collection, error) {
	return l.collections, nil
}

func (l *library) Items(_ context.Context, q zotero.ItemQuery) ([]zotero.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for k := range l.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []zotero.Item
	for _, k := range keys {
		it := l.items[k]
		if q.Collection != "" && !contains(it.Collections, q.Collection) {
			continue
		}
		if q.Tag != "" && !it.HasTag(q.Tag) {
			continue
		}
		out = append(out, it)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (l *library) CreateItems(_ context.Context, items []zotero.NewItem) (zotero.WriteResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := zotero.WriteResult{Created: map[int]string{}, Failed: map[int]error{}}
	for i, ni := range items {
		l.next++
		key := "ITEM" + strconv.Itoa(1000+l.next)
		l.created = append(l.created, ni)
		l.items[key] = zotero.Item{
			Key: key, ItemType: ni.ItemType, Title: ni.Title, URL: ni.URL, DOI: ni.DOI,
			ArchiveID: ni.ArchiveID, Date: ni.Date, Collections: ni.Collections, Tags: ni.Tags,
		}
		res.Created[i] = key
	}
	return res, nil
}

func (l *library) EnsureCollection(_ context.Context, name, parentKey string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.collections {
		if c.Name == name && string(c.ParentCollection) == parentKey {
			return c.Key, nil
		}
	}
	key := "COLL" + strconv.Itoa(1000+len(l.collections))
	l.collections = append(l.collections, zotero.Collection{Key: key, Name: name, ParentCollection: zotero.ParentKey(parentKey)})
	return key, nil
}

func (l *library) CreateNote(_ context.Context, parentKey, html string, tags []string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	key := "NOTE" + strconv.Itoa(1000+l.next)
	note := zotero.Item{Key: key, ItemType: zotero.ItemTypeNote, ParentItem: parentKey, Note: html}
	for _, t := range tags {
		note.Tags = append(note.Tags, zotero.Tag{Tag: t})
	}
	l.children[parentKey] = append(l.children[parentKey], note)
	return key, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// resolver picks the first attachment child.
type resolver struct {
	fetched atomic.Int32
}

func (r *resolver) Select(item zotero.Item, children []zotero.Item) (attach.Document, error) {
	for _, c := range children {
		if c.IsAttachment() {
			return attach.Document{ItemKey: item.Key, AttachmentKey: c.Key, Kind: attach.KindPDF, Path: c.Path}, nil
		}
	}
	return attach.Document{}, attach.ErrNotFound
}

func (r *resolver) Fetch(_ context.Context, doc attach.Document) (attach.Document, func(), error) {
	r.fetched.Add(1)
	return doc, func() {}, nil
}

type summarizer struct {
	calls atomic.Int32
	fail  map[string]error
}

func (s *summarizer) Summarize(_ context.Context, in summarize.Input) (summarize.Result, error) {
	s.calls.Add(1)
	if err := s.fail[in.Title]; err != nil {
		return summarize.Result{Attempts: 3}, err
	}
	return summarize.Result{Markdown: "Summary of " + in.Title, Model: "test-model", Attempts: 1}, nil
}

type extractor struct {
	calls atomic.Int32
	text  string
}

func (e *extractor) extract(doc attach.Document, maxPages, maxChars int) (excerpt.Excerpt, error) {
	e.calls.Add(1)
	if e.text == "" {
		return excerpt.Excerpt{}, excerpt.ErrNoText
	}
	return excerpt.Excerpt{Text: e.text, Pages: []int{1}, PageCount: 1}, nil
}

type ledger struct {
	mu       sync.Mutex
	outcomes []storage.ItemOutcome
}

func (l *ledger) RecordOutcome(_ int64, o storage.ItemOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

func paper(key, title string) zotero.Item {
	return zotero.Item{Key: key, ItemType: "journalArticle", Title: title}
}

func pdfChild(key string) zotero.Item {
	return zotero.Item{Key: key, ItemType: zotero.ItemTypeAttachment, LinkMode: zotero.LinkModeImportedFile,
		ContentType: "application/pdf", Filename: "paper.pdf"}
}

func priorNote(key string) zotero.Item {
	return zotero.Item{Key: key, ItemType: zotero.ItemTypeNote, Note: "<p><code>" + annotate.DefaultMarker + "</code></p>"}
}

type fixture struct {
	lib  *library
	res  *resolver
	sum  *summarizer
	ext  *extractor
	runr *Runner
}

func newFixture(cfg Config, opts ...Option) *fixture {
	f := &fixture{
		lib: newLibrary(),
		res: &resolver{},
		sum: &summarizer{fail: map[string]error{}},
		ext: &extractor{text: "Some extracted text."},
	}
	opts = append([]Option{WithExtractor(f.ext.extract)}, opts...)
	f.runr = NewRunner(f.lib, f.res, f.sum, annotate.NewWriter(f.lib), cfg, opts...)
	return f
}

func TestCanMove(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Pending, Resolving, true},
		{Resolving, Skipped, true},
		{Resolving, Summarizing, false},
		{Extracting, Writing, false},
		{Summarizing, Writing, true},
		{Writing, Written, true},
		{Written, Pending, false},
		{Skipped, Extracting, false},
	}
	for _, tt := range tests {
		if got := CanMove(tt.from, tt.to); got != tt.want {
			t.Errorf("CanMove(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestProcess_StageOrder(t *testing.T) {
	f := newFixture(Config{})
	f.lib.add(paper("AAAA0001", "Deep Policies"), pdfChild("ATT00001"))

	res := f.runr.Process(context.Background(), f.lib.items["AAAA0001"])

	want := []State{Pending, Resolving, Extracting, Summarizing, Writing, Written}
	if diff := cmp.Diff(want, res.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if res.NoteKey == "" {
		t.Error("NoteKey is empty")
	}
	if res.Document != "ATT00001" {
		t.Errorf("Document = %q, want ATT00001", res.Document)
	}
}

func TestProcess_SkipBeforeExtraction(t *testing.T) {
	f := newFixture(Config{})
	f.lib.add(paper("AAAA0001", "Deep Policies"), pdfChild("ATT00001"), priorNote("NOTE0001"))

	res := f.runr.Process(context.Background(), f.lib.items["AAAA0001"])

	if res.State != Skipped {
		t.Fatalf("State = %s, want %s", res.State, Skipped)
	}
	if n := f.res.fetched.Load(); n != 0 {
		t.Errorf("Fetch called %d times, want 0", n)
	}
	if n := f.ext.calls.Load(); n != 0 {
		t.Errorf("extract called %d times, want 0", n)
	}
	if n := f.sum.calls.Load(); n != 0 {
		t.Errorf("Summarize called %d times, want 0", n)
	}
}

func TestProcess_ZeroCeilings(t *testing.T) {
	tests := []struct {
		name               string
		maxPages, maxChars int
	}{
		{"no pages", 0, 1000},
		{"no chars", 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Config{MaxPages: tt.maxPages, MaxChars: tt.maxChars}, WithExtractor(excerpt.Extract))
			child := pdfChild("ATT00001")
			child.Path = filepath.Join(t.TempDir(), "paper.pdf")
			f.lib.add(paper("AAAA0001", "Deep Policies"), child)

			res := f.runr.Process(context.Background(), f.lib.items["AAAA0001"])
			if res.State != ExtractFailed {
				t.Fatalf("State = %s, want %s", res.State, ExtractFailed)
			}
			if !errors.Is(res.Err, excerpt.ErrNoText) {
				t.Errorf("Err = %v, want ErrNoText", res.Err)
			}
			if n := f.sum.calls.Load(); n != 0 {
				t.Errorf("Summarize called %d times, want 0", n)
			}
		})
	}
}

func TestProcess_Force(t *testing.T) {
	f := newFixture(Config{Force: true})
	f.lib.add(paper("AAAA0001", "Deep Policies"), pdfChild("ATT00001"), priorNote("NOTE0001"))

	res := f.runr.Process(context.Background(), f.lib.items["AAAA0001"])
	if res.State != Written {
		t.Fatalf("State = %s, want %s", res.State, Written)
	}
	notes := 0
	for _, c := range f.lib.children["AAAA0001"] {
		if c.IsNote() {
			notes++
		}
	}
	if notes != 2 {
		t.Errorf("notes = %d, want 2 (prior note kept)", notes)
	}
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name     string
		children []zotero.Item
		text     string
		sumErr   error
		want     State
	}{
		{name: "no attachment", want: NotFound},
		{name: "no text", children: []zotero.Item{pdfChild("ATT00001")}, want: ExtractFailed},
		{
			name:     "model rejects",
			children: []zotero.Item{pdfChild("ATT00001")},
			text:     "text",
			sumErr:   &summarize.InvalidRequestError{StatusCode: 400, Model: "m"},
			want:     SummarizeFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Config{})
			f.ext.text = tt.text
			f.lib.add(paper("AAAA0001", "Deep Policies"), tt.children...)
			if tt.sumErr != nil {
				f.sum.fail["Deep Policies"] = tt.sumErr
			}

			res := f.runr.Process(context.Background(), f.lib.items["AAAA0001"])
			if res.State != tt.want {
				t.Errorf("State = %s, want %s", res.State, tt.want)
			}
			if res.Error == "" {
				t.Error("Error is empty")
			}
			if !res.State.Terminal() {
				t.Errorf("State %s is not terminal", res.State)
			}
		})
	}
}

func TestRun_Report(t *testing.T) {
	l := &ledger{}
	f := newFixture(Config{Workers: 3}, WithLedger(l, 7))
	f.lib.add(paper("AAAA0001", "One"), pdfChild("ATT00001"))
	f.lib.add(paper("AAAA0002", "Two"), pdfChild("ATT00002"), priorNote("NOTE0002"))
	f.lib.add(paper("AAAA0003", "Three"))
	f.lib.add(paper("AAAA0004", "Four"), pdfChild("ATT00004"))
	f.sum.fail["Four"] = &summarize.TransientError{StatusCode: 503, Err: errors.New("busy")}

	items, err := Targets(context.Background(), f.lib, Query{}, nil)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	rep, err := f.runr.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rep.Status != CompletedWithFailures {
		t.Errorf("Status = %s, want %s", rep.Status, CompletedWithFailures)
	}
	wantCounts := map[State]int{Written: 1, Skipped: 1, NotFound: 1, SummarizeFailed: 1}
	if diff := cmp.Diff(wantCounts, rep.Counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	var failed []string
	for _, fl := range rep.Failures {
		failed = append(failed, fl.Key)
	}
	if diff := cmp.Diff([]string{"AAAA0003", "AAAA0004"}, failed); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
	if len(l.outcomes) != 4 {
		t.Errorf("ledger outcomes = %d, want 4", len(l.outcomes))
	}
}

func TestRun_NothingMatched(t *testing.T) {
	f := newFixture(Config{})
	rep, err := f.runr.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Status != NothingMatched {
		t.Errorf("Status = %s, want %s", rep.Status, NothingMatched)
	}
}

func TestRun_Canceled(t *testing.T) {
	f := newFixture(Config{Workers: 2})
	f.lib.add(paper("AAAA0001", "One"), pdfChild("ATT00001"))
	f.lib.add(paper("AAAA0002", "Two"), pdfChild("ATT00002"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := []zotero.Item{f.lib.items["AAAA0001"], f.lib.items["AAAA0002"]}
	rep, err := f.runr.Run(ctx, items)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if rep.Status != Canceled {
		t.Errorf("Status = %s, want %s", rep.Status, Canceled)
	}
	if n := f.sum.calls.Load(); n != 0 {
		t.Errorf("Summarize called %d times, want 0", n)
	}
}

func TestRun_SecondRunSkips(t *testing.T) {
	f := newFixture(Config{Workers: 2})
	f.lib.add(paper("AAAA0001", "One"), pdfChild("ATT00001"))
	f.lib.add(paper("AAAA0002", "Two"), pdfChild("ATT00002"))
	items := []zotero.Item{f.lib.items["AAAA0001"], f.lib.items["AAAA0002"]}

	if _, err := f.runr.Run(context.Background(), items); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	rep, err := f.runr.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if rep.Counts[Skipped] != 2 {
		t.Errorf("skipped = %d, want 2", rep.Counts[Skipped])
	}
	if n := f.sum.calls.Load(); n != 2 {
		t.Errorf("Summarize called %d times over two runs, want 2", n)
	}
}

func TestTargets(t *testing.T) {
	lib := newLibrary()
	lib.collections = []zotero.Collection{
		{Key: "ROOT0001", Name: "Reading"},
		{Key: "SUB00001", Name: "Robotics", ParentCollection: "ROOT0001"},
		{Key: "OTHER001", Name: "Other"},
	}
	lib.add(zotero.Item{Key: "A1", ItemType: "journalArticle", Collections: []string{"ROOT0001"}})
	lib.add(zotero.Item{Key: "A2", ItemType: "journalArticle", Collections: []string{"SUB00001"}, Tags: []zotero.Tag{{Tag: "todo"}}})
	lib.add(zotero.Item{Key: "A3", ItemType: "journalArticle", Collections: []string{"ROOT0001", "SUB00001"}})
	lib.add(zotero.Item{Key: "N1", ItemType: zotero.ItemTypeNote, Collections: []string{"ROOT0001"}})
	lib.add(zotero.Item{Key: "B1", ItemType: "book", Collections: []string{"OTHER001"}})

	tests := []struct {
		name    string
		q       Query
		want    []string
		wantErr bool
	}{
		{name: "by key", q: Query{Collection: "ROOT0001"}, want: []string{"A1", "A3"}},
		{name: "by name", q: Query{CollectionName: "reading"}, want: []string{"A1", "A3"}},
		{name: "recursive", q: Query{CollectionName: "Reading", Recursive: true}, want: []string{"A1", "A3", "A2"}},
		{name: "tag", q: Query{Collection: "SUB00001", Tag: "TODO"}, want: []string{"A2"}},
		{name: "limit", q: Query{CollectionName: "Reading", Recursive: true, Limit: 2}, want: []string{"A1", "A3"}},
		{name: "keys", q: Query{Keys: []string{"B1", "GONE0001", "B1"}}, want: []string{"B1"}},
		{name: "unknown collection", q: Query{CollectionName: "Nope"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := Targets(context.Background(), lib, tt.q, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Targets() error = %v, wantErr %v", err, tt.wantErr)
			}
			var got []string
			for _, it := range items {
				got = append(got, it.Key)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Targets() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPush_Idempotent(t *testing.T) {
	lib := newLibrary()
	recs := []reference.Record{
		{Title: "Deep Policies", URL: "https://example.org/a", Year: 2021, Category: "Manipulation"},
		{Title: "Seeing Robots", ArXivID: "2101.00001", Category: "Perception"},
		{Title: "Grasping", DOI: "10.1000/xyz", Category: "Manipulation"},
	}
	for i := range recs {
		recs[i].Key = reference.IdentityKey(recs[i])
	}
	cfg := PushConfig{Collection: "Embodied", PerCategory: true}

	rep, err := Push(context.Background(), lib, recs, cfg, nil)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if rep.Created != 3 || rep.Existing != 0 {
		t.Errorf("first push created=%d existing=%d, want 3 and 0", rep.Created, rep.Existing)
	}

	rep, err = Push(context.Background(), lib, recs, cfg, nil)
	if err != nil {
		t.Fatalf("second Push() error = %v", err)
	}
	if rep.Created != 0 || rep.Existing != 3 {
		t.Errorf("second push created=%d existing=%d, want 0 and 3", rep.Created, rep.Existing)
	}
	if len(lib.created) != 3 {
		t.Errorf("items created = %d, want 3", len(lib.created))
	}

	var names []string
	for _, c := range lib.collections {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"Embodied", "Manipulation", "Perception"}, names); diff != "" {
		t.Errorf("collections mismatch (-want +got):\n%s", diff)
	}

	first := lib.created[0]
	var tags []string
	for _, tg := range first.Tags {
		tags = append(tags, tg.Tag)
	}
	if diff := cmp.Diff([]string{"Embodied", "Manipulation"}, tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestPush_DryRun(t *testing.T) {
	lib := newLibrary()
	recs := []reference.Record{{Key: "title:a", Title: "A", Category: "X"}}
	rep, err := Push(context.Background(), lib, recs, PushConfig{Collection: "Root", PerCategory: true, DryRun: true}, nil)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if rep.Created != 1 {
		t.Errorf("Created = %d, want 1", rep.Created)
	}
	if len(lib.created) != 0 || len(lib.collections) != 0 {
		t.Errorf("dry run wrote %d items and %d collections", len(lib.created), len(lib.collections))
	}
}

func TestReadSources(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "README.md")
	md := "## Perception\n" +
		"- [Seeing Robots](https://arxiv.org/abs/2101.00001), Smith, 2021\n" +
		"## Manipulation\n" +
		"- **Deep Policies**, Doe, 2022\n" +
		"- [Seeing Robots v2](https://arxiv.org/abs/2101.00001v2), Smith, 2021\n"
	if err := os.WriteFile(list, []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}

	recs, errs := ReadSources([]string{list, filepath.Join(dir, "missing.md")}, readinglist.Options{})
	if len(errs) != 1 {
		t.Fatalf("got %d source errors, want 1: %v", len(errs), errs)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for _, r := range recs {
		if r.Source.Type != "readinglist" || r.Source.ID != "README.md" {
			t.Errorf("Source = %+v, want readinglist/README.md", r.Source)
		}
	}

	merged, reports := Ingest(context.Background(), recs, nil, 1)
	if reports != nil {
		t.Errorf("reports = %v, want nil without an enricher", reports)
	}
	if len(merged) != 2 {
		t.Errorf("Ingest() kept %d records, want 2", len(merged))
	}
}
