package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paperflow/paperflow/internal/annotate"
	"github.com/paperflow/paperflow/internal/attach"
	"github.com/paperflow/paperflow/internal/excerpt"
	"github.com/paperflow/paperflow/internal/storage"
	"github.com/paperflow/paperflow/internal/summarize"
	"github.com/paperflow/paperflow/internal/zotero"
)

// ChildLister lists the attachments and notes of an item.
type ChildLister interface {
	Children(ctx context.Context, key string) ([]zotero.Item, error)
}

// DocumentResolver picks and fetches an item's document.
type DocumentResolver interface {
	Select(item zotero.Item, children []zotero.Item) (attach.Document, error)
	Fetch(ctx context.Context, doc attach.Document) (attach.Document, func(), error)
}

// ExtractFunc reads a bounded excerpt from a local document.
type ExtractFunc func(doc attach.Document, maxPages, maxChars int) (excerpt.Excerpt, error)

// Summarizer produces a summary of an excerpt.
type Summarizer interface {
	Summarize(ctx context.Context, in summarize.Input) (summarize.Result, error)
}

// Annotator decides about and writes summary notes.
type Annotator interface {
	Check(item zotero.Item, children []zotero.Item, force bool) annotate.Decision
	Write(ctx context.Context, item zotero.Item, children []zotero.Item, res summarize.Result, force bool) (annotate.Outcome, error)
}

// Ledger records item outcomes of a run.
type Ledger interface {
	RecordOutcome(runID int64, o storage.ItemOutcome) error
}

// Config holds the run parameters.
type Config struct {
	Workers  int
	Force    bool
	MaxPages int
	MaxChars int
}

// Runner processes library items.
type Runner struct {
	children   ChildLister
	resolver   DocumentResolver
	extract    ExtractFunc
	summarizer Summarizer
	annotator  Annotator
	cfg        Config
	ledger     Ledger
	runID      int64
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger records every item outcome under runID.
func WithLedger(l Ledger, runID int64) Option {
	return func(r *Runner) {
		r.ledger = l
		r.runID = runID
	}
}

// WithExtractor replaces the excerpt extractor.
func WithExtractor(f ExtractFunc) Option {
	return func(r *Runner) {
		r.extract = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a runner.
func NewRunner(children ChildLister, resolver DocumentResolver, s Summarizer, a Annotator, cfg Config, opts ...Option) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxPages == 0 {
		cfg.MaxPages = excerpt.DefaultMaxPages
	}
	if cfg.MaxChars == 0 {
		cfg.MaxChars = excerpt.DefaultMaxChars
	}
	r := &Runner{
		children:   children,
		resolver:   resolver,
		extract:    excerpt.Extract,
		summarizer: s,
		annotator:  a,
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes items with a bounded pool of workers. Per-item failures
// become outcomes in the report; the returned error is only set when ctx
// was canceled, in which case items not yet started are left out.
func (r *Runner) Run(ctx context.Context, items []zotero.Item) (Report, error) {
	started := r.now()
	results := make([]ItemResult, len(items))

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Workers)

	var mu sync.Mutex
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := r.Process(ctx, item)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			r.record(res)
			return nil
		})
	}
	g.Wait()

	rep := newReport(results, ctx.Err() != nil)
	rep.StartedAt = started
	rep.FinishedAt = r.now()
	r.logger.Info("run finished",
		zap.String("status", string(rep.Status)),
		zap.Int("items", rep.Items),
		zap.Int("failures", len(rep.Failures)),
		zap.Duration("elapsed", rep.FinishedAt.Sub(started)))
	return rep, ctx.Err()
}

// record stores a finished item in the ledger.
func (r *Runner) record(res ItemResult) {
	if r.ledger == nil || !res.State.Terminal() {
		return
	}
	err := r.ledger.RecordOutcome(r.runID, storage.ItemOutcome{
		ItemKey:  res.Key,
		Title:    res.Title,
		Status:   string(res.State),
		Error:    res.Error,
		NoteKey:  res.NoteKey,
		Attempts: res.Attempts,
	})
	if err != nil {
		r.logger.Warn("recording outcome", zap.String("item", res.Key), zap.Error(err))
	}
}

// item carries one item through the state machine.
type item struct {
	res ItemResult
}

func (it *item) move(to State) {
	if !CanMove(it.res.State, to) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", it.res.State, to))
	}
	it.res.State = to
	it.res.Trace = append(it.res.Trace, to)
}

func (it *item) fail(to State, err error) ItemResult {
	it.move(to)
	it.res.Err = err
	it.res.Error = err.Error()
	return it.res
}

// Process runs one item through resolve, skip check, extract, summarize
// and write, in that order. It never returns a non-terminal state unless
// ctx is canceled between stages.
func (r *Runner) Process(ctx context.Context, zi zotero.Item) ItemResult {
	start := r.now()
	it := &item{res: ItemResult{Key: zi.Key, Title: zi.Title, State: Pending, Trace: []State{Pending}}}
	log := r.logger.With(zap.String("item", zi.Key))
	defer func() {
		it.res.Elapsed = r.now().Sub(start)
	}()

	// Resolve
	it.move(Resolving)
	var children []zotero.Item
	if !zi.IsAttachment() {
		var err error
		children, err = r.children.Children(ctx, zi.Key)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx, it)
			}
			return it.fail(NotFound, fmt.Errorf("listing children: %w", err))
		}
	}
	doc, err := r.resolver.Select(zi, children)
	if err != nil {
		log.Info("no document", zap.Error(err))
		return it.fail(NotFound, err)
	}
	it.res.Document = doc.AttachmentKey

	// Skip check, before any extraction or model call
	if r.annotator.Check(zi, children, r.cfg.Force) == annotate.Skip {
		it.move(Skipped)
		log.Info("skipped, already summarized")
		return it.res
	}
	if ctx.Err() != nil {
		return r.interrupted(ctx, it)
	}

	// Extract
	it.move(Extracting)
	local, cleanup, err := r.resolver.Fetch(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx, it)
		}
		return it.fail(ExtractFailed, err)
	}
	ex, err := r.extract(local, r.cfg.MaxPages, r.cfg.MaxChars)
	cleanup()
	if err != nil {
		log.Info("extraction failed", zap.Error(err))
		return it.fail(ExtractFailed, err)
	}
	it.res.Chars = ex.Len()
	if ex.Text == "" {
		return it.fail(ExtractFailed, excerpt.ErrNoText)
	}
	if ctx.Err() != nil {
		return r.interrupted(ctx, it)
	}

	// Summarize
	it.move(Summarizing)
	rec := zi.Record()
	sum, err := r.summarizer.Summarize(ctx, summarize.Input{
		Title:   zi.Title,
		Authors: rec.Authors,
		Year:    rec.Year,
		Excerpt: ex,
	})
	it.res.Attempts = sum.Attempts
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx, it)
		}
		log.Warn("summarization failed", zap.Error(err))
		return it.fail(SummarizeFailed, err)
	}
	if ctx.Err() != nil {
		return r.interrupted(ctx, it)
	}

	// Write
	it.move(Writing)
	out, err := r.annotator.Write(ctx, zi, children, sum, r.cfg.Force)
	if err != nil {
		return it.fail(WriteFailed, err)
	}
	if out.Status == annotate.StatusSkipped {
		it.move(Skipped)
		return it.res
	}
	it.res.NoteKey = out.NoteKey
	it.move(Written)
	return it.res
}

// interrupted returns the item in its current, non-terminal state.
func (r *Runner) interrupted(ctx context.Context, it *item) ItemResult {
	it.res.Err = ctx.Err()
	it.res.Error = ctx.Err().Error()
	return it.res
}

// IsFatal reports whether err should stop a whole run rather than a
// single item: bad credentials or a missing write scope.
func IsFatal(err error) bool {
	return zotero.IsAuthError(err) || errors.Is(err, summarize.ErrModelUnavailable)
}
