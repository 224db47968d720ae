// Package annotate writes summaries back to the library as child notes.
// Notes are only ever appended: existing notes are never edited or removed,
// and an item that already carries a summary is skipped unless forced.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/summarize"
	"github.com/paperflow/paperflow/internal/zotero"
)

// ErrWriteFailed indicates the library rejected the note. No note was
// written, so the item stays eligible on the next run.
var ErrWriteFailed = errors.New("writing note failed")

// Defaults for identifying summary notes.
const (
	DefaultMarker = "paperflow:ai-summary"
	DefaultTag    = "AI总结"
)

// Decision is the result of the skip check.
type Decision int

const (
	Proceed Decision = iota
	Skip
)

func (d Decision) String() string {
	if d == Skip {
		return "skip"
	}
	return "proceed"
}

// Status of a write.
type Status string

const (
	StatusWritten Status = "written"
	StatusSkipped Status = "skipped"
)

// Outcome describes what Write did.
type Outcome struct {
	Status    Status `json:"status"`
	NoteKey   string `json:"note_key,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// NoteCreator appends a child note to a library item.
type NoteCreator interface {
	CreateNote(ctx context.Context, parentKey, html string, tags []string) (string, error)
}

// Writer decides whether an item needs a summary and writes it.
type Writer struct {
	notes      NoteCreator
	marker     string
	tag        string
	insertNote bool
	summaryDir string
	logger     *zap.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithMarker sets the string embedded in every summary note.
func WithMarker(m string) Option {
	return func(w *Writer) {
		if m != "" {
			w.marker = m
		}
	}
}

// WithTag sets the tag applied to summary notes.
func WithTag(t string) Option {
	return func(w *Writer) {
		w.tag = t
	}
}

// WithInsertNote controls whether notes are written to the library.
// With it off, only the local copy is written.
func WithInsertNote(on bool) Option {
	return func(w *Writer) {
		w.insertNote = on
	}
}

// WithSummaryDir also writes each summary as <dir>/<item key>.md.
func WithSummaryDir(dir string) Option {
	return func(w *Writer) {
		w.summaryDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) {
		w.logger = l
	}
}

// NewWriter creates a Writer.
func NewWriter(notes NoteCreator, opts ...Option) *Writer {
	w := &Writer{
		notes:      notes,
		marker:     DefaultMarker,
		tag:        DefaultTag,
		insertNote: true,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Tag returns the tag applied to summary notes.
func (w *Writer) Tag() string { return w.tag }

// HasPriorSummary reports whether any of the notes is a summary: its
// content contains marker, raw or HTML-escaped as Render writes it, or it
// carries tag. Non-note children are ignored.
func HasPriorSummary(children []zotero.Item, marker, tag string) bool {
	for _, note := range children {
		if !note.IsNote() {
			continue
		}
		if marker != "" && (strings.Contains(note.Note, marker) || strings.Contains(note.Note, html.EscapeString(marker))) {
			return true
		}
		if tag != "" && note.HasTag(tag) {
			return true
		}
	}
	return false
}

// Check decides whether item needs a summary, given its children. It must
// run before any extraction or summarization work for the item.
func (w *Writer) Check(item zotero.Item, children []zotero.Item, force bool) Decision {
	if force {
		return Proceed
	}
	if HasPriorSummary(children, w.marker, w.tag) {
		w.logger.Debug("prior summary found", zap.String("item", item.Key))
		return Skip
	}
	return Proceed
}

// Write appends one summary note to item. children are the item's notes
// as read before summarizing; nothing is re-read from the library.
func (w *Writer) Write(ctx context.Context, item zotero.Item, children []zotero.Item, res summarize.Result, force bool) (Outcome, error) {
	if w.Check(item, children, force) == Skip {
		return Outcome{Status: StatusSkipped}, nil
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: StatusWritten}
	if w.insertNote {
		var tags []string
		if w.tag != "" {
			tags = []string{w.tag}
		}
		key, err := w.notes.CreateNote(ctx, item.Key, w.Render(item, res), tags)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: item %s: %w", ErrWriteFailed, item.Key, err)
		}
		out.NoteKey = key
		w.logger.Info("note written", zap.String("item", item.Key), zap.String("note", key))
	}

	if w.summaryDir != "" {
		path, err := w.saveLocal(item, res)
		if err != nil {
			if !w.insertNote {
				return Outcome{}, fmt.Errorf("%w: %w", ErrWriteFailed, err)
			}
			w.logger.Warn("saving local summary", zap.String("item", item.Key), zap.Error(err))
		} else {
			out.LocalPath = path
		}
	}
	return out, nil
}

// saveLocal writes the markdown summary next to other runs' output.
func (w *Writer) saveLocal(item zotero.Item, res summarize.Result) (string, error) {
	if err := os.MkdirAll(w.summaryDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(w.summaryDir, item.Key+".md")

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", titleOf(item))
	fmt.Fprintf(&b, "- Item: %s\n- Model: %s\n- Generated: %s\n", item.Key, res.Model, res.GeneratedAt.Format("2006-01-02 15:04 MST"))
	if res.Truncated {
		b.WriteString("- Excerpt truncated\n")
	}
	b.WriteString("\n")
	b.WriteString(res.Markdown)
	b.WriteString("\n")

	tmp, err := os.CreateTemp(w.summaryDir, ".summary-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

func titleOf(item zotero.Item) string {
	if t := strings.TrimSpace(item.Title); t != "" {
		return t
	}
	return item.Key
}
