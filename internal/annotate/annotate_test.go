package annotate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paperflow/paperflow/internal/summarize"
	"github.com/paperflow/paperflow/internal/zotero"
)

// library keeps notes in memory and only supports appending.
type library struct {
	mu     sync.Mutex
	notes  map[string][]zotero.Item
	reject error
	next   int
}

func newLibrary() *library {
	return &library{notes: map[string][]zotero.Item{}}
}

func (l *library) CreateNote(_ context.Context, parentKey, html string, tags []string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reject != nil {
		return "", l.reject
	}
	l.next++
	key := "NOTE" + strings.Repeat("0", 3) + string(rune('0'+l.next))
	note := zotero.Item{Key: key, ItemType: zotero.ItemTypeNote, ParentItem: parentKey, Note: html}
	for _, t := range tags {
		note.Tags = append(note.Tags, zotero.Tag{Tag: t})
	}
	l.notes[parentKey] = append(l.notes[parentKey], note)
	return key, nil
}

func (l *library) children(key string) []zotero.Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]zotero.Item(nil), l.notes[key]...)
}

func sampleResult() summarize.Result {
	return summarize.Result{
		Markdown:    "## Problem\n\nRobots & <b>policies</b>.\n\n| a | b |\n|---|---|\n| 1 | 2 |\n",
		Model:       "gpt-4o-mini",
		Truncated:   true,
		GeneratedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

var paper = zotero.Item{Key: "PAPER001", ItemType: "journalArticle", Title: "Diffusion Policy <v2>"}

func TestHasPriorSummary(t *testing.T) {
	tests := []struct {
		name     string
		children []zotero.Item
		want     bool
	}{
		{"no children", nil, false},
		{"unrelated note", []zotero.Item{{ItemType: zotero.ItemTypeNote, Note: "<p>my notes</p>"}}, false},
		{"marker in content", []zotero.Item{{ItemType: zotero.ItemTypeNote, Note: "<p><code>paperflow:ai-summary</code></p>"}}, true},
		{"tag", []zotero.Item{{ItemType: zotero.ItemTypeNote, Tags: []zotero.Tag{{Tag: "AI-Summary"}}}}, true},
		{"tag on attachment ignored", []zotero.Item{{ItemType: zotero.ItemTypeAttachment, Tags: []zotero.Tag{{Tag: "ai-summary"}}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasPriorSummary(tt.children, DefaultMarker, "ai-summary"); got != tt.want {
				t.Errorf("HasPriorSummary() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	w := NewWriter(newLibrary(), WithTag("ai-summary"))
	tagged := []zotero.Item{{ItemType: zotero.ItemTypeNote, Tags: []zotero.Tag{{Tag: "ai-summary"}}}}

	if got := w.Check(paper, tagged, false); got != Skip {
		t.Errorf("Check(tagged, force=false) = %v, want skip", got)
	}
	if got := w.Check(paper, tagged, true); got != Proceed {
		t.Errorf("Check(tagged, force=true) = %v, want proceed", got)
	}
	if got := w.Check(paper, nil, false); got != Proceed {
		t.Errorf("Check(no notes) = %v, want proceed", got)
	}
}

// countingSummarizer counts how often a summary is requested.
type countingSummarizer struct{ calls int }

func (c *countingSummarizer) summarize() summarize.Result {
	c.calls++
	return sampleResult()
}

func TestCheck_SkipsBeforeSummarizing(t *testing.T) {
	lib := newLibrary()
	w := NewWriter(lib, WithTag("ai-summary"))
	existing := zotero.Item{Key: "OLD00001", ItemType: zotero.ItemTypeNote, ParentItem: paper.Key,
		Note: "<p>earlier</p>", Tags: []zotero.Tag{{Tag: "ai-summary"}}}
	lib.notes[paper.Key] = []zotero.Item{existing}

	s := &countingSummarizer{}
	children := lib.children(paper.Key)
	if w.Check(paper, children, false) == Proceed {
		if _, err := w.Write(context.Background(), paper, children, s.summarize(), false); err != nil {
			t.Fatal(err)
		}
	}

	if s.calls != 0 {
		t.Errorf("summarizer called %d times for an already summarized item", s.calls)
	}
	if n := len(lib.children(paper.Key)); n != 1 {
		t.Errorf("notes = %d, want 1", n)
	}
}

func TestWrite_AppendOnly(t *testing.T) {
	lib := newLibrary()
	lib.notes[paper.Key] = []zotero.Item{{Key: "USER0001", ItemType: zotero.ItemTypeNote, Note: "<p>mine</p>"}}
	w := NewWriter(lib, WithTag("ai-summary"))
	ctx := context.Background()

	runs := []bool{false, false, true, true, false}
	for i, force := range runs {
		before := lib.children(paper.Key)
		out, err := w.Write(ctx, paper, before, sampleResult(), force)
		if err != nil {
			t.Fatalf("run %d: Write() error = %v", i, err)
		}
		after := lib.children(paper.Key)

		for j, note := range before {
			if after[j].Key != note.Key || after[j].Note != note.Note {
				t.Fatalf("run %d: note %s changed or removed", i, note.Key)
			}
		}
		grew := len(after) - len(before)
		switch {
		case i == 0 && (out.Status != StatusWritten || grew != 1):
			t.Errorf("first run: status %s, grew %d", out.Status, grew)
		case i > 0 && !force && (out.Status != StatusSkipped || grew != 0):
			t.Errorf("run %d unforced: status %s, grew %d", i, out.Status, grew)
		case force && (out.Status != StatusWritten || grew != 1):
			t.Errorf("run %d forced: status %s, grew %d", i, out.Status, grew)
		}
	}
	if n := len(lib.children(paper.Key)); n != 4 {
		t.Errorf("final notes = %d, want 4", n)
	}
}

func TestWrite_NoteContent(t *testing.T) {
	lib := newLibrary()
	w := NewWriter(lib, WithTag("ai-summary"))
	out, err := w.Write(context.Background(), paper, nil, sampleResult(), false)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	notes := lib.children(paper.Key)
	if len(notes) != 1 || notes[0].Key != out.NoteKey {
		t.Fatalf("notes = %+v, outcome = %+v", notes, out)
	}
	note := notes[0]
	if !note.HasTag("ai-summary") {
		t.Errorf("note tags = %v", note.Tags)
	}
	for _, want := range []string{
		"AI Summary: Diffusion Policy &lt;v2&gt;",
		"Model: gpt-4o-mini",
		"Excerpt truncated",
		DefaultMarker,
		"<h2",
		"<table>",
	} {
		if !strings.Contains(note.Note, want) {
			t.Errorf("note missing %q:\n%s", want, note.Note)
		}
	}
	if strings.Contains(note.Note, "<b>policies</b>") {
		t.Errorf("note not sanitized:\n%s", note.Note)
	}
	if !HasPriorSummary(notes, DefaultMarker, "") {
		t.Error("written note not recognized by marker alone")
	}
}

func TestWrite_MarkerWithHTMLCharacters(t *testing.T) {
	lib := newLibrary()
	marker := `pf<summary & "notes">`
	w := NewWriter(lib, WithMarker(marker), WithTag(""))
	if _, err := w.Write(context.Background(), paper, nil, sampleResult(), false); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	notes := lib.children(paper.Key)
	if !HasPriorSummary(notes, marker, "") {
		t.Errorf("note with escaped marker not recognized:\n%s", notes[0].Note)
	}
	if got := w.Check(paper, notes, false); got != Skip {
		t.Errorf("Check() = %v, want Skip", got)
	}
}

func TestWrite_Rejected(t *testing.T) {
	lib := newLibrary()
	lib.reject = &zotero.APIError{StatusCode: 413, Message: "Request Entity Too Large"}
	w := NewWriter(lib)
	_, err := w.Write(context.Background(), paper, nil, sampleResult(), false)
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Write() error = %v, want ErrWriteFailed", err)
	}
	var apiErr *zotero.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("Write() error %v does not wrap the API error", err)
	}
	if len(lib.children(paper.Key)) != 0 {
		t.Error("rejected write left a note")
	}
}

func TestWrite_SummaryDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "summaries")
	lib := newLibrary()
	w := NewWriter(lib, WithSummaryDir(dir), WithInsertNote(false))

	out, err := w.Write(context.Background(), paper, nil, sampleResult(), false)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if out.NoteKey != "" || len(lib.children(paper.Key)) != 0 {
		t.Errorf("note written with insertion disabled: %+v", out)
	}
	want := filepath.Join(dir, "PAPER001.md")
	if out.LocalPath != want {
		t.Errorf("LocalPath = %q, want %q", out.LocalPath, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"# Diffusion Policy <v2>", "- Model: gpt-4o-mini", "## Problem"} {
		if !strings.Contains(string(data), s) {
			t.Errorf("local copy missing %q:\n%s", s, data)
		}
	}
}

func TestRenderBody(t *testing.T) {
	got := renderBody("Hello <script>alert(1)</script> **world**")
	if strings.Contains(got, "<script") {
		t.Errorf("renderBody() kept script: %s", got)
	}
	if !strings.Contains(got, "<strong>world</strong>") {
		t.Errorf("renderBody() = %s", got)
	}
	if got := renderBody("<script>x</script>"); got != "<pre>&lt;script&gt;x&lt;/script&gt;</pre>" {
		t.Errorf("renderBody(script only) = %s, want <pre> fallback", got)
	}
}
