package excerpt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/paperflow/paperflow/internal/attach"
)

// fakePages is a paginated document held in memory.
type fakePages struct {
	pages []string
	fail  map[int]bool
	read  []int
}

func (f *fakePages) NumPage() int { return len(f.pages) }

func (f *fakePages) PageText(n int) (string, error) {
	f.read = append(f.read, n)
	if f.fail[n] {
		return "", fmt.Errorf("page %d is corrupt", n)
	}
	return f.pages[n-1], nil
}

func numberedPages(n, size int) *fakePages {
	f := &fakePages{}
	for i := 1; i <= n; i++ {
		body := fmt.Sprintf("Page %d. ", i)
		body += strings.Repeat("x", max(0, size-len(body)))
		f.pages = append(f.pages, body)
	}
	return f
}

func TestFromPages_FiftyPageDocument(t *testing.T) {
	src := numberedPages(50, 1000)

	// 50 pages of 1000 chars hit the 5000-char ceiling long before page 80.
	ex := FromPages(src, 80, 5000)
	if !ex.Truncated {
		t.Error("Truncated = false, want true")
	}
	if got := ex.Len(); got != 5000 {
		t.Errorf("Len() = %d, want 5000", got)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, ex.Pages); diff != "" {
		t.Errorf("Pages mismatch (-want +got):\n%s", diff)
	}
	if ex.PageCount != 50 {
		t.Errorf("PageCount = %d, want 50", ex.PageCount)
	}
	// Reading stops at the ceiling.
	if len(src.read) != 5 {
		t.Errorf("read %d pages, want 5", len(src.read))
	}
}

func TestFromPages_PageCeiling(t *testing.T) {
	src := numberedPages(50, 100)
	ex := FromPages(src, 3, 1_000_000)
	if diff := cmp.Diff([]int{1, 2, 3}, ex.Pages); diff != "" {
		t.Errorf("Pages mismatch (-want +got):\n%s", diff)
	}
	if ex.Truncated {
		t.Error("Truncated = true, but only the page ceiling was reached")
	}
	if !strings.HasPrefix(ex.Text, "Page 1.") || !strings.Contains(ex.Text, "Page 3.") || strings.Contains(ex.Text, "Page 4.") {
		t.Errorf("Text = %.60q...", ex.Text)
	}
}

func TestFromPages_TwoOfFiftyPagesUnderCharCeiling(t *testing.T) {
	src := numberedPages(50, 100)
	ex := FromPages(src, 2, 100000)
	if diff := cmp.Diff([]int{1, 2}, ex.Pages); diff != "" {
		t.Errorf("Pages mismatch (-want +got):\n%s", diff)
	}
	if ex.Truncated {
		t.Errorf("Truncated = true for %d chars of 2 pages, want false", ex.Len())
	}
	if ex.PageCount != 50 {
		t.Errorf("PageCount = %d, want 50", ex.PageCount)
	}
	if len(src.read) != 2 {
		t.Errorf("read %d pages, want 2", len(src.read))
	}
}

func TestFromPages_Bounds(t *testing.T) {
	for _, maxPages := range []int{1, 2, 7, 50, 100} {
		for _, maxChars := range []int{1, 9, 150, 999, 20000, 100000} {
			t.Run(fmt.Sprintf("%d_%d", maxPages, maxChars), func(t *testing.T) {
				ex := FromPages(numberedPages(30, 700), maxPages, maxChars)
				if ex.Len() > maxChars {
					t.Errorf("Len() = %d > %d", ex.Len(), maxChars)
				}
				for _, p := range ex.Pages {
					if p > maxPages {
						t.Errorf("page %d > maxPages %d", p, maxPages)
					}
				}
				if ex.Text == "" {
					t.Error("Text is empty for a document with text")
				}
				if !utf8.ValidString(ex.Text) {
					t.Error("Text is not valid UTF-8")
				}
			})
		}
	}
}

func TestFromPages_ZeroCeilings(t *testing.T) {
	for _, c := range [][2]int{{0, 100}, {10, 0}, {-1, -1}} {
		ex := FromPages(numberedPages(5, 100), c[0], c[1])
		if ex.Text != "" || len(ex.Pages) != 0 {
			t.Errorf("FromPages(%d, %d) = %+v, want empty", c[0], c[1], ex)
		}
	}
}

func TestFromPages_SkipsBadAndBlankPages(t *testing.T) {
	src := &fakePages{
		pages: []string{"first", "  \n\t ", "third", "fourth"},
		fail:  map[int]bool{3: true},
	}
	ex := FromPages(src, 10, 1000)
	if ex.Text != "first\n\nfourth" {
		t.Errorf("Text = %q", ex.Text)
	}
	if diff := cmp.Diff([]int{1, 4}, ex.Pages); diff != "" {
		t.Errorf("Pages mismatch (-want +got):\n%s", diff)
	}
	if ex.Truncated {
		t.Error("Truncated = true, want false")
	}
}

func TestFromPages_TruncatesAtRuneBoundary(t *testing.T) {
	src := &fakePages{pages: []string{"日本語のテキスト"}}
	ex := FromPages(src, 1, 3)
	if ex.Text != "日本語" {
		t.Errorf("Text = %q, want %q", ex.Text, "日本語")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a   b\t\tc", "a b c"},
		{"line one\r\n\r\n\n  line two  ", "line one\nline two"},
		{"bell\x07 char", "bell char"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtract_PlainText(t *testing.T) {
	path := writeFile(t, "notes.txt", strings.Repeat("word ", 100))
	ex, err := Extract(attach.Document{Path: path, Kind: attach.KindText}, 5, 50)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if ex.Len() > 50 || !ex.Truncated || ex.Source != path {
		t.Errorf("Extract() = %+v", ex)
	}
}

func TestExtract_HTMLSnapshot(t *testing.T) {
	page := `<html><head><title>Diffusion Policy</title><script>var x = 1;</script></head>
<body>
<nav><a href="/">Home</a> | <a href="/about">About</a></nav>
<article>
<h1>Diffusion Policy</h1>
<p>We introduce Diffusion Policy, a new way of generating robot behavior by representing a
visuomotor policy as a conditional denoising diffusion process.</p>
<p>We benchmark Diffusion Policy across 12 different tasks from 4 robot manipulation
benchmarks and find that it consistently outperforms existing methods.</p>
</article>
<footer>Copyright 2023</footer>
</body></html>`
	path := writeFile(t, "snapshot.html", page)

	ex, err := Extract(attach.Document{Path: path, Kind: attach.KindHTML, URL: "https://example.org/dp"}, 10, 10000)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if !strings.Contains(ex.Text, "conditional denoising diffusion process") {
		t.Errorf("Text missing article body: %q", ex.Text)
	}
	if strings.Contains(ex.Text, "var x") {
		t.Errorf("Text contains script: %q", ex.Text)
	}
	if ex.PageCount != 1 || len(ex.Pages) != 1 {
		t.Errorf("PageCount = %d, Pages = %v, want one logical page", ex.PageCount, ex.Pages)
	}
}

func TestExtract_Failures(t *testing.T) {
	corrupt := writeFile(t, "broken.pdf", "this is not a pdf at all")
	empty := writeFile(t, "empty.txt", "   \n\n  ")

	tests := []struct {
		name    string
		doc     attach.Document
		wantErr error
	}{
		{"corrupt pdf", attach.Document{Path: corrupt, Kind: attach.KindPDF}, ErrExtractionFailed},
		{"missing file", attach.Document{Path: filepath.Join(t.TempDir(), "gone.pdf"), Kind: attach.KindPDF}, ErrExtractionFailed},
		{"no local path", attach.Document{AttachmentKey: "REMOTE01", Remote: true}, ErrExtractionFailed},
		{"no text", attach.Document{Path: empty, Kind: attach.KindText}, ErrNoText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.doc, 10, 1000)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Extract() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if !errors.Is(ErrNoText, ErrExtractionFailed) {
		t.Error("ErrNoText is not an ErrExtractionFailed")
	}
}

func TestExtract_ZeroCeilingsSkipReading(t *testing.T) {
	doc := attach.Document{Path: "/does/not/exist.pdf", Kind: attach.KindPDF}
	ex, err := Extract(doc, 0, 1000)
	if err != nil || ex.Text != "" {
		t.Errorf("Extract() = %+v, %v, want empty excerpt", ex, err)
	}
}
