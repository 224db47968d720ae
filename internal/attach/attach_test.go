package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paperflow/paperflow/internal/zotero"
)

type fakeLibrary struct {
	items    map[string]zotero.Item
	children map[string][]zotero.Item
	files    map[string][]byte
	calls    []string
}

func (f *fakeLibrary) Item(_ context.Context, key string) (zotero.Item, error) {
	f.calls = append(f.calls, "item:"+key)
	it, ok := f.items[key]
	if !ok {
		return zotero.Item{}, &zotero.APIError{StatusCode: 404, Message: "Not found", Key: key}
	}
	return it, nil
}

func (f *fakeLibrary) Children(_ context.Context, key string) ([]zotero.Item, error) {
	f.calls = append(f.calls, "children:"+key)
	return f.children[key], nil
}

func (f *fakeLibrary) DownloadFile(_ context.Context, key string, w io.Writer, maxBytes int64) (int64, error) {
	data, ok := f.files[key]
	if !ok {
		return 0, zotero.ErrNotFound
	}
	if int64(len(data)) > maxBytes {
		return 0, zotero.ErrTooLarge
	}
	n, err := w.Write(data)
	return int64(n), err
}

func writeStored(t *testing.T, storage, key, name string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(storage, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("content of "+name), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func pdfAttachment(key, parent, filename string) zotero.Item {
	return zotero.Item{
		Key:         key,
		ItemType:    zotero.ItemTypeAttachment,
		ParentItem:  parent,
		LinkMode:    zotero.LinkModeImportedFile,
		ContentType: "application/pdf",
		Filename:    filename,
	}
}

func TestSelect_MostRecentLocalWins(t *testing.T) {
	storage := t.TempDir()
	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := old.Add(48 * time.Hour)
	writeStored(t, storage, "AAAA1111", "draft.pdf", old)
	want := writeStored(t, storage, "BBBB2222", "final.pdf", recent)

	item := zotero.Item{Key: "PARENT01", ItemType: "journalArticle"}
	children := []zotero.Item{
		pdfAttachment("AAAA1111", "PARENT01", "draft.pdf"),
		{Key: "NOTE0001", ItemType: zotero.ItemTypeNote, ParentItem: "PARENT01"},
		pdfAttachment("BBBB2222", "PARENT01", "final.pdf"),
		pdfAttachment("CCCC3333", "PARENT01", "missing.pdf"),
	}

	r := NewResolver(&fakeLibrary{}, storage)
	doc, err := r.Select(item, children)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if doc.Path != want || doc.Remote {
		t.Errorf("Select() = %+v, want local %s", doc, want)
	}
	if doc.ItemKey != "PARENT01" || doc.AttachmentKey != "BBBB2222" || doc.Kind != KindPDF {
		t.Errorf("Select() keys = %s/%s kind %s", doc.ItemKey, doc.AttachmentKey, doc.Kind)
	}
}

func TestSelect_RemoteFallback(t *testing.T) {
	item := zotero.Item{Key: "PARENT01", ItemType: "journalArticle"}
	children := []zotero.Item{
		{
			Key: "SNAP0001", ItemType: zotero.ItemTypeAttachment, ParentItem: "PARENT01",
			LinkMode: zotero.LinkModeImportedURL, ContentType: "text/html", Filename: "page.html",
			URL: "https://example.org/paper",
		},
		pdfAttachment("PDF00001", "PARENT01", "paper.pdf"),
		{Key: "LINK0001", ItemType: zotero.ItemTypeAttachment, LinkMode: zotero.LinkModeLinkedURL, URL: "https://x"},
	}

	r := NewResolver(&fakeLibrary{}, t.TempDir())
	doc, err := r.Select(item, children)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if !doc.Remote || doc.AttachmentKey != "PDF00001" || doc.Path != "" {
		t.Errorf("Select() = %+v, want remote PDF00001", doc)
	}
}

func TestSelect_LinkedFile(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	item := zotero.Item{Key: "PARENT01", ItemType: "report"}
	children := []zotero.Item{{
		Key: "LINKED01", ItemType: zotero.ItemTypeAttachment, ParentItem: "PARENT01",
		LinkMode: zotero.LinkModeLinkedFile, Path: "attachments:notes.txt",
	}}

	doc, err := NewResolver(&fakeLibrary{}, "", WithLinkedBaseDir(base)).Select(item, children)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if doc.Kind != KindText || doc.Path != filepath.Join(base, "notes.txt") {
		t.Errorf("Select() = %+v", doc)
	}

	// Without a base directory the relative link cannot be followed.
	if _, err := NewResolver(&fakeLibrary{}, "").Select(item, children); !errors.Is(err, ErrNotFound) {
		t.Errorf("Select() without base error = %v, want ErrNotFound", err)
	}
}

func TestSelect_NothingReadable(t *testing.T) {
	item := zotero.Item{Key: "PARENT01", ItemType: "journalArticle"}
	children := []zotero.Item{
		{Key: "NOTE0001", ItemType: zotero.ItemTypeNote},
		{Key: "ZIP00001", ItemType: zotero.ItemTypeAttachment, LinkMode: zotero.LinkModeImportedFile,
			ContentType: "application/zip", Filename: "data.zip"},
	}
	_, err := NewResolver(&fakeLibrary{}, t.TempDir()).Select(item, children)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Select() error = %v, want ErrNotFound", err)
	}
}

func TestResolveDocument_StandaloneAttachment(t *testing.T) {
	storage := t.TempDir()
	path := writeStored(t, storage, "SOLO0001", "solo.pdf", time.Now())
	lib := &fakeLibrary{}

	item := pdfAttachment("SOLO0001", "", "solo.pdf")
	doc, err := NewResolver(lib, storage).ResolveDocument(context.Background(), item)
	if err != nil {
		t.Fatalf("ResolveDocument() error = %v", err)
	}
	if doc.Path != path || doc.ItemKey != "SOLO0001" {
		t.Errorf("ResolveDocument() = %+v", doc)
	}
	if len(lib.calls) != 0 {
		t.Errorf("standalone attachment made calls: %v", lib.calls)
	}
}

func TestStorageKey(t *testing.T) {
	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"/home/u/Zotero/storage/ABCD1234/paper.pdf", "ABCD1234", true},
		{"storage/ZZZZ9999/a b c.html", "ZZZZ9999", true},
		{"/data/storage/abcd1234/paper.pdf", "", false},
		{"/data/storage/ABCD1234", "", false},
		{"/tmp/paper.pdf", "", false},
		{"/x/storage/ABCD1234/sub/storage/EFGH5678/f.pdf", "EFGH5678", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := StorageKey(tt.path)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("StorageKey(%q) = %q, %v, want %q, %v", tt.path, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestResolveItem(t *testing.T) {
	lib := &fakeLibrary{items: map[string]zotero.Item{
		"ATT00001": pdfAttachment("ATT00001", "PARENT01", "paper.pdf"),
		"PARENT01": {Key: "PARENT01", ItemType: "journalArticle", Title: "Parent"},
		"SOLO0001": pdfAttachment("SOLO0001", "", "solo.pdf"),
		"ORPHAN01": pdfAttachment("ORPHAN01", "GONE0001", "x.pdf"),
	}}
	r := NewResolver(lib, "")
	ctx := context.Background()

	got, err := r.ResolveItem(ctx, "/z/storage/ATT00001/paper.pdf")
	if err != nil {
		t.Fatalf("ResolveItem() error = %v", err)
	}
	if got.Key != "PARENT01" {
		t.Errorf("ResolveItem() key = %s, want PARENT01", got.Key)
	}
	if len(lib.calls) != 2 {
		t.Errorf("ResolveItem() made %d calls, want 2: %v", len(lib.calls), lib.calls)
	}

	got, err = r.ResolveItem(ctx, "/z/storage/SOLO0001/solo.pdf")
	if err != nil || got.Key != "SOLO0001" {
		t.Errorf("ResolveItem(standalone) = %s, %v", got.Key, err)
	}

	for _, path := range []string{"/z/storage/UNKNOWN1/x.pdf", "/z/storage/ORPHAN01/x.pdf", "/tmp/x.pdf"} {
		if _, err := r.ResolveItem(ctx, path); !errors.Is(err, ErrNotFound) {
			t.Errorf("ResolveItem(%s) error = %v, want ErrNotFound", path, err)
		}
	}
}

func TestFetch(t *testing.T) {
	lib := &fakeLibrary{files: map[string][]byte{
		"PDF00001": []byte("%PDF-1.4 body"),
		"HUGE0001": bytes.Repeat([]byte("x"), 100),
	}}
	tmp := t.TempDir()
	r := NewResolver(lib, "", WithDownloader(lib), WithTempDir(tmp), WithMaxBytes(50))
	ctx := context.Background()

	doc, cleanup, err := r.Fetch(ctx, Document{AttachmentKey: "PDF00001", Kind: KindPDF, Remote: true})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	data, err := os.ReadFile(doc.Path)
	if err != nil || string(data) != "%PDF-1.4 body" {
		t.Errorf("fetched file = %q, %v", data, err)
	}
	if filepath.Ext(doc.Path) != ".pdf" {
		t.Errorf("fetched path %s has no .pdf extension", doc.Path)
	}
	cleanup()
	if _, err := os.Stat(doc.Path); !os.IsNotExist(err) {
		t.Errorf("cleanup left %s behind", doc.Path)
	}

	_, _, err = r.Fetch(ctx, Document{AttachmentKey: "HUGE0001", Kind: KindPDF, Remote: true})
	if !errors.Is(err, zotero.ErrTooLarge) {
		t.Errorf("Fetch(huge) error = %v, want ErrTooLarge", err)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("failed fetch left %d files", len(entries))
	}

	local := Document{Path: "/already/here.pdf", Kind: KindPDF}
	got, _, err := r.Fetch(ctx, local)
	if err != nil || got != local {
		t.Errorf("Fetch(local) = %+v, %v", got, err)
	}
}

func TestFetch_NoDownloader(t *testing.T) {
	r := NewResolver(&fakeLibrary{}, "")
	_, _, err := r.Fetch(context.Background(), Document{AttachmentKey: "PDF00001", Remote: true})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		ct, name string
		want     Kind
	}{
		{"application/pdf", "", KindPDF},
		{"text/html; charset=utf-8", "", KindHTML},
		{"", "Paper.PDF", KindPDF},
		{"", "snapshot.htm", KindHTML},
		{"", "readme.md", KindText},
		{"application/octet-stream", "x.bin", ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s|%s", tt.ct, tt.name), func(t *testing.T) {
			if got := kindOf(tt.ct, tt.name); got != tt.want {
				t.Errorf("kindOf(%q, %q) = %q, want %q", tt.ct, tt.name, got, tt.want)
			}
		})
	}
}
