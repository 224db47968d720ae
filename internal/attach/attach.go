// Package attach locates the document file behind a library item, and the
// library item behind a document file.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/zotero"
)

// ErrNotFound indicates no document or item could be matched.
var ErrNotFound = errors.New("no matching document")

// Kind is the format of a document.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindHTML Kind = "html"
	KindText Kind = "text"
)

// Document is a resolved attachment file.
type Document struct {
	ItemKey       string    `json:"item_key"`
	AttachmentKey string    `json:"attachment_key"`
	Kind          Kind      `json:"kind"`
	ContentType   string    `json:"content_type,omitempty"`
	Filename      string    `json:"filename,omitempty"`
	Path          string    `json:"path,omitempty"` // Local file, set for local or fetched documents
	URL           string    `json:"url,omitempty"`  // "Imported from URL" hint
	Remote        bool      `json:"remote"`         // Must be downloaded through the library API
	ModTime       time.Time `json:"mod_time,omitempty"`
}

// ItemReader reads items from the library.
type ItemReader interface {
	Item(ctx context.Context, key string) (zotero.Item, error)
	Children(ctx context.Context, key string) ([]zotero.Item, error)
}

// Downloader fetches attachment files from the library.
type Downloader interface {
	DownloadFile(ctx context.Context, key string, w io.Writer, maxBytes int64) (int64, error)
}

// DefaultMaxBytes is the download ceiling for remote documents.
const DefaultMaxBytes = 64 << 20

// Resolver maps items to documents and documents to items.
type Resolver struct {
	items         ItemReader
	downloader    Downloader
	storageDir    string
	linkedBaseDir string
	tempDir       string
	maxBytes      int64
	logger        *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDownloader enables fetching remote documents.
func WithDownloader(d Downloader) Option {
	return func(r *Resolver) {
		r.downloader = d
	}
}

// WithLinkedBaseDir sets the base directory of "attachments:" relative links.
func WithLinkedBaseDir(dir string) Option {
	return func(r *Resolver) {
		r.linkedBaseDir = dir
	}
}

// WithTempDir sets where fetched documents are written.
func WithTempDir(dir string) Option {
	return func(r *Resolver) {
		r.tempDir = dir
	}
}

// WithMaxBytes sets the download ceiling.
func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		r.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver over a Zotero storage directory
// (<data dir>/storage). storageDir may be empty when no local copy exists.
func NewResolver(items ItemReader, storageDir string, opts ...Option) *Resolver {
	r := &Resolver{
		items:      items,
		storageDir: storageDir,
		maxBytes:   DefaultMaxBytes,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveDocument lists the children of item and selects its document.
func (r *Resolver) ResolveDocument(ctx context.Context, item zotero.Item) (Document, error) {
	var children []zotero.Item
	if !item.IsAttachment() {
		var err error
		children, err = r.items.Children(ctx, item.Key)
		if err != nil {
			return Document{}, fmt.Errorf("listing attachments of %s: %w", item.Key, err)
		}
	}
	return r.Select(item, children)
}

// Select picks the document of item among its children. Attachments with
// a stored file on disk beat remote ones, and among local files the most
// recently modified wins. Without a local file, a PDF stored in the
// library is preferred as a remote document.
func (r *Resolver) Select(item zotero.Item, children []zotero.Item) (Document, error) {
	candidates := children
	if item.IsAttachment() {
		candidates = []zotero.Item{item}
	}

	var local, remote []Document
	for _, att := range candidates {
		if !att.IsAttachment() {
			continue
		}
		kind := kindOf(att.ContentType, att.Filename+att.Path)
		if kind == "" {
			continue
		}
		doc := Document{
			ItemKey:       item.Key,
			AttachmentKey: att.Key,
			Kind:          kind,
			ContentType:   att.ContentType,
			Filename:      att.Filename,
			URL:           att.URL,
		}
		if att.ParentItem != "" {
			doc.ItemKey = att.ParentItem
		}

		if path, info, ok := r.localFile(att); ok {
			doc.Path = path
			doc.ModTime = info.ModTime()
			local = append(local, doc)
			continue
		}
		if att.LinkMode == zotero.LinkModeImportedFile || att.LinkMode == zotero.LinkModeImportedURL {
			doc.Remote = true
			remote = append(remote, doc)
		}
	}

	if len(local) > 0 {
		sort.SliceStable(local, func(i, j int) bool {
			if !local[i].ModTime.Equal(local[j].ModTime) {
				return local[i].ModTime.After(local[j].ModTime)
			}
			return kindRank(local[i].Kind) < kindRank(local[j].Kind)
		})
		return local[0], nil
	}
	if len(remote) > 0 {
		sort.SliceStable(remote, func(i, j int) bool {
			return kindRank(remote[i].Kind) < kindRank(remote[j].Kind)
		})
		return remote[0], nil
	}
	return Document{}, fmt.Errorf("%w: item %s has no readable attachment", ErrNotFound, item.Key)
}

// localFile returns the on-disk file of an attachment, if present.
func (r *Resolver) localFile(att zotero.Item) (string, os.FileInfo, bool) {
	var path string
	switch att.LinkMode {
	case zotero.LinkModeImportedFile, zotero.LinkModeImportedURL:
		if r.storageDir == "" || att.Filename == "" {
			return "", nil, false
		}
		path = filepath.Join(r.storageDir, att.Key, att.Filename)
	case zotero.LinkModeLinkedFile:
		path = att.Path
		if rel, ok := strings.CutPrefix(path, "attachments:"); ok {
			if r.linkedBaseDir == "" {
				return "", nil, false
			}
			path = filepath.Join(r.linkedBaseDir, rel)
		}
	default:
		return "", nil, false
	}
	if path == "" {
		return "", nil, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", nil, false
	}
	return path, info, true
}

// storageKeyPattern matches Zotero object keys.
var storageKeyPattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// StorageKey returns the storage key embedded in a path of the form
// .../storage/<KEY>/<file>.
func StorageKey(path string) (string, bool) {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for i := len(parts) - 3; i >= 0; i-- {
		if parts[i] == "storage" && storageKeyPattern.MatchString(parts[i+1]) {
			return parts[i+1], true
		}
	}
	return "", false
}

// ResolveItem returns the library item owning the document at path, using
// the storage key in the path: one request for the attachment, one for its
// parent.
func (r *Resolver) ResolveItem(ctx context.Context, path string) (zotero.Item, error) {
	key, ok := StorageKey(path)
	if !ok {
		return zotero.Item{}, fmt.Errorf("%w: no storage key in %s", ErrNotFound, path)
	}

	att, err := r.items.Item(ctx, key)
	if err != nil {
		if zotero.IsNotFound(err) {
			return zotero.Item{}, fmt.Errorf("%w: storage key %s: %v", ErrNotFound, key, err)
		}
		return zotero.Item{}, fmt.Errorf("fetching attachment %s: %w", key, err)
	}
	if att.ParentItem == "" {
		return att, nil
	}

	parent, err := r.items.Item(ctx, att.ParentItem)
	if err != nil {
		if zotero.IsNotFound(err) {
			return zotero.Item{}, fmt.Errorf("%w: parent %s of %s: %v", ErrNotFound, att.ParentItem, key, err)
		}
		return zotero.Item{}, fmt.Errorf("fetching parent %s: %w", att.ParentItem, err)
	}
	return parent, nil
}

// Fetch makes a remote document local by downloading it to a temporary
// file. The returned cleanup removes that file; it is a no-op for local
// documents.
func (r *Resolver) Fetch(ctx context.Context, doc Document) (Document, func(), error) {
	noop := func() {}
	if !doc.Remote || doc.Path != "" {
		return doc, noop, nil
	}
	if r.downloader == nil {
		return doc, noop, fmt.Errorf("%w: %s is remote and downloads are disabled", ErrNotFound, doc.AttachmentKey)
	}

	f, err := os.CreateTemp(r.tempDir, "paperflow-*"+extension(doc.Kind))
	if err != nil {
		return doc, noop, fmt.Errorf("creating temp file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	n, err := r.downloader.DownloadFile(ctx, doc.AttachmentKey, f, r.maxBytes)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return doc, noop, fmt.Errorf("downloading %s: %w", doc.AttachmentKey, err)
	}

	r.logger.Debug("fetched remote document",
		zap.String("attachment", doc.AttachmentKey), zap.Int64("bytes", n))
	doc.Path = f.Name()
	return doc, cleanup, nil
}

func kindOf(contentType, name string) Kind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "application/pdf":
		return KindPDF
	case "text/html", "application/xhtml+xml":
		return KindHTML
	case "text/plain", "text/markdown":
		return KindText
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".html", ".htm", ".xhtml":
		return KindHTML
	case ".txt", ".md":
		return KindText
	}
	return ""
}

// KindOf guesses a document kind from a file name.
func KindOf(name string) Kind {
	return kindOf("", name)
}

func kindRank(k Kind) int {
	switch k {
	case KindPDF:
		return 0
	case KindHTML:
		return 1
	default:
		return 2
	}
}

func extension(k Kind) string {
	switch k {
	case KindPDF:
		return ".pdf"
	case KindHTML:
		return ".html"
	default:
		return ".txt"
	}
}
