// Package zotero is a client for the Zotero Web API v3: reading items,
// collections and attachment files, and creating items and notes.
package zotero

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/pacer"
)

const (
	// BaseURL is the Zotero Web API base URL.
	BaseURL = "https://api.zotero.org"

	// APIVersion is sent in the Zotero-API-Version header.
	APIVersion = "3"

	// DefaultTimeout bounds API requests. File downloads use DownloadTimeout.
	DefaultTimeout = 30 * time.Second

	// DownloadTimeout bounds attachment downloads.
	DownloadTimeout = 5 * time.Minute

	// PageSize is the number of objects requested per page (API maximum 100).
	PageSize = 100

	// WriteBatchSize is the API maximum of objects per write request.
	WriteBatchSize = 50

	// maxBodyBytes caps JSON responses.
	maxBodyBytes = 32 << 20
)

// Client is a paced HTTP client for one user library.
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	pacer          *pacer.Pacer
	logger         *zap.Logger
	apiKey         string
	userID         string
	baseURL        string
	userAgent      string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for API calls and downloads.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
		c.downloadClient = hc
	}
}

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithPacer shares the run's pacer with the client.
func WithPacer(p *pacer.Pacer) ClientOption {
	return func(c *Client) {
		c.pacer = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for the library of userID.
func NewClient(userID, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: DefaultTimeout},
		downloadClient: &http.Client{Timeout: DownloadTimeout},
		logger:         zap.NewNop(),
		apiKey:         apiKey,
		userID:         userID,
		baseURL:        BaseURL,
		userAgent:      "paperflow/0.1",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pacer == nil {
		c.pacer = pacer.New()
	}
	return c
}

func (c *Client) libraryURL(path string) string {
	return c.baseURL + "/users/" + url.PathEscape(c.userID) + path
}

// do sends one paced request. Backoff and Retry-After headers on any
// response extend the shared cooldown. The caller closes the body.
func (c *Client) do(ctx context.Context, hc *http.Client, method, rawURL string, body []byte, header http.Header, key string) (*http.Response, error) {
	if err := c.pacer.Wait(ctx, pacer.Zotero); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Zotero-API-Key", c.apiKey)
	req.Header.Set("Zotero-API-Version", APIVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	c.pacer.Observe(pacer.Zotero, resp)

	if err := checkHTTPErrors(resp, key); err != nil {
		resp.Body.Close()
		c.logger.Debug("zotero request failed", zap.String("method", method), zap.String("url", rawURL), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL, key string, v any) (http.Header, error) {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, rawURL, nil, nil, key)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return resp.Header, nil
}

// getPages follows Link rel="next" headers until limit objects are read
// (limit <= 0 reads everything).
func getPages[T any](ctx context.Context, c *Client, firstURL string, limit int) ([]T, error) {
	var out []T
	next := firstURL
	for next != "" {
		var page []entry[T]
		header, err := c.getJSON(ctx, next, "", &page)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			out = append(out, e.Data)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		next = nextLink(header.Get("Link"))
	}
	return out, nil
}

// nextLink returns the rel="next" target of a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		target, params, ok := strings.Cut(part, ";")
		if !ok {
			continue
		}
		for _, p := range strings.Split(params, ";") {
			if strings.TrimSpace(p) == `rel="next"` {
				return strings.Trim(strings.TrimSpace(target), "<>")
			}
		}
	}
	return ""
}

func pageQuery(limit int, extra url.Values) string {
	q := url.Values{}
	q.Set("format", "json")
	size := PageSize
	if limit > 0 && limit < size {
		size = limit
	}
	q.Set("limit", strconv.Itoa(size))
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return "?" + q.Encode()
}

// CheckWriteAccess verifies the key can write to the user library.
func (c *Client) CheckWriteAccess(ctx context.Context) (KeyInfo, error) {
	var info KeyInfo
	if _, err := c.getJSON(ctx, c.baseURL+"/keys/current", "", &info); err != nil {
		return KeyInfo{}, fmt.Errorf("checking API key: %w", err)
	}
	if !info.Access.User.Write || !info.Access.User.Library {
		return info, fmt.Errorf("%w: key has no write access to the user library", ErrAuth)
	}
	if c.userID != "" && info.UserID != 0 && strconv.Itoa(info.UserID) != c.userID {
		return info, fmt.Errorf("%w: key belongs to user %d, not %s", ErrAuth, info.UserID, c.userID)
	}
	return info, nil
}

// Collections lists every collection in the library.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	return getPages[Collection](ctx, c, c.libraryURL("/collections")+pageQuery(0, nil), 0)
}

// FindCollection returns the collection named name (case-insensitive).
func (c *Client) FindCollection(ctx context.Context, name string) (Collection, error) {
	cols, err := c.Collections(ctx)
	if err != nil {
		return Collection{}, err
	}
	for _, col := range cols {
		if strings.EqualFold(col.Name, name) {
			return col, nil
		}
	}
	return Collection{}, fmt.Errorf("%w: collection %q", ErrNotFound, name)
}

// ItemQuery selects top-level items.
type ItemQuery struct {
	Collection string // Collection key; empty for the whole library
	Tag        string
	Limit      int // 0 means no limit
}

// Items lists top-level items matching q.
func (c *Client) Items(ctx context.Context, q ItemQuery) ([]Item, error) {
	path := "/items/top"
	if q.Collection != "" {
		path = "/collections/" + url.PathEscape(q.Collection) + "/items/top"
	}
	extra := url.Values{}
	if q.Tag != "" {
		extra.Set("tag", q.Tag)
	}
	return getPages[Item](ctx, c, c.libraryURL(path)+pageQuery(q.Limit, extra), q.Limit)
}

// Item fetches one item by key.
func (c *Client) Item(ctx context.Context, key string) (Item, error) {
	var e entry[Item]
	if _, err := c.getJSON(ctx, c.libraryURL("/items/"+url.PathEscape(key))+"?format=json", key, &e); err != nil {
		return Item{}, err
	}
	if e.Data.Key == "" {
		e.Data.Key = e.Key
	}
	return e.Data, nil
}

// Children lists the attachments and notes of an item.
func (c *Client) Children(ctx context.Context, key string) ([]Item, error) {
	return getPages[Item](ctx, c, c.libraryURL("/items/"+url.PathEscape(key)+"/children")+pageQuery(0, nil), 0)
}

// DownloadFile streams the stored file of an attachment into w, failing
// with ErrTooLarge beyond maxBytes (maxBytes <= 0 means no ceiling).
func (c *Client) DownloadFile(ctx context.Context, key string, w io.Writer, maxBytes int64) (int64, error) {
	resp, err := c.do(ctx, c.downloadClient, http.MethodGet, c.libraryURL("/items/"+url.PathEscape(key)+"/file"), nil, nil, key)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if maxBytes > 0 {
		r = io.LimitReader(resp.Body, maxBytes+1)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	if maxBytes > 0 && n > maxBytes {
		return n, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, key, maxBytes)
	}
	return n, nil
}

// WriteResult maps request indexes to created keys or failures.
type WriteResult struct {
	Created map[int]string
	Failed  map[int]error
}

type writeResponse struct {
	Success   map[string]string `json:"success"`
	Unchanged map[string]string `json:"unchanged"`
	Failed    map[string]struct {
		Key     string `json:"key"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"failed"`
}

// CreateItems creates items in batches. Each batch is one request carrying a
// write token, so a batch is created entirely or not at all.
func (c *Client) CreateItems(ctx context.Context, items []NewItem) (WriteResult, error) {
	res := WriteResult{Created: make(map[int]string), Failed: make(map[int]error)}
	for start := 0; start < len(items); start += WriteBatchSize {
		end := min(start+WriteBatchSize, len(items))
		wr, err := c.postItems(ctx, items[start:end])
		if err != nil {
			return res, err
		}
		for idx, key := range wr.Success {
			if i, err := strconv.Atoi(idx); err == nil {
				res.Created[start+i] = key
			}
		}
		for idx, key := range wr.Unchanged {
			if i, err := strconv.Atoi(idx); err == nil {
				res.Created[start+i] = key
			}
		}
		for idx, f := range wr.Failed {
			if i, err := strconv.Atoi(idx); err == nil {
				res.Failed[start+i] = fmt.Errorf("%w: code %d: %s", ErrWriteRejected, f.Code, f.Message)
			}
		}
	}
	return res, nil
}

func (c *Client) postItems(ctx context.Context, items []NewItem) (writeResponse, error) {
	body, err := json.Marshal(items)
	if err != nil {
		return writeResponse{}, fmt.Errorf("marshaling items: %w", err)
	}
	token, err := writeToken()
	if err != nil {
		return writeResponse{}, err
	}

	resp, err := c.do(ctx, c.httpClient, http.MethodPost, c.libraryURL("/items"), body,
		http.Header{"Zotero-Write-Token": []string{token}}, "")
	if err != nil {
		return writeResponse{}, err
	}
	defer resp.Body.Close()

	var wr writeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&wr); err != nil {
		return writeResponse{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return wr, nil
}

// CreateNote appends a child note to parentKey and returns the note key.
func (c *Client) CreateNote(ctx context.Context, parentKey, html string, tags []string) (string, error) {
	note := NewItem{ItemType: ItemTypeNote, ParentItem: parentKey, Note: html}
	for _, t := range tags {
		if t != "" {
			note.Tags = append(note.Tags, Tag{Tag: t})
		}
	}
	res, err := c.CreateItems(ctx, []NewItem{note})
	if err != nil {
		return "", err
	}
	if err, ok := res.Failed[0]; ok {
		return "", err
	}
	key, ok := res.Created[0]
	if !ok {
		return "", fmt.Errorf("%w: no key returned for note on %s", ErrInvalidResponse, parentKey)
	}
	return key, nil
}

// EnsureCollection returns the key of the collection named name under
// parentKey, creating it if missing.
func (c *Client) EnsureCollection(ctx context.Context, name, parentKey string) (string, error) {
	cols, err := c.Collections(ctx)
	if err != nil {
		return "", err
	}
	for _, col := range cols {
		if col.Name == name && string(col.ParentCollection) == parentKey {
			return col.Key, nil
		}
	}

	body := []map[string]any{{"name": name}}
	if parentKey != "" {
		body[0]["parentCollection"] = parentKey
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling collection: %w", err)
	}
	token, err := writeToken()
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, c.httpClient, http.MethodPost, c.libraryURL("/collections"), data,
		http.Header{"Zotero-Write-Token": []string{token}}, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var wr writeResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if f, ok := wr.Failed["0"]; ok {
		return "", fmt.Errorf("%w: code %d: %s", ErrWriteRejected, f.Code, f.Message)
	}
	if key := wr.Success["0"]; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: no key returned for collection %q", ErrInvalidResponse, name)
}

// writeToken returns a random token that makes a write request idempotent.
func writeToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating write token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
