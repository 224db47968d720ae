// Package lookup fills missing bibliographic fields from external services
// keyed by DOI or arXiv ID, and from publisher page meta tags.
package lookup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/paperflow/paperflow/internal/ident"
	"github.com/paperflow/paperflow/internal/pacer"
	"github.com/paperflow/paperflow/internal/reference"
)

const (
	// DefaultTimeout bounds every lookup request.
	DefaultTimeout = 20 * time.Second

	// UserAgent identifies lookup requests.
	UserAgent = "paperflow/0.1 (+https://github.com/paperflow/paperflow)"

	// maxBodyBytes caps how much of a response is read.
	maxBodyBytes = 4 << 20

	// defaultCooldown applies after a 429 without Retry-After.
	defaultCooldown = 30 * time.Second
)

// Provider looks up one work and returns the fields it found.
type Provider interface {
	Name() string
	// Lookup returns ErrNotApplicable when ids and rec give it nothing to query.
	Lookup(ctx context.Context, ids ident.Identifiers, rec reference.Record) (reference.Record, error)
}

type settings struct {
	baseURL    string
	httpClient *http.Client
	pacer      *pacer.Pacer
	userAgent  string
	mailto     string
	apiKey     string
}

// Option configures a provider.
type Option func(*settings)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) {
		s.httpClient = hc
	}
}

// WithPacer shares the run's pacer with the provider.
func WithPacer(p *pacer.Pacer) Option {
	return func(s *settings) {
		s.pacer = p
	}
}

// WithMailto sets the contact address sent to CrossRef's polite pool.
func WithMailto(email string) Option {
	return func(s *settings) {
		s.mailto = email
	}
}

// WithAPIKey sets an API key for services that accept one.
func WithAPIKey(key string) Option {
	return func(s *settings) {
		s.apiKey = key
	}
}

func newSettings(baseURL string, opts []Option) settings {
	s := settings{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  UserAgent,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.pacer == nil {
		s.pacer = pacer.New()
	}
	return s
}

// get performs a paced GET and returns the body and headers.
func (s settings) get(ctx context.Context, provider, service, rawURL, accept string, header http.Header) ([]byte, http.Header, error) {
	if err := s.pacer.Wait(ctx, service); err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w: %v", provider, ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if d := pacer.RetryAfter(resp.Header, s.pacer.Now()); d > 0 {
			s.pacer.Cooldown(service, d)
		} else {
			s.pacer.Cooldown(service, defaultCooldown)
		}
	}
	if err := checkHTTPErrors(provider, resp); err != nil {
		return nil, nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w: %v", provider, ErrNetworkError, err)
	}
	return body, resp.Header, nil
}

var (
	paragraphEnd = regexp.MustCompile(`(?i)<\s*/\s*(?:jats:)?p\s*>|<\s*br\s*/?\s*>`)
	spaceRun     = regexp.MustCompile(`\s+`)
	yearInText   = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
)

// stripTags turns an HTML or JATS fragment into plain text.
func stripTags(s string) string {
	if s == "" {
		return ""
	}
	s = paragraphEnd.ReplaceAllStringFunc(s, func(m string) string { return m + " " })
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapse(s)
	}
	return collapse(doc.Text())
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// yearOf returns the first plausible year in s, or 0.
func yearOf(s string) int {
	m := yearInText.FindString(s)
	if m == "" {
		return 0
	}
	y := 0
	for _, c := range m {
		y = y*10 + int(c-'0')
	}
	return y
}
