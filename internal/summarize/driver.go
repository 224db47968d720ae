package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/excerpt"
	"github.com/paperflow/paperflow/internal/pacer"
)

// Driver defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultMaxTokens   = 4096
	DefaultMaxWords    = 800
)

// Result is a generated summary.
type Result struct {
	Markdown    string    `json:"markdown"`
	Model       string    `json:"model"`
	Truncated   bool      `json:"truncated"`
	Language    string    `json:"language,omitempty"`
	Attempts    int       `json:"attempts"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Input is what gets summarized.
type Input struct {
	Title   string
	Authors []string
	Year    int
	Excerpt excerpt.Excerpt
}

// Driver sends excerpts to a Completer with a fixed model.
type Driver struct {
	completer      Completer
	model          string
	pacer          *pacer.Pacer
	maxAttempts    int
	backoff        time.Duration
	maxTokens      int
	maxWords       int
	outputLanguage string
	template       *template.Template
	logger         *zap.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverPacer sets the pacer used for backoff sleeps.
func WithDriverPacer(p *pacer.Pacer) DriverOption {
	return func(d *Driver) {
		d.pacer = p
	}
}

// WithMaxAttempts bounds the attempts per summary, including the first.
func WithMaxAttempts(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay before the first retry; it doubles per retry.
func WithBackoff(base time.Duration) DriverOption {
	return func(d *Driver) {
		d.backoff = base
	}
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int) DriverOption {
	return func(d *Driver) {
		d.maxTokens = n
	}
}

// WithMaxWords sets the target summary length given to the model.
func WithMaxWords(n int) DriverOption {
	return func(d *Driver) {
		d.maxWords = n
	}
}

// WithOutputLanguage sets the language summaries are written in. Empty
// means the language of the document.
func WithOutputLanguage(lang string) DriverOption {
	return func(d *Driver) {
		d.outputLanguage = lang
	}
}

// WithTemplate replaces the default instructions.
func WithTemplate(t *template.Template) DriverOption {
	return func(d *Driver) {
		if t != nil {
			d.template = t
		}
	}
}

// WithDriverLogger sets the logger.
func WithDriverLogger(l *zap.Logger) DriverOption {
	return func(d *Driver) {
		d.logger = l
	}
}

// NewDriver creates a driver for a resolved model.
func NewDriver(c Completer, model string, opts ...DriverOption) *Driver {
	d := &Driver{
		completer:   c,
		model:       model,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		maxTokens:   DefaultMaxTokens,
		maxWords:    DefaultMaxWords,
		template:    defaultTemplate,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pacer == nil {
		d.pacer = pacer.New()
	}
	return d
}

// Model returns the model the driver sends requests to.
func (d *Driver) Model() string { return d.model }

// Summarize asks the model for a summary of in. Transient failures are
// retried with exponential backoff; a rejected request is returned after
// one attempt.
func (d *Driver) Summarize(ctx context.Context, in Input) (Result, error) {
	ex := in.Excerpt
	if strings.TrimSpace(ex.Text) == "" {
		return Result{}, fmt.Errorf("%w: empty excerpt", excerpt.ErrNoText)
	}

	lang := DetectLanguage(ex.Text)
	prompt, err := d.render(in, lang)
	if err != nil {
		return Result{}, err
	}
	req := Request{
		Model: d.model,
		Messages: []Message{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: prompt},
		},
		MaxTokens:   d.maxTokens,
		Temperature: 0.2,
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := d.backoff << (attempt - 2)
			d.logger.Info("retrying summary",
				zap.String("title", in.Title),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := d.pacer.Sleep(ctx, delay); err != nil {
				return Result{Attempts: attempt - 1}, err
			}
		}

		text, err := d.completer.Complete(ctx, req)
		if err == nil {
			md := unwrapFence(text)
			if md == "" {
				return Result{Attempts: attempt}, fmt.Errorf("%w: empty completion from %s", ErrInvalidResponse, d.model)
			}
			return Result{
				Markdown:    md,
				Model:       d.model,
				Truncated:   ex.Truncated,
				Language:    lang,
				Attempts:    attempt,
				GeneratedAt: d.pacer.Now().UTC(),
			}, nil
		}

		var ie *InvalidRequestError
		if errors.As(err, &ie) {
			if ie.Model == "" {
				ie.Model = d.model
			}
			ie.ExcerptLen = ex.Len()
			return Result{Attempts: attempt}, err
		}
		if !IsTransient(err) {
			return Result{Attempts: attempt}, err
		}
		lastErr = err
	}
	return Result{Attempts: d.maxAttempts}, fmt.Errorf("giving up after %d attempts: %w", d.maxAttempts, lastErr)
}

// unwrapFence strips a markdown code fence wrapping the whole answer.
func unwrapFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := s[3 : len(s)-3]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return s
	}
	if lang := strings.TrimSpace(body[:nl]); lang != "" && lang != "markdown" && lang != "md" {
		return s
	}
	return strings.TrimSpace(body[nl+1:])
}
