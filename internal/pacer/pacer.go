// Package pacer holds the rate-limit and backoff state shared by every worker
// of a run. One Pacer is created at run start and passed to each client.
package pacer

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Services paced by default.
const (
	Zotero          = "zotero"
	CrossRef        = "crossref"
	SemanticScholar = "semanticscholar"
	ArXiv           = "arxiv"
	Web             = "web"
	LLM             = "llm"
)

// Limit is a token-bucket configuration for one service.
type Limit struct {
	Rate  rate.Limit
	Burst int
}

// DefaultLimits are conservative per-service request rates.
var DefaultLimits = map[string]Limit{
	Zotero:          {Rate: 5, Burst: 1},
	CrossRef:        {Rate: 10, Burst: 2},
	SemanticScholar: {Rate: 1, Burst: 1},
	ArXiv:           {Rate: rate.Every(3 * time.Second), Burst: 1},
	Web:             {Rate: 2, Burst: 2},
	LLM:             {Rate: 2, Burst: 2},
}

// fallbackLimit applies to services missing from the configured limits.
var fallbackLimit = Limit{Rate: 1, Burst: 1}

// Clock abstracts time so tests can run without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Pacer paces requests per service and enforces cooldowns requested by servers.
type Pacer struct {
	mu       sync.Mutex
	clock    Clock
	limits   map[string]Limit
	limiters map[string]*rate.Limiter
	cooldown map[string]time.Time
	logger   *zap.Logger
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithClock sets the clock used for pacing.
func WithClock(c Clock) Option {
	return func(p *Pacer) {
		p.clock = c
	}
}

// WithLimit overrides the limit of one service.
func WithLimit(service string, l Limit) Option {
	return func(p *Pacer) {
		p.limits[service] = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pacer) {
		p.logger = l
	}
}

// New creates a Pacer with DefaultLimits.
func New(opts ...Option) *Pacer {
	p := &Pacer{
		clock:    SystemClock,
		limits:   make(map[string]Limit, len(DefaultLimits)),
		limiters: make(map[string]*rate.Limiter),
		cooldown: make(map[string]time.Time),
		logger:   zap.NewNop(),
	}
	for k, v := range DefaultLimits {
		p.limits[k] = v
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pacer) limiter(service string) *rate.Limiter {
	if l, ok := p.limiters[service]; ok {
		return l
	}
	cfg, ok := p.limits[service]
	if !ok {
		cfg = fallbackLimit
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	l := rate.NewLimiter(cfg.Rate, cfg.Burst)
	p.limiters[service] = l
	return l
}

// Wait blocks until a request to service may be sent: any cooldown has
// passed and a token is available.
func (p *Pacer) Wait(ctx context.Context, service string) error {
	for {
		p.mu.Lock()
		lim := p.limiter(service)
		until := p.cooldown[service]
		now := p.clock.Now()
		p.mu.Unlock()

		if now.Before(until) {
			if err := p.sleep(ctx, until.Sub(now)); err != nil {
				return err
			}
			continue
		}

		r := lim.ReserveN(now, 1)
		if !r.OK() {
			return fmt.Errorf("pacer: %s: burst exceeded", service)
		}
		delay := r.DelayFrom(now)
		if delay <= 0 {
			return nil
		}
		if err := p.sleep(ctx, delay); err != nil {
			r.CancelAt(now)
			return err
		}
		return nil
	}
}

// Cooldown blocks every worker's requests to service for at least d.
// A shorter cooldown never shortens one already in effect.
func (p *Pacer) Cooldown(service string, d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	until := p.clock.Now().Add(d)
	if until.After(p.cooldown[service]) {
		p.cooldown[service] = until
		p.logger.Debug("cooldown", zap.String("service", service), zap.Duration("for", d))
	}
}

// CooldownUntil reports when the current cooldown of service ends.
func (p *Pacer) CooldownUntil(service string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldown[service]
}

// Now returns the pacer's clock time.
func (p *Pacer) Now() time.Time {
	return p.clock.Now()
}

// Sleep waits for d on the pacer's clock, or until ctx is done.
func (p *Pacer) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, d)
}

func (p *Pacer) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}

// RetryAfter reads the server's requested wait from Retry-After (seconds or
// HTTP date) or Zotero's Backoff header. It returns 0 when neither is set.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	for _, name := range []string{"Retry-After", "Backoff"} {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	return 0
}

// Observe applies any Retry-After or Backoff header in resp as a cooldown.
func (p *Pacer) Observe(service string, resp *http.Response) {
	if resp == nil {
		return
	}
	if d := RetryAfter(resp.Header, p.clock.Now()); d > 0 {
		p.Cooldown(service, d)
	}
}
