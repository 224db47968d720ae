package main

import (
	"context"
	"net/http"
	"os"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/paperflow/paperflow/internal/config"
	"github.com/paperflow/paperflow/internal/lookup"
	"github.com/paperflow/paperflow/internal/pacer"
	"github.com/paperflow/paperflow/internal/reference"
	"github.com/paperflow/paperflow/internal/storage"
	"github.com/paperflow/paperflow/internal/summarize"
	"github.com/paperflow/paperflow/internal/zotero"
)

// newPacer builds the run-wide pacer shared by every client.
func newPacer() *pacer.Pacer {
	opts := []pacer.Option{pacer.WithLogger(logger)}
	if rpm := cfg.LLM.RequestsPerMin; rpm > 0 {
		opts = append(opts, pacer.WithLimit(pacer.LLM, pacer.Limit{Rate: rate.Limit(rpm / 60), Burst: 1}))
	}
	if cfg.Enrich.S2APIKey != "" {
		opts = append(opts, pacer.WithLimit(pacer.SemanticScholar, pacer.Limit{Rate: 10, Burst: 2}))
	}
	return pacer.New(opts...)
}

// mustZoteroClient validates library settings and returns a client.
func mustZoteroClient(p *pacer.Pacer) *zotero.Client {
	if err := cfg.ValidateLibrary(); err != nil {
		exitWithError(ExitConfigError, "%v", err)
	}
	opts := []zotero.ClientOption{zotero.WithPacer(p), zotero.WithLogger(logger)}
	if cfg.Zotero.BaseURL != "" {
		opts = append(opts, zotero.WithBaseURL(cfg.Zotero.BaseURL))
	}
	return zotero.NewClient(cfg.Zotero.UserID, cfg.Zotero.APIKey, opts...)
}

// mustCheckWriteAccess exits when the key cannot write notes or items.
func mustCheckWriteAccess(ctx context.Context, zc *zotero.Client) {
	info, err := zc.CheckWriteAccess(ctx)
	if err != nil {
		if zotero.IsAuthError(err) {
			exitWithError(ExitConfigError, "Zotero API key rejected: %v", err)
		}
		exitWithError(ExitError, "checking Zotero access: %v", err)
	}
	logger.Debug("zotero key checked", zap.String("user", info.Username))
}

// mustCompleter returns the configured generative backend.
func mustCompleter(ctx context.Context, p *pacer.Pacer) summarize.Completer {
	switch cfg.LLM.Provider {
	case config.ProviderGemini:
		c, err := summarize.NewGenAIClient(ctx, cfg.LLM.APIKey, p)
		if err != nil {
			exitWithError(ExitConfigError, "creating Gemini client: %v", err)
		}
		return c
	default:
		opts := []summarize.OpenAIOption{
			summarize.WithPacer(p),
			summarize.WithClientLogger(logger),
			summarize.WithHTTPClient(&http.Client{Timeout: cfg.LLM.Timeout}),
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, summarize.WithBaseURL(cfg.LLM.BaseURL))
		}
		return summarize.NewOpenAIClient(cfg.LLM.APIKey, opts...)
	}
}

// newEnricher returns an enricher over the default providers.
func newEnricher(p *pacer.Pacer) *lookup.Enricher {
	opts := []lookup.Option{lookup.WithPacer(p)}
	if cfg.Enrich.Mailto != "" {
		opts = append(opts, lookup.WithMailto(cfg.Enrich.Mailto))
	}
	if cfg.Enrich.S2APIKey != "" {
		opts = append(opts, lookup.WithAPIKey(cfg.Enrich.S2APIKey))
	}
	return lookup.NewEnricher(logger, lookup.DefaultProviders(opts...)...)
}

// mustOpenDatabase opens the run ledger, exits on error.
// The caller is responsible for calling Close() on the returned DB.
func mustOpenDatabase() *storage.DB {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		exitWithError(ExitError, "creating state directory: %v", err)
	}
	db, err := storage.OpenDB(cfg.DBPath())
	if err != nil {
		exitWithError(ExitError, "opening database: %v", err)
	}
	return db
}

// mustReadRecords reads the records file, exits on error.
func mustReadRecords() []reference.Record {
	recs, err := storage.ReadAll(cfg.RecordsPath())
	if err != nil {
		exitWithError(ExitDataError, "reading records: %v", err)
	}
	return recs
}
