package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/lookup"
	"github.com/paperflow/paperflow/internal/pipeline"
	"github.com/paperflow/paperflow/internal/readinglist"
	"github.com/paperflow/paperflow/internal/storage"
)

var (
	importCategories  []string
	importLevels      []int
	importEnrich      bool
	importPush        bool
	importCollection  string
	importPerCategory bool
	importTags        []string
	importDryRun      bool
)

func init() {
	importCmd.Flags().StringSliceVar(&importCategories, "categories", nil, "Only parse headings containing these names")
	importCmd.Flags().IntSliceVar(&importLevels, "heading-level", nil, "Heading levels that open a category (default 2)")
	importCmd.Flags().BoolVar(&importEnrich, "enrich", false, "Fill missing metadata from lookup services")
	importCmd.Flags().BoolVar(&importPush, "push", false, "Create the records in the Zotero library")
	importCmd.Flags().StringVar(&importCollection, "collection", "", "Root collection for pushed items")
	importCmd.Flags().BoolVar(&importPerCategory, "per-category", true, "File pushed items under one sub-collection per category")
	importCmd.Flags().StringSliceVar(&importTags, "tag", nil, "Extra tags for pushed items")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Report what a push would create without writing")
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import [files...]",
	Short: "Parse reading lists and PDFs into the records file",
	Long: `Parse markdown reading lists and local PDFs into bibliographic records.

Each heading of a reading list becomes a category; each bullet becomes a
record. PDFs are scanned for a DOI, an arXiv ID and a title. Records are
deduplicated against each other and against the records file.

Malformed entries are reported and skipped. Files default to import.sources
from the config.

Examples:
  pf import README.md
  pf import README.md --categories Perception,Manipulation --enrich
  pf import README.md --push --collection Embodied_AI_Paper_List
  pf import papers/*.pdf --human`,
	RunE: runImport,
}

// ImportResponse is the response of the import command.
type ImportResponse struct {
	Parsed   int                  `json:"parsed"`
	Stored   storage.MergeResult  `json:"stored"`
	Enriched int                  `json:"enriched,omitempty"`
	Errors   []string             `json:"errors,omitempty"`
	Push     *pipeline.PushReport `json:"push,omitempty"`
	Sources  []string             `json:"sources"`
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sources := args
	if len(sources) == 0 {
		sources = cfg.Import.Sources
	}
	if len(sources) == 0 {
		exitWithError(ExitError, "no input files (pass files or set import.sources)")
	}

	opts := readinglist.Options{HeadingLevels: cfg.Import.HeadingLevels, Categories: cfg.Import.Categories}
	if cmd.Flags().Changed("heading-level") {
		opts.HeadingLevels = importLevels
	}
	if cmd.Flags().Changed("categories") {
		opts.Categories = importCategories
	}

	recs, srcErrs := pipeline.ReadSources(sources, opts)
	resp := ImportResponse{Parsed: len(recs), Sources: sources}
	for _, e := range srcErrs {
		resp.Errors = append(resp.Errors, e.Error())
		logger.Warn("skipped input", zap.Error(e))
	}
	if len(recs) == 0 {
		if humanOutput {
			outputHuman("No records found in %d file(s)\n", len(sources))
		} else {
			outputJSON(resp)
		}
		os.Exit(ExitDataError)
	}

	p := newPacer()
	enrich := cfg.Enrich.Enabled
	if cmd.Flags().Changed("enrich") {
		enrich = importEnrich
	}
	var enricher *lookup.Enricher
	if enrich {
		enricher = newEnricher(p)
	}
	recs, reports := pipeline.Ingest(ctx, recs, enricher, cfg.Enrich.Workers)
	for _, r := range reports {
		if len(r.Filled) > 0 {
			resp.Enriched++
		}
	}

	stored, err := storage.MergeInto(cfg.RecordsPath(), recs)
	if err != nil {
		exitWithError(ExitError, "storing records: %v", err)
	}
	resp.Stored = stored

	if importPush {
		zc := mustZoteroClient(p)
		perCategory := cfg.Import.PerCategory
		if cmd.Flags().Changed("per-category") {
			perCategory = importPerCategory
		}
		push := pipeline.PushConfig{
			Collection:  firstNonEmpty(importCollection, cfg.Import.Collection),
			PerCategory: perCategory,
			Tags:        append(append([]string(nil), cfg.Import.Tags...), importTags...),
			DryRun:      importDryRun || cfg.Import.DryRun,
		}
		if !push.DryRun {
			mustCheckWriteAccess(ctx, zc)
		}
		rep, err := pipeline.Push(ctx, zc, recs, push, logger)
		resp.Push = &rep
		if err != nil {
			exitWithError(ExitError, "pushing records: %v", err)
		}
	}

	if humanOutput {
		outputHuman("Parsed %d record(s) from %d file(s)\n", resp.Parsed, len(sources))
		outputHuman("Stored: %d total, %d new, %d merged\n", stored.Total, stored.Added, stored.Merged)
		if resp.Enriched > 0 {
			outputHuman("Enriched: %d\n", resp.Enriched)
		}
		if resp.Push != nil {
			outputHuman("Pushed: %d created, %d already present, %d failed\n",
				resp.Push.Created, resp.Push.Existing, len(resp.Push.Failed))
		}
		for _, e := range resp.Errors {
			outputHuman("  skipped: %s\n", truncateString(e, 120))
		}
		return nil
	}
	return outputJSON(resp)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
