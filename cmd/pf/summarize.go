package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/annotate"
	"github.com/paperflow/paperflow/internal/attach"
	"github.com/paperflow/paperflow/internal/pacer"
	"github.com/paperflow/paperflow/internal/pipeline"
	"github.com/paperflow/paperflow/internal/storage"
	"github.com/paperflow/paperflow/internal/summarize"
	"github.com/paperflow/paperflow/internal/zotero"
)

// summarizeCommand names summarization runs in the ledger.
const summarizeCommand = "summarize"

var (
	sumCollection     string
	sumCollectionName string
	sumTag            string
	sumRecursive      bool
	sumLimit          int
	sumMaxPages       int
	sumMaxChars       int
	sumNoteTag        string
	sumSummaryDir     string
	sumInsertNote     bool
	sumForce          bool
	sumModel          string
	sumWorkers        int
	sumRetryFailed    bool
	sumKeys           []string
)

func init() {
	f := summarizeCmd.Flags()
	f.StringVar(&sumCollection, "collection", "", "Collection key")
	f.StringVar(&sumCollectionName, "collection-name", "", "Collection name (used when --collection is empty)")
	f.StringVar(&sumTag, "tag", "", "Only items carrying this tag")
	f.BoolVar(&sumRecursive, "recursive", true, "Include sub-collections")
	f.IntVar(&sumLimit, "limit", 0, "Maximum items (0 = summary.limit)")
	f.IntVar(&sumMaxPages, "max-pages", 0, "Pages read per document (default summary.max_pages)")
	f.IntVar(&sumMaxChars, "max-chars", 0, "Characters sent per document (default summary.max_chars)")
	f.StringVar(&sumNoteTag, "note-tag", "", "Tag of summary notes (default summary.note_tag)")
	f.StringVar(&sumSummaryDir, "summary-dir", "", "Also save summaries as <dir>/<key>.md")
	f.BoolVar(&sumInsertNote, "insert-note", true, "Write summaries as child notes")
	f.BoolVar(&sumForce, "force", false, "Summarize items that already have a summary note")
	f.StringVar(&sumModel, "model", "", "Model id (default llm.model)")
	f.IntVar(&sumWorkers, "workers", 0, "Items processed concurrently (default summary.workers)")
	f.BoolVar(&sumRetryFailed, "retry-failed", false, "Re-target the items that failed in the previous run")
	f.StringSliceVar(&sumKeys, "key", nil, "Summarize only these item keys")
	rootCmd.AddCommand(summarizeCmd)
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Write an AI summary note on library items",
	Long: `Summarize the document of each selected library item and append the
summary as a child note.

For every item: the newest readable attachment (PDF, HTML snapshot or text)
is located, items that already carry a summary note are skipped, at most
--max-pages pages and --max-chars characters are extracted, the model is
called with retries for transient errors, and one note is appended. Notes
are never edited or deleted; --force adds another note.

Outcomes are recorded so that --retry-failed can re-run only the failures.

Examples:
  pf summarize --collection-name Embodied_AI_Paper_List --limit 20
  pf summarize --tag to-read --model doubao-seed-1-6 --human
  pf summarize --retry-failed
  pf summarize --key ABCD1234 --force --summary-dir summaries`,
	RunE: runSummarize,
}

func applySummaryFlags(cmd *cobra.Command) {
	s := &cfg.Summary
	changed := cmd.Flags().Changed
	if sumCollection != "" {
		s.Collection = sumCollection
	}
	if sumCollectionName != "" {
		s.CollectionName = sumCollectionName
	}
	if sumTag != "" {
		s.Tag = sumTag
	}
	if changed("recursive") {
		s.Recursive = sumRecursive
	}
	if sumLimit > 0 {
		s.Limit = sumLimit
	}
	if changed("max-pages") {
		s.MaxPages = sumMaxPages
	}
	if changed("max-chars") {
		s.MaxChars = sumMaxChars
	}
	if sumNoteTag != "" {
		s.NoteTag = sumNoteTag
	}
	if changed("summary-dir") {
		s.SummaryDir = sumSummaryDir
	}
	if changed("insert-note") {
		s.InsertNote = sumInsertNote
	}
	if sumForce {
		s.Force = true
	}
	if sumWorkers > 0 {
		s.Workers = sumWorkers
	}
	if sumModel != "" {
		cfg.LLM.Model = sumModel
	}
}

func runSummarize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	applySummaryFlags(cmd)
	if err := cfg.ValidateSummary(); err != nil {
		exitWithError(ExitConfigError, "%v", err)
	}
	s := cfg.Summary

	p := newPacer()
	zc := mustZoteroClient(p)
	if s.InsertNote {
		mustCheckWriteAccess(ctx, zc)
	}

	completer := mustCompleter(ctx, p)
	model, err := summarize.ResolveModel(ctx, completer, cfg.LLM.Model, cfg.LLM.FallbackModel)
	if err != nil {
		exitWithError(ExitConfigError, "resolving model: %v", err)
	}
	driver := summarize.NewDriver(completer, model, mustDriverOptions(p)...)

	db := mustOpenDatabase()
	defer db.Close()

	q := pipeline.Query{
		Collection:     s.Collection,
		CollectionName: s.CollectionName,
		Tag:            s.Tag,
		Recursive:      s.Recursive,
		Limit:          s.Limit,
		Keys:           sumKeys,
	}
	if sumRetryFailed {
		q.Keys = mustFailedKeys(db)
		if len(q.Keys) == 0 {
			finishEmpty(model)
		}
	}
	items, err := pipeline.Targets(ctx, zc, q, logger)
	if err != nil {
		if zotero.IsNotFound(err) {
			exitWithError(ExitNothingMatched, "%v", err)
		}
		if zotero.IsAuthError(err) {
			exitWithError(ExitConfigError, "%v", err)
		}
		exitWithError(ExitError, "selecting items: %v", err)
	}
	if len(items) == 0 {
		finishEmpty(model)
	}

	started := time.Now()
	runID, err := db.BeginRun(summarizeCommand, model, started)
	if err != nil {
		exitWithError(ExitError, "recording run: %v", err)
	}

	writer := annotate.NewWriter(zc,
		annotate.WithMarker(s.Marker),
		annotate.WithTag(s.NoteTag),
		annotate.WithInsertNote(s.InsertNote),
		annotate.WithSummaryDir(s.SummaryDir),
		annotate.WithLogger(logger),
	)
	resolver := attach.NewResolver(zc, cfg.StoragePath(),
		attach.WithDownloader(zc),
		attach.WithLinkedBaseDir(cfg.Zotero.LinkedBaseDir),
		attach.WithLogger(logger),
	)
	runner := pipeline.NewRunner(zc, resolver, driver, writer, pipeline.Config{
		Workers:  s.Workers,
		Force:    s.Force,
		MaxPages: s.MaxPages,
		MaxChars: s.MaxChars,
	}, pipeline.WithLedger(db, runID), pipeline.WithLogger(logger))

	logger.Info("summarizing", zap.Int("items", len(items)), zap.String("model", model), zap.Int64("run", runID))
	rep, runErr := runner.Run(ctx, items)
	rep.Model = model

	// The run context may be canceled; the ledger still gets the final status.
	if err := db.FinishRun(runID, string(rep.Status), rep.CountsByName(), time.Now()); err != nil {
		logger.Warn("finishing run", zap.Error(err))
	}

	printReport(rep)
	switch {
	case runErr != nil:
		exitWithError(ExitError, "run interrupted: %v", runErr)
	case fatalFailure(rep):
		exitWithError(ExitConfigError, "library or model rejected the credentials")
	}
	return nil
}

func mustDriverOptions(p *pacer.Pacer) []summarize.DriverOption {
	opts := []summarize.DriverOption{
		summarize.WithDriverPacer(p),
		summarize.WithMaxAttempts(cfg.LLM.MaxAttempts),
		summarize.WithBackoff(cfg.LLM.Backoff),
		summarize.WithMaxTokens(cfg.LLM.MaxTokens),
		summarize.WithMaxWords(cfg.LLM.MaxWords),
		summarize.WithOutputLanguage(cfg.LLM.OutputLanguage),
		summarize.WithDriverLogger(logger),
	}
	if cfg.LLM.PromptFile != "" {
		data, err := os.ReadFile(cfg.LLM.PromptFile)
		if err != nil {
			exitWithError(ExitConfigError, "reading prompt file: %v", err)
		}
		t, err := summarize.ParseTemplate(string(data))
		if err != nil {
			exitWithError(ExitConfigError, "%v", err)
		}
		opts = append(opts, summarize.WithTemplate(t))
	}
	return opts
}

// mustFailedKeys returns the failed item keys of the previous run.
func mustFailedKeys(db *storage.DB) []string {
	last, ok, err := db.LastRun(summarizeCommand)
	if err != nil {
		exitWithError(ExitError, "reading last run: %v", err)
	}
	if !ok {
		return nil
	}
	var states []string
	for _, st := range pipeline.FailedStates {
		states = append(states, string(st))
	}
	outcomes, err := db.Outcomes(last.ID, states...)
	if err != nil {
		exitWithError(ExitError, "reading outcomes of run %d: %v", last.ID, err)
	}
	keys := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		keys = append(keys, o.ItemKey)
	}
	logger.Info("retrying failures", zap.Int64("run", last.ID), zap.Int("items", len(keys)))
	return keys
}

// finishEmpty reports a run that matched nothing and exits.
func finishEmpty(model string) {
	rep := pipeline.Report{Status: pipeline.NothingMatched, Model: model, Counts: map[pipeline.State]int{}}
	printReport(rep)
	_ = logger.Sync()
	os.Exit(ExitNothingMatched)
}

func fatalFailure(rep pipeline.Report) bool {
	for _, r := range rep.Results {
		if r.Err != nil && pipeline.IsFatal(r.Err) {
			return true
		}
	}
	return false
}

func printReport(rep pipeline.Report) {
	if !humanOutput {
		_ = outputJSON(rep)
		return
	}
	outputHuman("Run %s", rep.Status)
	if rep.Model != "" {
		outputHuman(" (model %s)", rep.Model)
	}
	outputHuman(": %d item(s)\n", rep.Items)
	for _, st := range []pipeline.State{
		pipeline.Written, pipeline.Skipped, pipeline.NotFound,
		pipeline.ExtractFailed, pipeline.SummarizeFailed, pipeline.WriteFailed,
	} {
		if n := rep.Counts[st]; n > 0 {
			outputHuman("  %-17s %d\n", st, n)
		}
	}
	if len(rep.Failures) > 0 {
		outputHuman("\nFailures:\n")
		for _, f := range rep.Failures {
			outputHuman("  %s  %-16s %s\n", f.Key, f.State, truncateString(f.Title, ReportTitleMaxLen))
			outputHuman("      %s\n", truncateString(f.Error, 100))
		}
	}
}
