package main

import (
	"github.com/spf13/cobra"

	"github.com/paperflow/paperflow/internal/lookup"
	"github.com/paperflow/paperflow/internal/reference"
	"github.com/paperflow/paperflow/internal/storage"
)

var (
	enrichWorkers int
	enrichKeys    []string
	enrichDryRun  bool
)

func init() {
	enrichCmd.Flags().IntVar(&enrichWorkers, "workers", 0, "Concurrent lookups (default enrich.workers)")
	enrichCmd.Flags().StringSliceVar(&enrichKeys, "key", nil, "Only enrich these record keys")
	enrichCmd.Flags().BoolVar(&enrichDryRun, "dry-run", false, "Report what would be filled without saving")
	rootCmd.AddCommand(enrichCmd)
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Fill missing record metadata from lookup services",
	Long: `Fill empty fields of stored records from arXiv, CrossRef, Semantic Scholar
and publisher page metadata. Populated fields are never overwritten, and
records found to share a DOI or arXiv ID afterwards are merged.

Examples:
  pf enrich
  pf enrich --key doi:10.1000/xyz --dry-run --human`,
	RunE: runEnrich,
}

// EnrichResponse is the response of the enrich command.
type EnrichResponse struct {
	Records  int             `json:"records"`
	Enriched int             `json:"enriched"`
	Merged   int             `json:"merged"`
	Reports  []lookup.Report `json:"reports,omitempty"`
}

func runEnrich(cmd *cobra.Command, args []string) error {
	recs := mustReadRecords()
	if len(recs) == 0 {
		exitWithError(ExitNothingMatched, "no records in %s (run 'pf import' first)", cfg.RecordsPath())
	}

	selected, rest := recs, []reference.Record(nil)
	if len(enrichKeys) > 0 {
		selected, rest = nil, nil
		want := make(map[string]bool, len(enrichKeys))
		for _, k := range enrichKeys {
			want[k] = true
		}
		for _, r := range recs {
			if want[r.Key] {
				selected = append(selected, r)
			} else {
				rest = append(rest, r)
			}
		}
		if len(selected) == 0 {
			exitWithError(ExitNothingMatched, "no stored record matches %v", enrichKeys)
		}
	}

	workers := cfg.Enrich.Workers
	if enrichWorkers > 0 {
		workers = enrichWorkers
	}
	enriched, reports := newEnricher(newPacer()).EnrichAll(cmd.Context(), selected, workers)

	resp := EnrichResponse{Records: len(recs)}
	for _, r := range reports {
		if len(r.Filled) > 0 {
			resp.Enriched++
			resp.Reports = append(resp.Reports, r)
		}
	}

	all := reference.Merge(append(rest, enriched...))
	resp.Merged = len(recs) - len(all)
	if !enrichDryRun {
		if err := storage.WriteAll(cfg.RecordsPath(), all); err != nil {
			exitWithError(ExitError, "writing records: %v", err)
		}
	}

	if humanOutput {
		outputHuman("Enriched %d of %d record(s)", resp.Enriched, len(selected))
		if resp.Merged > 0 {
			outputHuman(", merged %d duplicate(s)", resp.Merged)
		}
		outputHuman("\n")
		for _, r := range resp.Reports {
			outputHuman("  %s: %v\n", truncateString(r.Title, ReportTitleMaxLen), r.Filled)
		}
		return nil
	}
	return outputJSON(resp)
}
