package main

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paperflow/paperflow/internal/storage"
)

var (
	runsLimit  int
	runsID     int64
	runsStatus []string
)

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list")
	runsCmd.Flags().Int64Var(&runsID, "id", 0, "Show the item outcomes of this run")
	runsCmd.Flags().StringSliceVar(&runsStatus, "status", nil, "With --id, only outcomes in these states")
	rootCmd.AddCommand(runsCmd)
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recorded summarization runs",
	Long: `List recorded runs, newest first, or the per-item outcomes of one run.

Examples:
  pf runs --human
  pf runs --id 12 --status summarize_failed,not_found`,
	Args: cobra.NoArgs,
	RunE: runRuns,
}

func runRuns(cmd *cobra.Command, args []string) error {
	db := mustOpenDatabase()
	defer db.Close()

	if runsID > 0 {
		outcomes, err := db.Outcomes(runsID, runsStatus...)
		if err != nil {
			exitWithError(ExitError, "reading outcomes: %v", err)
		}
		if !humanOutput {
			if outcomes == nil {
				outcomes = []storage.ItemOutcome{}
			}
			return outputJSON(outcomes)
		}
		if len(outcomes) == 0 {
			outputHuman("No outcomes for run %d\n", runsID)
			return nil
		}
		for _, o := range outcomes {
			outputHuman("%s  %-16s %s\n", o.ItemKey, o.Status, truncateString(o.Title, ListTitleMaxLen))
			if o.Error != "" {
				outputHuman("      %s\n", truncateString(o.Error, 100))
			}
		}
		return nil
	}

	runs, err := db.Runs(runsLimit)
	if err != nil {
		exitWithError(ExitError, "reading runs: %v", err)
	}
	if !humanOutput {
		if runs == nil {
			runs = []storage.Run{}
		}
		return outputJSON(runs)
	}
	if len(runs) == 0 {
		outputHuman("No runs recorded\n")
		return nil
	}
	for _, r := range runs {
		outputHuman("#%-4d %s  %-24s %s  %s\n", r.ID, r.StartedAt.Format("2006-01-02 15:04"), r.Status, r.Model, formatCounts(r.Counts))
	}
	return nil
}

func formatCounts(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+strconv.Itoa(counts[n]))
	}
	return strings.Join(parts, " ")
}
