package main

import (
	"github.com/spf13/cobra"

	"github.com/paperflow/paperflow/internal/reference"
)

var (
	searchLimit    int
	searchCategory string
)

// DefaultSearchLimit is the default number of search results.
const DefaultSearchLimit = 50

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", DefaultSearchLimit, "Maximum results to return")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "List every record of this category instead")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search stored records by keyword",
	Long: `Search title, abstract, authors and venue of stored records.

The search index is rebuilt from the records file on every call.

Examples:
  pf search "diffusion policy"
  pf search --category Manipulation --human`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && searchCategory == "" {
		exitWithError(ExitError, "must specify a query or --category")
	}

	db := mustOpenDatabase()
	defer db.Close()
	if _, err := db.RebuildFromJSONL(cfg.RecordsPath()); err != nil {
		exitWithError(ExitDataError, "indexing records: %v", err)
	}

	var recs []reference.Record
	var err error
	if searchCategory != "" {
		recs, err = db.ByCategory(searchCategory)
	} else {
		recs, err = db.Search(args[0], searchLimit)
	}
	if err != nil {
		exitWithError(ExitError, "searching: %v", err)
	}

	if humanOutput {
		if len(recs) == 0 {
			outputHuman("No records found\n")
			return nil
		}
		printRecordsHuman(recs)
		return nil
	}
	if recs == nil {
		recs = []reference.Record{}
	}
	return outputJSON(recs)
}
