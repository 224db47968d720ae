package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/paperflow/paperflow/internal/reference"
)

// Title truncation lengths by context
const (
	ListTitleMaxLen   = 60
	ReportTitleMaxLen = 50
)

// outputJSON writes a value as formatted JSON to stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputHuman writes a human-readable string to stdout.
func outputHuman(format string, args ...any) {
	fmt.Printf(format, args...)
}

// exitWithError outputs an error in the appropriate format (human or JSON) and exits.
func exitWithError(code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if humanOutput {
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	} else {
		outputJSON(ErrorResponse{Error: msg})
	}
	_ = logger.Sync()
	os.Exit(code)
}

// ErrorResponse is a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// truncateString shortens s to at most max runes, ending with "...".
func truncateString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// formatAuthorsShort returns "A, B, C et al." for at most n names.
func formatAuthorsShort(authors []string, n int) string {
	if len(authors) == 0 {
		return "(no authors)"
	}
	if len(authors) <= n {
		return strings.Join(authors, ", ")
	}
	return strings.Join(authors[:n], ", ") + " et al."
}

// printRecordsHuman prints records one per block.
func printRecordsHuman(recs []reference.Record) {
	for i, r := range recs {
		year := "n.d."
		if r.Year != 0 {
			year = fmt.Sprint(r.Year)
		}
		fmt.Printf("%d. %s\n", i+1, truncateString(r.Title, ListTitleMaxLen))
		fmt.Printf("   %s (%s)", formatAuthorsShort(r.Authors, 3), year)
		if r.Category != "" {
			fmt.Printf(" [%s]", r.Category)
		}
		fmt.Printf("\n   %s\n\n", r.Key)
	}
}
