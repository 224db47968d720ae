package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/paperflow/paperflow/internal/config"
	"github.com/paperflow/paperflow/internal/export"
	"github.com/paperflow/paperflow/internal/reference"
)

var (
	exportFormat      string
	exportDir         string
	exportPrefix      string
	exportCategory    string
	exportPerCategory bool
	exportStdout      bool
	exportAppend      string
)

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "ris or bibtex (default export.format)")
	exportCmd.Flags().StringVar(&exportDir, "out", "", "Output directory (default export.dir)")
	exportCmd.Flags().StringVar(&exportPrefix, "prefix", "", "File name prefix (default export.prefix)")
	exportCmd.Flags().StringVar(&exportCategory, "category", "", "Only export records of this category")
	exportCmd.Flags().BoolVar(&exportPerCategory, "per-category", true, "Write one RIS file per category")
	exportCmd.Flags().BoolVar(&exportStdout, "stdout", false, "Write to stdout instead of files")
	exportCmd.Flags().StringVar(&exportAppend, "append", "", "Append BibTeX entries missing from this .bib file")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored records as RIS or BibTeX",
	Long: `Export stored records as RIS or BibTeX citations.

RIS exports are written one file per category as <prefix>_<category>.ris,
ready for import into any reference manager. BibTeX goes to a single
<prefix>.bib file, or is appended to an existing file without duplicating
entries already there.

Examples:
  pf export
  pf export --category Perception --stdout
  pf export --format bibtex --append refs.bib`,
	RunE: runExport,
}

// ExportResponse is the response of the export command.
type ExportResponse struct {
	Format  string   `json:"format"`
	Records int      `json:"records"`
	Files   []string `json:"files,omitempty"`
	Added   int      `json:"added,omitempty"`
}

func runExport(cmd *cobra.Command, args []string) error {
	ec := cfg.Export
	if exportFormat != "" {
		ec.Format = exportFormat
	}
	if exportAppend != "" {
		ec.Format = config.FormatBibTeX
	}
	if exportDir != "" {
		ec.Dir = exportDir
	}
	if exportPrefix != "" {
		ec.Prefix = exportPrefix
	}
	if cmd.Flags().Changed("per-category") {
		ec.PerCategory = exportPerCategory
	}
	check := cfg
	check.Export = ec
	if err := check.ValidateExport(); err != nil {
		exitWithError(ExitConfigError, "%v", err)
	}

	recs := filterCategory(mustReadRecords(), exportCategory)
	if len(recs) == 0 {
		exitWithError(ExitNothingMatched, "no records to export")
	}
	resp := ExportResponse{Format: ec.Format, Records: len(recs)}

	switch {
	case exportStdout && ec.Format == config.FormatRIS:
		return export.WriteRIS(os.Stdout, recs)
	case exportStdout:
		fmt.Print(export.ToBibTeXList(recs))
		return nil
	case exportAppend != "":
		n, err := export.AppendBibTeX(exportAppend, recs)
		if err != nil {
			exitWithError(ExitError, "appending to %s: %v", exportAppend, err)
		}
		resp.Files, resp.Added = []string{exportAppend}, n
	case ec.Format == config.FormatRIS && ec.PerCategory:
		paths, err := export.WriteRISByCategory(ec.Dir, ec.Prefix, recs)
		if err != nil {
			exitWithError(ExitError, "writing RIS: %v", err)
		}
		resp.Files = paths
	default:
		path, err := writeSingle(ec, recs)
		if err != nil {
			exitWithError(ExitError, "writing %s: %v", path, err)
		}
		resp.Files = []string{path}
	}

	if humanOutput {
		outputHuman("Exported %d record(s) as %s\n", resp.Records, resp.Format)
		for _, f := range resp.Files {
			outputHuman("  %s\n", f)
		}
		if exportAppend != "" {
			outputHuman("Appended %d new entr(ies)\n", resp.Added)
		}
		return nil
	}
	return outputJSON(resp)
}

func writeSingle(ec config.ExportConfig, recs []reference.Record) (string, error) {
	if err := os.MkdirAll(ec.Dir, 0o755); err != nil {
		return ec.Dir, err
	}
	if ec.Format == config.FormatRIS {
		path := filepath.Join(ec.Dir, ec.Prefix+".ris")
		f, err := os.Create(path)
		if err != nil {
			return path, err
		}
		if err := export.WriteRIS(f, recs); err != nil {
			f.Close()
			return path, err
		}
		return path, f.Close()
	}
	path := filepath.Join(ec.Dir, ec.Prefix+".bib")
	return path, os.WriteFile(path, []byte(export.ToBibTeXList(recs)), 0o644)
}

func filterCategory(recs []reference.Record, category string) []reference.Record {
	if category == "" {
		return recs
	}
	var out []reference.Record
	for _, r := range recs {
		if r.Category == category || export.SafeName(r.Category) == export.SafeName(category) {
			out = append(out, r)
		}
	}
	return out
}
