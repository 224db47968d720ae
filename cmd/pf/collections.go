package main

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paperflow/paperflow/internal/zotero"
)

func init() {
	rootCmd.AddCommand(collectionsCmd)
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List library collections",
	Long: `List the collections of the library with their keys.

Use a key with 'pf summarize --collection'.

Examples:
  pf collections --human`,
	Args: cobra.NoArgs,
	RunE: runCollections,
}

func runCollections(cmd *cobra.Command, args []string) error {
	zc := mustZoteroClient(newPacer())
	cols, err := zc.Collections(cmd.Context())
	if err != nil {
		if zotero.IsAuthError(err) {
			exitWithError(ExitConfigError, "%v", err)
		}
		exitWithError(ExitError, "listing collections: %v", err)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	if !humanOutput {
		if cols == nil {
			cols = []zotero.Collection{}
		}
		return outputJSON(cols)
	}
	if len(cols) == 0 {
		outputHuman("No collections\n")
		return nil
	}
	children := make(map[string][]zotero.Collection)
	for _, c := range cols {
		children[string(c.ParentCollection)] = append(children[string(c.ParentCollection)], c)
	}
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, c := range children[parent] {
			outputHuman("%s  %s%s\n", c.Key, strings.Repeat("  ", depth), c.Name)
			walk(c.Key, depth+1)
		}
	}
	walk("", 0)
	return nil
}
