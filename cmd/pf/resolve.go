package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/paperflow/paperflow/internal/attach"
	"github.com/paperflow/paperflow/internal/zotero"
)

func init() {
	rootCmd.AddCommand(resolveCmd)
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <path>",
	Short: "Find the library item owning a stored document",
	Long: `Resolve a document path inside Zotero storage to its library item, and
show which attachment the summarize command would read for that item.

The storage key is taken from the path (storage/<KEY>/file.pdf).

Examples:
  pf resolve ~/Zotero/storage/ABCD1234/paper.pdf --human`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

// ResolveResponse is the response of the resolve command.
type ResolveResponse struct {
	ItemKey  string          `json:"item_key"`
	Title    string          `json:"title,omitempty"`
	ItemType string          `json:"item_type"`
	Document attach.Document `json:"document"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	zc := mustZoteroClient(newPacer())
	r := attach.NewResolver(zc, cfg.StoragePath(),
		attach.WithLinkedBaseDir(cfg.Zotero.LinkedBaseDir),
		attach.WithLogger(logger),
	)

	item, err := r.ResolveItem(ctx, args[0])
	if err != nil {
		if errors.Is(err, attach.ErrNotFound) {
			exitWithError(ExitNothingMatched, "%v", err)
		}
		if zotero.IsAuthError(err) {
			exitWithError(ExitConfigError, "%v", err)
		}
		exitWithError(ExitError, "%v", err)
	}
	doc, err := r.ResolveDocument(ctx, item)
	if err != nil {
		if errors.Is(err, attach.ErrNotFound) {
			exitWithError(ExitNothingMatched, "item %s: %v", item.Key, err)
		}
		exitWithError(ExitError, "%v", err)
	}

	resp := ResolveResponse{ItemKey: item.Key, Title: item.Title, ItemType: item.ItemType, Document: doc}
	if humanOutput {
		outputHuman("%s  %s\n", item.Key, item.Title)
		where := doc.Path
		if doc.Remote {
			where = "(library file, downloaded on demand)"
		}
		outputHuman("  document: %s %s %s\n", doc.AttachmentKey, doc.Kind, where)
		return nil
	}
	return outputJSON(resp)
}
