// Package main provides the pf CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paperflow/paperflow/internal/config"
	"github.com/paperflow/paperflow/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	// humanOutput controls whether to use human-readable output
	humanOutput bool
	configPath  string
	envFiles    []string
	verbose     bool
	logJSON     bool

	cfg    config.Config
	logger = zap.NewNop()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		// SilenceErrors is set, so cobra errors (missing flags) are printed here
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(ExitError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pf",
	Short: "Reading lists in, AI summaries out",
	Long: `pf ingests reading lists and PDFs into bibliographic records, enriches
them from public metadata services, exports them as RIS or BibTeX or pushes
them into a Zotero library, and writes one AI summary note per library item.

Re-running any command is safe: records are deduplicated by DOI, arXiv ID or
normalized title, pushes skip items already in the collection, and items
that already carry a summary note are skipped before any model call.

All commands output JSON by default; use --human for readable text.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			exitWithError(ExitConfigError, "loading .env: %v", err)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			exitWithError(ExitConfigError, "loading config: %v", err)
		}
		logger, err = logging.New(verbose || cfg.Log.Verbose, logJSON || cfg.Log.JSON)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/paperflow/config.yml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Load environment variables from these files (default .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug messages to stderr")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log JSON lines to stderr")
	rootCmd.Version = Version
}
