package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codeindexd/internal/config"
	"github.com/fyrsmithlabs/codeindexd/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// cfgFile is the --config flag value. Empty means the default search path.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "codeindexd",
	Short: "Semantic code index and search daemon",
	Long: `codeindexd maintains one vector index per (repository, branch) pair and
answers natural-language queries against it.

Indexing is incremental: unchanged chunks are re-used by content hash, so
re-indexing after a small commit touches only the delta.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ~/.config/codeindexd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return logger, nil
}
