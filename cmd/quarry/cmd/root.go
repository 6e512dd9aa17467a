// Package cmd provides the CLI commands for Quarry.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/ingest"
	"github.com/quarryhq/quarry/internal/logging"
	"github.com/quarryhq/quarry/internal/store"
	"github.com/quarryhq/quarry/internal/ui"
	"github.com/quarryhq/quarry/pkg/version"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	dataDir    string
	collection string
	plain      bool
	noColor    bool
	debug      bool
}

var (
	rootOpts       rootOptions
	loggingCleanup func()
)

// NewRootCmd creates the root command for the quarry CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarry",
		Short: "Local-first question answering over your documents",
		Long: `Quarry answers questions over private document collections.

It combines lexical and vector retrieval with reciprocal rank fusion,
reranks the fused candidates, and verifies every generated answer
against the passages it cites. Everything runs locally.

Start with 'quarry ingest' to index a passage file, then 'quarry ask'.`,
		Version: version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("quarry version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&rootOpts.dataDir, "data-dir", "", "Data directory (default ~/.quarry)")
	cmd.PersistentFlags().StringVarP(&rootOpts.collection, "collection", "c", "default", "Document collection to operate on")
	cmd.PersistentFlags().BoolVar(&rootOpts.plain, "plain", false, "Force plain text output")
	cmd.PersistentFlags().BoolVar(&rootOpts.noColor, "no-color", false, "Disable color output")
	cmd.PersistentFlags().BoolVar(&rootOpts.debug, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRunE = teardownLogging

	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newCollectionsCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// setupLogging routes structured logs to the rotating log file. Stderr
// stays quiet unless --debug is set.
func setupLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if rootOpts.debug {
		logCfg = logging.DebugConfig()
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		// Logging is never fatal for the CLI.
		return nil
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func teardownLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// loadConfig builds the effective configuration, applying flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(".")
	if err != nil {
		return nil, err
	}
	if rootOpts.dataDir != "" {
		cfg.DataDir = rootOpts.dataDir
	}
	return cfg, nil
}

// uiConfig builds terminal output configuration for a command.
func uiConfig(cmd *cobra.Command) ui.Config {
	return ui.NewConfig(cmd.OutOrStdout(),
		ui.WithForcePlain(rootOpts.plain),
		ui.WithNoColor(rootOpts.noColor),
	)
}

// openMetadata opens the shared metadata store, creating the data
// directory on first use.
func openMetadata(cfg *config.Config) (store.MetadataStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return store.NewSQLiteMetadataStore(ingest.MetadataPath(cfg.DataDir))
}

// collectionStatuses summarizes index state for every known collection.
func collectionStatuses(ctx context.Context, cfg *config.Config, metadata store.MetadataStore) ([]ui.CollectionStatus, error) {
	collections, err := metadata.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]ui.CollectionStatus, 0, len(collections))
	for _, col := range collections {
		status := ui.CollectionStatus{
			Name:     col.Name,
			Passages: col.PassageCount,
		}
		embedded, _, err := metadata.GetEmbeddingStats(ctx, col.Name)
		if err == nil {
			status.Embedded = embedded
		}

		dir := ingest.CollectionDir(cfg.DataDir, col.Name)
		status.LexicalBackend = string(store.DetectLexicalBackend(filepath.Join(dir, "lexical")))
		if _, err := os.Stat(ingest.VectorIndexPath(cfg.DataDir, col.Name)); err == nil {
			status.HasVectors = true
		}
		status.SizeBytes = dirSize(dir)

		statuses = append(statuses, status)
	}
	return statuses, nil
}

// dirSize returns the total size of regular files under dir. Errors count
// as zero; this feeds display only.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
