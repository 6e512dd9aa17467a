package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/history"
	"github.com/quarryhq/quarry/internal/ingest"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index and model health",
		Long: `Show collections, embedder and generator availability, and session
counts. Use this first when answers look degraded.

Examples:
  quarry status
  quarry status --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	info := ui.StatusInfo{DataDir: cfg.DataDir}

	metadata, err := openMetadata(cfg)
	if err != nil {
		return err
	}
	defer metadata.Close()

	info.Collections, err = collectionStatuses(ctx, cfg, metadata)
	if err != nil {
		return err
	}

	info.EmbedderType = providerName(cfg.Embeddings.Provider)
	if embedder, err := embed.NewEmbedder(ctx, cfg.Embeddings); err != nil {
		info.EmbedderStatus = "error"
	} else {
		info.EmbedderModel = embedder.ModelName()
		info.EmbedderStatus = availability(embedder.Available(ctx))
		_ = embedder.Close()
	}

	info.GeneratorType = providerName(cfg.Generator.Provider)
	if generator, err := llm.NewGenerator(cfg.Generator); err != nil {
		info.GeneratorStatus = "error"
	} else {
		info.GeneratorModel = generator.ModelName()
		info.GeneratorStatus = availability(generator.Available(ctx))
		_ = generator.Close()
	}

	if sessions, err := history.NewStore(ingest.HistoryPath(cfg.DataDir), cfg.History.MaxSessions); err == nil {
		if list, err := sessions.ListSessions(ctx); err == nil {
			info.Sessions = len(list)
		}
		_ = sessions.Close()
	}

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), rootOpts.noColor || rootOpts.plain)
	if jsonOutput {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

func providerName(provider string) string {
	if provider == "" {
		return "auto"
	}
	return provider
}

func availability(available bool) string {
	if available {
		return "ready"
	}
	return "offline"
}
