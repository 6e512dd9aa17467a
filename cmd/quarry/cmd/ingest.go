package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/ingest"
	"github.com/quarryhq/quarry/internal/ui"
)

// ingestOptions holds CLI flags for ingest.
type ingestOptions struct {
	batchSize int
	workers   int
	backend   string
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest <passages.jsonl>",
		Short: "Index a passage file into a collection",
		Long: `Index a pre-chunked passage file (JSON Lines) into a collection.

Each line is one passage: {"id": ..., "content": ..., "source": ...,
"page": ..., "parent_id": ..., "parent_content": ...}. Missing ids are
derived from content. Re-ingesting a collection replaces its previous
contents.

Examples:
  quarry ingest passages.jsonl
  quarry ingest -c runbooks runbooks.jsonl
  quarry ingest --backend bleve --workers 8 passages.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, args[0], opts)
		},
	}

	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Embedding batch size (default from config)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Concurrent embedding workers (default NumCPU/2)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Lexical backend: sqlite, bleve (default from config)")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, path string, opts ingestOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder, err := embed.NewEmbedder(ctx, cfg.Embeddings)
	if err != nil {
		return err
	}
	defer embedder.Close()

	metadata, err := openMetadata(cfg)
	if err != nil {
		return err
	}
	defer metadata.Close()

	progress := ui.NewIngestProgress(uiConfig(cmd))

	backend := cfg.Retrieval.LexicalBackend
	if opts.backend != "" {
		backend = opts.backend
	}
	batchSize := cfg.Embeddings.BatchSize
	if opts.batchSize > 0 {
		batchSize = opts.batchSize
	}

	ingestOpts := []ingest.Option{
		ingest.WithLexicalBackend(backend),
		ingest.WithBatchSize(batchSize),
		ingest.WithProgress(progress.Update),
	}
	if opts.workers > 0 {
		ingestOpts = append(ingestOpts, ingest.WithPoolSize(opts.workers))
	}

	ingester, err := ingest.NewIngester(cfg.DataDir, embedder, metadata, ingestOpts...)
	if err != nil {
		return err
	}
	defer ingester.Release()

	stats, err := ingester.IngestFile(ctx, rootOpts.collection, path)
	if err != nil {
		return err
	}

	progress.Finish(stats.Collection, stats.Passages, stats.Elapsed)
	return nil
}
