package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/history"
	"github.com/quarryhq/quarry/internal/ingest"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/pipeline"
	"github.com/quarryhq/quarry/internal/rerank"
	"github.com/quarryhq/quarry/internal/telemetry"
	"github.com/quarryhq/quarry/internal/ui"
)

// askOptions holds CLI flags for ask.
type askOptions struct {
	session string
	explain bool
	rerank  string // "llm" or "overlap"
}

func newAskCmd() *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question over an indexed collection",
		Long: `Ask a question over an indexed collection.

Retrieval runs lexical and vector search in parallel, fuses the
rankings, and feeds the top passages to the generator. Every answer is
verified against its supporting passages; unverifiable answers ship
flagged.

Examples:
  quarry ask "how does leader election work"
  quarry ask -c runbooks "what do we do when the cache is cold"
  quarry ask --session debugging "and what about the follower side?"
  quarry ask --explain "compare raft and paxos"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return runAsk(cmd.Context(), cmd, question, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.session, "session", "s", "", "Conversation session for follow-up questions")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Show the pipeline audit trail after the answer")
	cmd.Flags().StringVar(&opts.rerank, "rerank", "llm", "Rerank scorer: llm, overlap")

	return cmd
}

func runAsk(ctx context.Context, cmd *cobra.Command, question string, opts askOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.session != "" {
		if err := history.ValidateSessionName(opts.session); err != nil {
			return err
		}
	}

	renderer := ui.NewAnswerRenderer(uiConfig(cmd))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.QueryTimeout())*time.Second)
	defer cancel()

	embedder, err := embed.NewEmbedder(ctx, cfg.Embeddings)
	if err != nil {
		renderer.Error(err)
		return err
	}
	defer embedder.Close()

	generator, err := llm.NewGenerator(cfg.Generator)
	if err != nil {
		renderer.Error(err)
		return err
	}
	defer generator.Close()

	metadata, err := openMetadata(cfg)
	if err != nil {
		renderer.Error(err)
		return err
	}
	defer metadata.Close()

	provider := ingest.NewProvider(cfg.DataDir)
	defer provider.Close()

	sessions, err := history.NewStore(ingest.HistoryPath(cfg.DataDir), cfg.History.MaxSessions)
	if err != nil {
		renderer.Error(err)
		return err
	}
	defer sessions.Close()

	var scorer rerank.Scorer
	switch opts.rerank {
	case "llm":
		scorer = rerank.NewLLMScorer(generator)
	case "overlap":
		scorer = rerank.NewOverlapScorer()
	default:
		return fmt.Errorf("unknown rerank scorer: %s (valid options: llm, overlap)", opts.rerank)
	}

	metrics := telemetry.NewCollector()
	pipe, err := pipeline.NewPipeline(cfg, embedder, generator, provider, metadata,
		pipeline.WithScorer(scorer),
		pipeline.WithHistory(sessions),
		pipeline.WithTelemetry(metrics),
	)
	if err != nil {
		return err
	}

	query := pipeline.Query{
		Text:       question,
		SessionID:  opts.session,
		Collection: rootOpts.collection,
	}

	slog.Info("ask_started",
		slog.String("collection", query.Collection),
		slog.String("session", query.SessionID))

	var result *pipeline.Result
	for event := range pipe.AnswerStream(ctx, query) {
		switch event.Type {
		case pipeline.EventPhase:
			renderer.Phase(event.Phase)
		case pipeline.EventToken:
			renderer.Token(event.Token)
		case pipeline.EventCitations:
			renderer.Citations(event.Citations)
		case pipeline.EventDone:
			result = event.Result
		case pipeline.EventError:
			renderer.Error(event.Err)
			return event.Err
		}
	}
	if result == nil {
		err := ctx.Err()
		if err == nil {
			err = fmt.Errorf("pipeline produced no result")
		}
		renderer.Error(err)
		return err
	}

	renderer.Finish(result)
	if opts.explain {
		renderer.Explain(result)
	}

	slog.Info("ask_complete",
		slog.String("intent", string(result.Intent.Label)),
		slog.Bool("grounded", result.Verdict.Grounded),
		slog.Duration("elapsed", result.Elapsed))
	return nil
}
