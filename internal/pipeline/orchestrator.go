package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/history"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/qerrors"
	"github.com/quarryhq/quarry/internal/rerank"
	"github.com/quarryhq/quarry/internal/store"
	"github.com/quarryhq/quarry/internal/telemetry"
)

// maxQueryLength bounds raw query size.
const maxQueryLength = 4096

// IndexProvider resolves per-collection indexes. Lexical returns
// store.ErrNoIndex when a collection has no lexical index; the pipeline
// then degrades to vector-only retrieval.
type IndexProvider interface {
	Lexical(collection string) (store.LexicalIndex, error)
	Vector(collection string) (store.VectorStore, error)
}

// HistoryStore is the conversation history the orchestrator reads and
// writes.
type HistoryStore interface {
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]history.Turn, error)
	AppendTurn(ctx context.Context, turn history.Turn) error
	TurnCount(ctx context.Context, sessionID string) (int, error)
}

// Pipeline orchestrates one query end to end. All fields are read-only
// after construction; every query gets its own PipelineState.
type Pipeline struct {
	cfg        *config.Config
	embedder   embed.Embedder
	generator  llm.Generator
	indexes    IndexProvider
	metadata   store.MetadataStore
	classifier *Classifier
	verifier   *Verifier
	scorer     rerank.Scorer
	history    HistoryStore
	metrics    *telemetry.Collector
}

// Option configures optional pipeline dependencies.
type Option func(*Pipeline)

// WithScorer wires a rerank scorer. Without one, reranking falls back to
// the fused-score threshold.
func WithScorer(s rerank.Scorer) Option {
	return func(p *Pipeline) { p.scorer = s }
}

// WithHistory wires conversation history storage.
func WithHistory(h HistoryStore) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithTelemetry wires stage latency and intent metrics collection.
func WithTelemetry(c *telemetry.Collector) Option {
	return func(p *Pipeline) { p.metrics = c }
}

// NewPipeline creates a pipeline. cfg, embedder, generator, indexes, and
// metadata are required.
func NewPipeline(
	cfg *config.Config,
	embedder embed.Embedder,
	generator llm.Generator,
	indexes IndexProvider,
	metadata store.MetadataStore,
	opts ...Option,
) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	if indexes == nil {
		return nil, errors.New("index provider is required")
	}
	if metadata == nil {
		return nil, errors.New("metadata store is required")
	}

	p := &Pipeline{
		cfg:       cfg,
		embedder:  embedder,
		generator: generator,
		indexes:   indexes,
		metadata:  metadata,
		classifier: NewClassifier(embedder, generator, ClassifierConfig{
			ExemplarThreshold: cfg.Intent.ExemplarThreshold,
			LLMConfidence:     cfg.Intent.LLMConfidence,
			CacheSize:         cfg.Intent.CacheSize,
		}),
		verifier: NewVerifier(generator, VerifierConfig{
			AcceptThreshold: cfg.Verify.AcceptThreshold,
			RejectThreshold: cfg.Verify.RejectThreshold,
		}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Answer runs the full pipeline for one query.
func (p *Pipeline) Answer(ctx context.Context, q Query) (*Result, error) {
	return p.answer(ctx, q, nil)
}

// AnswerStream runs the pipeline and emits progress events: phase changes,
// generated tokens, the citation set, and finally done or error. The
// channel closes after the terminal event.
func (p *Pipeline) AnswerStream(ctx context.Context, q Query) <-chan Event {
	events := make(chan Event, 32)
	go func() {
		defer close(events)
		emit := func(e Event) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}
		result, err := p.answer(ctx, q, emit)
		if err != nil {
			emit(Event{Type: EventError, Err: err})
			return
		}
		emit(Event{Type: EventDone, Result: result})
	}()
	return events
}

// answer is the state machine. emit may be nil for non-streaming callers.
func (p *Pipeline) answer(ctx context.Context, q Query, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	trimmed := strings.TrimSpace(q.Text)
	if trimmed == "" {
		return nil, qerrors.New(qerrors.ErrCodeQueryEmpty, "query text is empty", nil)
	}
	if len(q.Text) > maxQueryLength {
		return nil, qerrors.New(qerrors.ErrCodeQueryTooLong,
			fmt.Sprintf("query exceeds %d characters", maxQueryLength), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.QueryTimeout())*time.Second)
	defer cancel()

	state := newPipelineState(q)

	// ClassifyIntent
	p.runStage(state, "classify_intent", emit, func() {
		state.Intent = p.classifier.Classify(ctx, q.Text)
	})

	turnCount := p.sessionTurnCount(ctx, state)

	// Conversation-dependent labels need a prior turn to expand; without
	// one the query routes through full retrieval instead.
	if state.Intent.Label.conversationDependent() && turnCount == 0 {
		slog.Debug("downgrading conversation-dependent intent",
			"label", state.Intent.Label, "session", q.SessionID)
		state.Intent = Intent{Label: IntentQuestion, Confidence: 1.0, Tier: state.Intent.Tier}
	}
	if p.metrics != nil {
		p.metrics.RecordIntent(string(state.Intent.Label), state.Intent.Tier)
	}

	// Short-circuit branch for non-retrieval intents.
	if canned, ok := cannedResponse(state.Intent.Label); ok {
		state.addStage("short_circuit")
		emit(Event{Type: EventPhase, Phase: "short_circuit"})
		result := p.finishResult(ctx, state, canned, nil, Verdict{Grounded: true, Score: 1.0, Tier: 0}, false)
		return result, nil
	}
	if state.Intent.Label.conversationDependent() {
		return p.answerFromHistory(ctx, state, emit)
	}

	// RouteComplexity
	p.runStage(state, "route_complexity", emit, func() {
		state.Complexity = RouteComplexity(q.Text)
	})

	// Retrieve, Fuse, Expand, Rerank
	if err := p.retrieve(ctx, state, emit); err != nil {
		return nil, err
	}
	if len(state.Batch) == 0 {
		// An empty batch caused by the deadline is a timeout, not the
		// distinct no-relevant-content outcome.
		if ctx.Err() != nil {
			return nil, qerrors.New(qerrors.ErrCodePipelineTimeout,
				"query timed out before any passages were retrieved", ctx.Err())
		}
		state.addStage("no_content")
		emit(Event{Type: EventPhase, Phase: "no_content"})
		result := p.finishResult(ctx, state, noContentResponse, nil, Verdict{}, true)
		return result, nil
	}

	emit(Event{Type: EventCitations, Citations: citationsFromBatch(state.Batch)})

	// Generate/Verify loop
	if err := p.generateAndVerify(ctx, state, emit); err != nil {
		return nil, err
	}

	result := p.finishResult(ctx, state, state.Answer.Text, state.Batch, state.Answer.Verdict, false)
	return result, nil
}

// runStage executes fn with audit trail and latency metrics.
func (p *Pipeline) runStage(state *PipelineState, name string, emit func(Event), fn func()) {
	state.addStage(name)
	emit(Event{Type: EventPhase, Phase: name})

	start := time.Now()
	fn()
	if p.metrics != nil {
		p.metrics.RecordStage(name, time.Since(start))
	}
}

func (p *Pipeline) sessionTurnCount(ctx context.Context, state *PipelineState) int {
	if p.history == nil || state.Query.SessionID == "" {
		return 0
	}
	count, err := p.history.TurnCount(ctx, state.Query.SessionID)
	if err != nil {
		state.addError(fmt.Errorf("history lookup failed: %w", err))
		return 0
	}
	return count
}

func cannedResponse(label IntentLabel) (string, bool) {
	switch label {
	case IntentGreeting:
		return greetingResponse, true
	case IntentGratitude:
		return gratitudeResponse, true
	case IntentGarbage:
		return garbageResponse, true
	case IntentOffTopic:
		return offTopicResponse, true
	case IntentCommand:
		return commandResponse, true
	case IntentClarifyNeeded:
		return clarifyResponse, true
	}
	return "", false
}

// answerFromHistory serves followup, simplify, and deepen by reworking the
// prior exchange; no retrieval happens.
func (p *Pipeline) answerFromHistory(ctx context.Context, state *PipelineState, emit func(Event)) (*Result, error) {
	var turns []history.Turn
	p.runStage(state, "load_history", emit, func() {
		var err error
		turns, err = p.history.RecentTurns(ctx, state.Query.SessionID, p.cfg.History.MaxTurns)
		state.addError(err)
	})

	prompt := buildHistoryPrompt(state.Query.Text, state.Intent.Label, turns)

	var text string
	var genErr error
	p.runStage(state, "generate", emit, func() {
		text, genErr = p.generator.GenerateStream(ctx, prompt, llm.DefaultOptions(), tokenEmitter(emit))
	})
	if genErr != nil {
		return nil, qerrors.New(qerrors.ErrCodeGeneratorFailed, "answer generation failed", genErr)
	}

	// History answers rework prior verified content; the verifier only
	// judges evidence-based generations.
	result := p.finishResult(ctx, state, text, nil, Verdict{Grounded: true, Score: 1.0, Tier: 0}, false)
	return result, nil
}

// retrieve fans out to the lexical and vector indexes, fuses the rankings,
// expands parents, and reranks. A missing lexical index degrades to
// vector-only input with a warning; a missing vector index degrades the
// other way. Both missing leaves the batch empty.
func (p *Pipeline) retrieve(ctx context.Context, state *PipelineState, emit func(Event)) error {
	candidates := p.cfg.Retrieval.Candidates

	var lexicalIDs, vectorIDs []string
	p.runStage(state, "retrieve", emit, func() {
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			ids, err := p.searchLexical(gctx, state.Query, candidates)
			if err != nil {
				if errors.Is(err, store.ErrNoIndex) {
					slog.Warn("no lexical index for collection, using vector only",
						"collection", state.Query.Collection)
				} else {
					state.addError(fmt.Errorf("lexical retrieval failed: %w", err))
				}
				return nil
			}
			lexicalIDs = ids
			return nil
		})

		g.Go(func() error {
			ids, err := p.searchVector(gctx, state.Query, candidates)
			if err != nil {
				if errors.Is(err, store.ErrNoIndex) {
					slog.Warn("no vector index for collection, using lexical only",
						"collection", state.Query.Collection)
				} else {
					state.addError(fmt.Errorf("vector retrieval failed: %w", err))
				}
				return nil
			}
			vectorIDs = ids
			return nil
		})

		// Degradations are recorded, never returned.
		_ = g.Wait()
	})

	if len(lexicalIDs) == 0 && len(vectorIDs) == 0 {
		return nil
	}

	p.runStage(state, "fuse", emit, func() {
		fused := Fuse(lexicalIDs, vectorIDs, p.cfg.Retrieval.RRFConstant, candidates)
		state.Batch = p.loadBatch(ctx, state, fused)
	})

	p.runStage(state, "expand", emit, func() {
		state.Batch = Expand(state.Batch)
	})

	topK := topKFor(state.Complexity,
		p.cfg.Retrieval.TopKSimple, p.cfg.Retrieval.TopKModerate, p.cfg.Retrieval.TopKComplex)

	p.runStage(state, "rerank", emit, func() {
		batch, err := rerankBatch(ctx, p.scorer, state.Query.Text, state.Batch, topK, p.cfg.Rerank.RelevanceFloor)
		if err != nil {
			state.addError(err)
			return
		}
		state.Batch = batch
	})

	return nil
}

func (p *Pipeline) searchLexical(ctx context.Context, q Query, k int) ([]string, error) {
	idx, err := p.indexes.Lexical(q.Collection)
	if err != nil {
		return nil, err
	}

	results, err := idx.Search(ctx, q.Text, k)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.DocID
	}
	return ids, nil
}

func (p *Pipeline) searchVector(ctx context.Context, q Query, k int) ([]string, error) {
	vs, err := p.indexes.Vector(q.Collection)
	if err != nil {
		return nil, err
	}

	queryVec, err := p.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	results, err := vs.Search(ctx, queryVec, k)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

// loadBatch resolves fused IDs to passages. IDs missing from the metadata
// store are dropped with a recorded error.
func (p *Pipeline) loadBatch(ctx context.Context, state *PipelineState, fused []fusedID) RetrievalBatch {
	ids := make([]string, len(fused))
	scoreByID := make(map[string]float64, len(fused))
	for i, f := range fused {
		ids[i] = f.ID
		scoreByID[f.ID] = f.Score
	}

	passages, err := p.metadata.GetPassages(ctx, ids)
	if err != nil {
		state.addError(fmt.Errorf("passage lookup failed: %w", err))
		return nil
	}

	batch := make(RetrievalBatch, 0, len(passages))
	for _, passage := range passages {
		batch = append(batch, RankedResult{
			Passage: *passage,
			Score:   scoreByID[passage.ID],
			Rank:    len(batch) + 1,
			Source:  SourceFused,
		})
	}
	if len(batch) < len(fused) {
		state.addError(fmt.Errorf("%d fused passages missing from metadata store", len(fused)-len(batch)))
	}
	return batch
}

// generateAndVerify runs the bounded Generate -> Verify -> {Accept, Retry,
// GiveUp} loop. At most MaxIterations+1 generations happen; when the
// budget runs out, the last answer ships flagged ungrounded rather than
// blocking.
func (p *Pipeline) generateAndVerify(ctx context.Context, state *PipelineState, emit func(Event)) error {
	turns := p.recentTurns(ctx, state)

	skipSlow := state.Complexity == ComplexitySimple &&
		len(state.Batch) > 0 &&
		state.Batch[0].Score > p.cfg.Verify.HighConfidence

	maxIterations := p.cfg.Verify.MaxIterations

	for attempt := 0; attempt <= maxIterations; attempt++ {
		state.Iteration = attempt
		strict := attempt > 0
		prompt := buildAnswerPrompt(state.Query.Text, state.Batch, turns, strict)

		var text string
		var genErr error
		p.runStage(state, "generate", emit, func() {
			text, genErr = p.generator.GenerateStream(ctx, prompt, llm.DefaultOptions(), tokenEmitter(emit))
		})
		if genErr != nil {
			if ctx.Err() != nil {
				// Deadline mid-generation: whatever exists is the best
				// partial result. Retrieval succeeded, so this is not a
				// hard failure.
				state.addError(qerrors.New(qerrors.ErrCodePipelineTimeout, "query deadline reached during generation", ctx.Err()))
				return nil
			}
			return qerrors.New(qerrors.ErrCodeGeneratorFailed, "answer generation failed", genErr)
		}

		var verdict Verdict
		p.runStage(state, "verify", emit, func() {
			verdict = p.verifier.Verify(ctx, text, evidenceText(state.Batch), skipSlow)
		})

		state.Answer = GeneratedAnswer{
			Text:       text,
			Citations:  state.Batch,
			Verdict:    verdict,
			Iterations: attempt + 1,
		}

		if verdict.Grounded {
			return nil
		}
		if attempt < maxIterations {
			state.addStage("retry")
			emit(Event{Type: EventPhase, Phase: "retry"})
		}
	}

	// Budget exhausted: the answer ships, flagged ungrounded.
	state.addError(qerrors.New(qerrors.ErrCodeInternal,
		fmt.Sprintf("answer remained ungrounded after %d generations", maxIterations+1), nil))
	return nil
}

func (p *Pipeline) recentTurns(ctx context.Context, state *PipelineState) []history.Turn {
	if p.history == nil || state.Query.SessionID == "" {
		return nil
	}
	turns, err := p.history.RecentTurns(ctx, state.Query.SessionID, p.cfg.History.MaxTurns)
	if err != nil {
		state.addError(fmt.Errorf("history lookup failed: %w", err))
		return nil
	}
	return turns
}

// finishResult persists the turn and assembles the final Result.
func (p *Pipeline) finishResult(ctx context.Context, state *PipelineState, text string, batch RetrievalBatch, verdict Verdict, noContent bool) *Result {
	if p.history != nil && state.Query.SessionID != "" {
		state.addStage("persist_turn")
		err := p.history.AppendTurn(ctx, history.Turn{
			SessionID: state.Query.SessionID,
			Query:     state.Query.Text,
			Answer:    text,
			Intent:    string(state.Intent.Label),
			Grounded:  verdict.Grounded,
			Citations: passageIDs(batch),
		})
		if err != nil {
			state.addError(fmt.Errorf("failed to persist turn: %w", err))
		}
	}

	return &Result{
		Text:       text,
		Citations:  citationsFromBatch(batch),
		Verdict:    verdict,
		Intent:     state.Intent,
		Complexity: state.Complexity,
		Stages:     state.Stages,
		Elapsed:    time.Since(state.startedAt),
		NoContent:  noContent,
		Errors:     state.Errors,
	}
}

func passageIDs(batch RetrievalBatch) []string {
	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.Passage.ID
	}
	return ids
}

func tokenEmitter(emit func(Event)) llm.TokenFunc {
	return func(token string) error {
		emit(Event{Type: EventToken, Token: token})
		return nil
	}
}
