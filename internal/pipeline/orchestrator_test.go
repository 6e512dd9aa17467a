package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/config"
	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/history"
	"github.com/quarryhq/quarry/internal/llm"
	"github.com/quarryhq/quarry/internal/qerrors"
	"github.com/quarryhq/quarry/internal/store"
)

// Prompt markers for routing scripted generator responses.
const (
	classifyMarker = "Classify the intent"
	answerMarker   = "Answer the question using ONLY"
	verifyMarker   = "Judge whether the answer"
	historyMarker  = "Continue this conversation"
)

type fakeLexicalIndex struct {
	mu       sync.Mutex
	results  []*store.LexicalResult
	err      error
	block    bool
	searches int
}

var _ store.LexicalIndex = (*fakeLexicalIndex)(nil)

func (f *fakeLexicalIndex) Index(ctx context.Context, docs []*store.Document) error { return nil }

func (f *fakeLexicalIndex) Search(ctx context.Context, query string, limit int) ([]*store.LexicalResult, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeLexicalIndex) Delete(ctx context.Context, docIDs []string) error { return nil }
func (f *fakeLexicalIndex) AllIDs() ([]string, error)                         { return nil, nil }
func (f *fakeLexicalIndex) Stats() *store.IndexStats                          { return &store.IndexStats{} }
func (f *fakeLexicalIndex) Save(path string) error                            { return nil }
func (f *fakeLexicalIndex) Load(path string) error                            { return nil }
func (f *fakeLexicalIndex) Close() error                                      { return nil }

func (f *fakeLexicalIndex) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

type fakeVectorStore struct {
	results []*store.VectorResult
	err     error
	block   bool
}

var _ store.VectorStore = (*fakeVectorStore)(nil)

func (f *fakeVectorStore) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, query []float32, k int) ([]*store.VectorResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeVectorStore) Delete(ctx context.Context, ids []string) error { return nil }
func (f *fakeVectorStore) AllIDs() []string                               { return nil }
func (f *fakeVectorStore) Contains(id string) bool                        { return false }
func (f *fakeVectorStore) Count() int                                     { return len(f.results) }
func (f *fakeVectorStore) Save(path string) error                         { return nil }
func (f *fakeVectorStore) Load(path string) error                         { return nil }
func (f *fakeVectorStore) Close() error                                   { return nil }

type fakeIndexProvider struct {
	lexical    store.LexicalIndex
	vector     store.VectorStore
	lexicalErr error
	vectorErr  error
}

func (f *fakeIndexProvider) Lexical(collection string) (store.LexicalIndex, error) {
	if f.lexicalErr != nil {
		return nil, f.lexicalErr
	}
	return f.lexical, nil
}

func (f *fakeIndexProvider) Vector(collection string) (store.VectorStore, error) {
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	return f.vector, nil
}

// fakeMetadata serves passages from a map; the other MetadataStore methods
// are unused by the pipeline.
type fakeMetadata struct {
	passages map[string]*store.Passage
}

var _ store.MetadataStore = (*fakeMetadata)(nil)

func (f *fakeMetadata) SavePassages(ctx context.Context, passages []*store.Passage) error {
	return nil
}

func (f *fakeMetadata) GetPassage(ctx context.Context, id string) (*store.Passage, error) {
	p, ok := f.passages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeMetadata) GetPassages(ctx context.Context, ids []string) ([]*store.Passage, error) {
	out := make([]*store.Passage, 0, len(ids))
	for _, id := range ids {
		if p, ok := f.passages[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeMetadata) DeletePassages(ctx context.Context, ids []string) error  { return nil }
func (f *fakeMetadata) DeleteCollection(ctx context.Context, name string) error { return nil }

func (f *fakeMetadata) ListCollections(ctx context.Context) ([]*store.Collection, error) {
	return nil, nil
}

func (f *fakeMetadata) GetCollection(ctx context.Context, name string) (*store.Collection, error) {
	return nil, store.ErrNotFound
}

func (f *fakeMetadata) GetState(ctx context.Context, key string) (string, error) { return "", nil }
func (f *fakeMetadata) SetState(ctx context.Context, key, value string) error    { return nil }

func (f *fakeMetadata) SavePassageEmbeddings(ctx context.Context, passageIDs []string, embeddings [][]float32, model string) error {
	return nil
}

func (f *fakeMetadata) GetAllEmbeddings(ctx context.Context, collection string) (map[string][]float32, error) {
	return nil, nil
}

func (f *fakeMetadata) GetEmbeddingStats(ctx context.Context, collection string) (int, int, error) {
	return 0, 0, nil
}

func (f *fakeMetadata) Close() error { return nil }

// fakeHistory is an in-memory HistoryStore.
type fakeHistory struct {
	mu    sync.Mutex
	turns []history.Turn
}

func (f *fakeHistory) RecentTurns(ctx context.Context, sessionID string, limit int) ([]history.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []history.Turn
	for _, t := range f.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeHistory) AppendTurn(ctx context.Context, turn history.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeHistory) TurnCount(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, t := range f.turns {
		if t.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

const capPassageContent = "The CAP theorem states that a distributed data store cannot simultaneously guarantee consistency, availability, and partition tolerance."

func testPassages() map[string]*store.Passage {
	return map[string]*store.Passage{
		"p1": {ID: "p1", Collection: "notes", Content: capPassageContent, Source: "distributed.md", Page: 3},
		"p2": {ID: "p2", Collection: "notes", Content: "Raft elects a single leader per term using randomized election timeouts.", Source: "raft.md"},
		"p3": {ID: "p3", Collection: "notes", Content: "Vector clocks order events without a shared wall clock.", Source: "clocks.md"},
	}
}

// groundedScript classifies with the given label and answers by restating
// the CAP passage, so fast-tier verification accepts.
func groundedScript(label string) func(string, llm.Options) (string, error) {
	return func(prompt string, opts llm.Options) (string, error) {
		switch {
		case strings.Contains(prompt, classifyMarker):
			return `{"label": "` + label + `"}`, nil
		case strings.Contains(prompt, answerMarker), strings.Contains(prompt, historyMarker):
			return capPassageContent, nil
		case strings.Contains(prompt, verifyMarker):
			return `{"grounded": true, "score": 0.95}`, nil
		}
		return "", nil
	}
}

type testPipelineDeps struct {
	generator *scriptedGenerator
	lexical   *fakeLexicalIndex
	vector    *fakeVectorStore
	indexes   *fakeIndexProvider
	history   *fakeHistory
}

func newTestPipeline(t *testing.T, deps *testPipelineDeps, opts ...Option) *Pipeline {
	t.Helper()

	cfg := config.NewConfig()
	// Keep the embedding tier out of the way so intent classification is
	// decided by rules or the scripted generator.
	cfg.Intent.ExemplarThreshold = 0.999

	if deps.generator == nil {
		deps.generator = &scriptedGenerator{respond: groundedScript("question")}
	}
	if deps.lexical == nil {
		deps.lexical = &fakeLexicalIndex{results: []*store.LexicalResult{
			{DocID: "p1", Score: 9.1},
			{DocID: "p2", Score: 4.2},
		}}
	}
	if deps.vector == nil {
		deps.vector = &fakeVectorStore{results: []*store.VectorResult{
			{ID: "p1", Score: 0.92},
			{ID: "p3", Score: 0.41},
		}}
	}
	if deps.indexes == nil {
		deps.indexes = &fakeIndexProvider{lexical: deps.lexical, vector: deps.vector}
	}
	if deps.history != nil {
		opts = append(opts, WithHistory(deps.history))
	}

	p, err := NewPipeline(cfg, embed.NewStaticEmbedder(64), deps.generator, deps.indexes,
		&fakeMetadata{passages: testPassages()}, opts...)
	require.NoError(t, err)
	return p
}

func TestAnswerQuestionEndToEnd(t *testing.T) {
	deps := &testPipelineDeps{}
	p := newTestPipeline(t, deps)

	result, err := p.Answer(context.Background(), Query{
		Text:       "what does the cap theorem state",
		Collection: "notes",
	})
	require.NoError(t, err)

	assert.Equal(t, IntentQuestion, result.Intent.Label)
	assert.Equal(t, ComplexitySimple, result.Complexity)
	assert.True(t, result.Verdict.Grounded)
	assert.Equal(t, 1, result.Verdict.Tier)
	assert.Equal(t, capPassageContent, result.Text)
	assert.False(t, result.NoContent)
	assert.Empty(t, result.Errors)

	// p1 appears in both rankings and tops the fused list.
	require.NotEmpty(t, result.Citations)
	assert.Equal(t, "p1", result.Citations[0].PassageID)
	assert.Equal(t, "distributed.md", result.Citations[0].Source)
	assert.Equal(t, 3, result.Citations[0].Page)

	for _, stage := range []string{"classify_intent", "route_complexity", "retrieve", "fuse", "expand", "rerank", "generate", "verify"} {
		assert.Contains(t, result.Stages, stage)
	}

	// Simple query with a high-confidence top passage skips the slow
	// verification tier entirely.
	assert.Zero(t, deps.generator.promptsContaining(verifyMarker))
}

func TestAnswerGreetingShortCircuits(t *testing.T) {
	deps := &testPipelineDeps{generator: &scriptedGenerator{}}
	p := newTestPipeline(t, deps)

	result, err := p.Answer(context.Background(), Query{Text: "hi", Collection: "notes"})
	require.NoError(t, err)

	assert.Equal(t, IntentGreeting, result.Intent.Label)
	assert.Equal(t, greetingResponse, result.Text)
	assert.Equal(t, Verdict{Grounded: true, Score: 1.0, Tier: 0}, result.Verdict)
	assert.Empty(t, result.Citations)

	// No model call, no retrieval.
	assert.Contains(t, result.Stages, "short_circuit")
	assert.NotContains(t, result.Stages, "retrieve")
	assert.Zero(t, deps.generator.callCount())
	assert.Zero(t, deps.lexical.searchCount())
}

func TestAnswerDowngradesFollowupWithoutHistory(t *testing.T) {
	// Given a classifier that labels the query followup and an empty session
	deps := &testPipelineDeps{
		generator: &scriptedGenerator{respond: groundedScript("followup")},
		history:   &fakeHistory{},
	}
	p := newTestPipeline(t, deps)

	result, err := p.Answer(context.Background(), Query{
		Text:       "tell me more about partition tolerance",
		SessionID:  "fresh-session",
		Collection: "notes",
	})
	require.NoError(t, err)

	// Then the intent downgrades to question and full retrieval runs
	assert.Equal(t, IntentQuestion, result.Intent.Label)
	assert.Equal(t, 1.0, result.Intent.Confidence)
	assert.Contains(t, result.Stages, "retrieve")
	assert.NotEmpty(t, result.Citations)
}

func TestAnswerFollowupUsesHistoryNotRetrieval(t *testing.T) {
	hist := &fakeHistory{}
	require.NoError(t, hist.AppendTurn(context.Background(), history.Turn{
		SessionID: "s1",
		Query:     "what does the cap theorem state",
		Answer:    capPassageContent,
		Intent:    "question",
		Grounded:  true,
	}))

	deps := &testPipelineDeps{
		generator: &scriptedGenerator{respond: groundedScript("followup")},
		history:   hist,
	}
	p := newTestPipeline(t, deps)

	result, err := p.Answer(context.Background(), Query{
		Text:       "tell me more about partition tolerance",
		SessionID:  "s1",
		Collection: "notes",
	})
	require.NoError(t, err)

	assert.Equal(t, IntentFollowup, result.Intent.Label)
	assert.Contains(t, result.Stages, "load_history")
	assert.NotContains(t, result.Stages, "retrieve")
	assert.Zero(t, deps.lexical.searchCount())
	assert.Equal(t, 1, deps.generator.promptsContaining(historyMarker))

	// The prior exchange feeds the prompt.
	prompts := deps.generator.promptsSeen()
	assert.Contains(t, prompts[len(prompts)-1], "what does the cap theorem state")
}

func TestAnswerNoContentResult(t *testing.T) {
	deps := &testPipelineDeps{
		lexical: &fakeLexicalIndex{err: store.ErrNoIndex},
		vector:  &fakeVectorStore{},
	}
	deps.indexes = &fakeIndexProvider{lexical: deps.lexical, vector: deps.vector}
	deps.generator = &scriptedGenerator{respond: groundedScript("question")}
	p := newTestPipeline(t, deps)

	result, err := p.Answer(context.Background(), Query{Text: "what is in here", Collection: "empty"})
	require.NoError(t, err)

	assert.True(t, result.NoContent)
	assert.Equal(t, noContentResponse, result.Text)
	assert.Empty(t, result.Citations)
	assert.Contains(t, result.Stages, "no_content")
	assert.NotContains(t, result.Stages, "generate")

	// Only the classification call reached the model; a missing index is a
	// degradation, not an error.
	assert.Equal(t, 1, deps.generator.callCount())
	assert.Empty(t, result.Errors)
}

func TestAnswerTimeoutWithoutRetrievalIsAnError(t *testing.T) {
	deps := &testPipelineDeps{
		lexical: &fakeLexicalIndex{block: true},
		vector:  &fakeVectorStore{block: true},
	}
	deps.indexes = &fakeIndexProvider{lexical: deps.lexical, vector: deps.vector}
	p := newTestPipeline(t, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	result, err := p.Answer(ctx, Query{Text: "what does the cap theorem state", Collection: "notes"})

	// The deadline expired before any passage came back: that is a timeout
	// failure, not the no-relevant-content outcome.
	require.Error(t, err)
	assert.Equal(t, qerrors.ErrCodePipelineTimeout, qerrors.GetCode(err))
	assert.Nil(t, result)
}

func TestAnswerDegradesToVectorOnly(t *testing.T) {
	deps := &testPipelineDeps{
		lexical: &fakeLexicalIndex{err: store.ErrNoIndex},
		vector: &fakeVectorStore{results: []*store.VectorResult{
			{ID: "p1", Score: 0.92},
		}},
	}
	deps.indexes = &fakeIndexProvider{lexical: deps.lexical, vector: deps.vector}
	p := newTestPipeline(t, deps)

	result, err := p.Answer(context.Background(), Query{Text: "what does the cap theorem state", Collection: "notes"})
	require.NoError(t, err)

	assert.False(t, result.NoContent)
	require.NotEmpty(t, result.Citations)
	assert.Equal(t, "p1", result.Citations[0].PassageID)
	assert.Empty(t, result.Errors)
}

func TestAnswerRetryLoopBounded(t *testing.T) {
	// Given a generator whose answers never trace to the evidence
	gen := &scriptedGenerator{
		respond: func(prompt string, opts llm.Options) (string, error) {
			if strings.Contains(prompt, classifyMarker) {
				return `{"label": "question"}`, nil
			}
			return "Bananas ripen faster inside paper bags during summer humidity.", nil
		},
	}
	deps := &testPipelineDeps{generator: gen}
	p := newTestPipeline(t, deps)
	p.cfg.Verify.MaxIterations = 1

	result, err := p.Answer(context.Background(), Query{Text: "what does the cap theorem state", Collection: "notes"})
	require.NoError(t, err)

	// Then exactly maxIterations+1 generations happened and the answer
	// ships flagged ungrounded
	assert.Equal(t, 2, gen.promptsContaining(answerMarker))
	assert.False(t, result.Verdict.Grounded)
	assert.Contains(t, result.Stages, "retry")
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[len(result.Errors)-1].Error(), "ungrounded")

	// The retry prompt carries the stay-within-evidence instruction.
	assert.Equal(t, 1, gen.promptsContaining("previous answer included claims"))
}

func TestAnswerRejectsEmptyAndOversizedQueries(t *testing.T) {
	p := newTestPipeline(t, &testPipelineDeps{})

	_, err := p.Answer(context.Background(), Query{Text: "   ", Collection: "notes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	_, err = p.Answer(context.Background(), Query{Text: strings.Repeat("q", maxQueryLength+1), Collection: "notes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestAnswerPersistsTurn(t *testing.T) {
	hist := &fakeHistory{}
	deps := &testPipelineDeps{history: hist}
	p := newTestPipeline(t, deps)

	result, err := p.Answer(context.Background(), Query{
		Text:       "what does the cap theorem state",
		SessionID:  "s1",
		Collection: "notes",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Stages, "persist_turn")

	require.Len(t, hist.turns, 1)
	turn := hist.turns[0]
	assert.Equal(t, "s1", turn.SessionID)
	assert.Equal(t, "what does the cap theorem state", turn.Query)
	assert.Equal(t, capPassageContent, turn.Answer)
	assert.Equal(t, "question", turn.Intent)
	assert.True(t, turn.Grounded)
	assert.Equal(t, []string{"p1"}, turn.Citations)
}

func TestAnswerStreamEmitsEventsInOrder(t *testing.T) {
	deps := &testPipelineDeps{}
	p := newTestPipeline(t, deps)

	var events []Event
	for e := range p.AnswerStream(context.Background(), Query{Text: "what does the cap theorem state", Collection: "notes"}) {
		events = append(events, e)
	}
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Verdict.Grounded)

	var sawCitations, sawToken bool
	var phases []string
	for _, e := range events {
		switch e.Type {
		case EventPhase:
			phases = append(phases, e.Phase)
		case EventCitations:
			sawCitations = true
			assert.NotEmpty(t, e.Citations)
		case EventToken:
			sawToken = true
		}
	}
	assert.True(t, sawCitations)
	assert.True(t, sawToken)
	assert.Contains(t, phases, "retrieve")
	assert.Contains(t, phases, "generate")
}

func TestAnswerStreamEmitsErrorEvent(t *testing.T) {
	p := newTestPipeline(t, &testPipelineDeps{})

	var events []Event
	for e := range p.AnswerStream(context.Background(), Query{Text: "", Collection: "notes"}) {
		events = append(events, e)
	}
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Error(t, events[0].Err)
}

func TestNewPipelineRequiresDependencies(t *testing.T) {
	cfg := config.NewConfig()
	embedder := embed.NewStaticEmbedder(64)
	gen := &scriptedGenerator{}
	indexes := &fakeIndexProvider{}
	metadata := &fakeMetadata{}

	_, err := NewPipeline(nil, embedder, gen, indexes, metadata)
	assert.Error(t, err)
	_, err = NewPipeline(cfg, nil, gen, indexes, metadata)
	assert.Error(t, err)
	_, err = NewPipeline(cfg, embedder, nil, indexes, metadata)
	assert.Error(t, err)
	_, err = NewPipeline(cfg, embedder, gen, nil, metadata)
	assert.Error(t, err)
	_, err = NewPipeline(cfg, embedder, gen, indexes, nil)
	assert.Error(t, err)
}
