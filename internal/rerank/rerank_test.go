package rerank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/llm"
)

// fakeGenerator returns canned responses for LLMScorer tests.
type fakeGenerator struct {
	response  string
	err       error
	available bool
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	return f.response, f.err
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, prompt string, opts llm.Options, fn llm.TokenFunc) (string, error) {
	return f.response, f.err
}

func (f *fakeGenerator) ModelName() string                    { return "fake" }
func (f *fakeGenerator) Available(ctx context.Context) bool   { return f.available }
func (f *fakeGenerator) Close() error                         { return nil }

func TestLLMScorerParsesScores(t *testing.T) {
	s := NewLLMScorer(&fakeGenerator{response: `{"scores": [0.9, 0.1, 0.5]}`, available: true})

	scores, err := s.Score(context.Background(), "what is raft", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.1, 0.5}, scores)
}

func TestLLMScorerToleratesSurroundingText(t *testing.T) {
	s := NewLLMScorer(&fakeGenerator{response: "Here you go:\n{\"scores\": [1.0]}\nDone."})

	scores, err := s.Score(context.Background(), "q", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0}, scores)
}

func TestLLMScorerClampsOutOfRange(t *testing.T) {
	s := NewLLMScorer(&fakeGenerator{response: `{"scores": [1.7, -0.2]}`})

	scores, err := s.Score(context.Background(), "q", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0, 0.0}, scores)
}

func TestLLMScorerCountMismatch(t *testing.T) {
	s := NewLLMScorer(&fakeGenerator{response: `{"scores": [0.5]}`})

	_, err := s.Score(context.Background(), "q", []string{"a", "b"})
	assert.Error(t, err)
}

func TestLLMScorerMalformedOutput(t *testing.T) {
	s := NewLLMScorer(&fakeGenerator{response: "I cannot rate these passages."})

	_, err := s.Score(context.Background(), "q", []string{"a"})
	assert.Error(t, err)
}

func TestLLMScorerEmptyPassages(t *testing.T) {
	s := NewLLMScorer(&fakeGenerator{})

	scores, err := s.Score(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestOverlapScorerRanksByOverlap(t *testing.T) {
	s := NewOverlapScorer()

	scores, err := s.Score(context.Background(), "raft leader election timeout", []string{
		"raft uses a randomized election timeout to pick a leader",
		"the cap theorem trades consistency against availability",
		"leader election",
	})
	require.NoError(t, err)
	require.Len(t, scores, 3)

	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[0], scores[2])
	assert.Greater(t, scores[2], scores[1])
	assert.InDelta(t, 1.0, scores[0], 1e-9)
}

func TestOverlapScorerStopWordQuery(t *testing.T) {
	s := NewOverlapScorer()

	scores, err := s.Score(context.Background(), "the of and", []string{"anything"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, scores)
}
