package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedderDeterministic(t *testing.T) {
	// Given a static embedder
	e := NewStaticEmbedder(768)
	defer func() { _ = e.Close() }()

	// When embedding the same text twice
	a, err := e.Embed(context.Background(), "distributed consensus protocols")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "distributed consensus protocols")
	require.NoError(t, err)

	// Then the vectors are identical
	assert.Equal(t, a, b)
}

func TestStaticEmbedderUnitLength(t *testing.T) {
	e := NewStaticEmbedder(768)
	defer func() { _ = e.Close() }()

	vec, err := e.Embed(context.Background(), "the raft leader election timeout")
	require.NoError(t, err)
	require.Len(t, vec, 768)

	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-5)
}

func TestStaticEmbedderEmptyInput(t *testing.T) {
	e := NewStaticEmbedder(64)
	defer func() { _ = e.Close() }()

	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	require.Len(t, vec, 64)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestStaticEmbedderSimilarTextsScoreHigher(t *testing.T) {
	e := NewStaticEmbedder(768)
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	base, err := e.Embed(ctx, "the database stores rows in pages")
	require.NoError(t, err)
	related, err := e.Embed(ctx, "the database stores tables in pages")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "purple monkey dishwasher")
	require.NoError(t, err)

	assert.Greater(t, CosineSimilarity(base, related), CosineSimilarity(base, unrelated))
}

func TestStaticEmbedderBatchMatchesSingle(t *testing.T) {
	e := NewStaticEmbedder(256)
	defer func() { _ = e.Close() }()

	ctx := context.Background()
	texts := []string{"first passage", "second passage", ""}

	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestStaticEmbedderClosed(t *testing.T) {
	e := NewStaticEmbedder(64)
	require.NoError(t, e.Close())

	_, err := e.Embed(context.Background(), "anything")
	assert.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"mismatched lengths", []float32{1, 0}, []float32{1}, 0.0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}
