package embed

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder wraps StaticEmbedder and counts provider calls.
type countingEmbedder struct {
	*StaticEmbedder
	embedCalls int32
	batchCalls int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&c.embedCalls, 1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&c.batchCalls, 1)
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedderAvoidsRepeatCalls(t *testing.T) {
	// Given a cached embedder over a counting inner embedder
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(64)}
	cached := NewCachedEmbedder(inner, 16)
	ctx := context.Background()

	// When embedding the same text twice
	first, err := cached.Embed(ctx, "what is quorum")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "what is quorum")
	require.NoError(t, err)

	// Then the inner embedder is called once and results match
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.embedCalls))
}

func TestCachedEmbedderBatchOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(64)}
	cached := NewCachedEmbedder(inner, 16)
	ctx := context.Background()

	// Warm the cache with one text
	_, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)

	// Batch with one hit and two misses
	results, err := cached.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Only the misses reached the inner batch call
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.batchCalls))

	// Fully cached batch makes no inner calls
	_, err = cached.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.batchCalls))
}

func TestCachedEmbedderPassthrough(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder(128)}
	cached := NewCachedEmbedder(inner, 0)

	assert.Equal(t, 128, cached.Dimensions())
	assert.Equal(t, inner.ModelName(), cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
	assert.Same(t, inner, cached.Inner().(*countingEmbedder))
}
