package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/store"
)

func childResult(id, parentID, content, parentContent string, rank int, score float64) RankedResult {
	return RankedResult{
		Passage: store.Passage{
			ID:            id,
			ParentID:      parentID,
			Content:       content,
			ParentContent: parentContent,
		},
		Score:  score,
		Rank:   rank,
		Source: SourceFused,
	}
}

func TestExpandDeduplicatesSharedParent(t *testing.T) {
	// Given two children of the same parent span, first ranked higher
	batch := RetrievalBatch{
		childResult("c1", "p1", "child one", "full parent text", 1, 0.9),
		childResult("c2", "p1", "child two", "full parent text", 2, 0.8),
		childResult("c3", "p2", "child three", "other parent", 3, 0.7),
	}

	out := Expand(batch)

	// Then only the first occurrence of each parent survives
	require.Len(t, out, 2)
	assert.Equal(t, "c1", out[0].Passage.ID)
	assert.Equal(t, "c3", out[1].Passage.ID)
}

func TestExpandSubstitutesParentContent(t *testing.T) {
	batch := RetrievalBatch{
		childResult("c1", "p1", "short child span", "the full surrounding context", 1, 0.5),
	}

	out := Expand(batch)

	require.Len(t, out, 1)
	assert.Equal(t, "the full surrounding context", out[0].Passage.Content)
	// Score and rank carry forward from the child.
	assert.Equal(t, 0.5, out[0].Score)
	assert.Equal(t, 1, out[0].Rank)
}

func TestExpandKeepsChildContentWhenParentMissing(t *testing.T) {
	batch := RetrievalBatch{
		childResult("c1", "p1", "child content", "", 1, 0.5),
	}

	out := Expand(batch)

	require.Len(t, out, 1)
	assert.Equal(t, "child content", out[0].Passage.Content)
}

func TestExpandPassesThroughParentlessPassages(t *testing.T) {
	batch := RetrievalBatch{
		childResult("a", "", "standalone a", "", 1, 0.9),
		childResult("b", "", "standalone b", "", 2, 0.8),
	}

	out := Expand(batch)

	require.Len(t, out, 2)
	assert.Equal(t, "standalone a", out[0].Passage.Content)
	assert.Equal(t, "standalone b", out[1].Passage.Content)
}

func TestExpandEmptyBatch(t *testing.T) {
	assert.Empty(t, Expand(nil))
	assert.Empty(t, Expand(RetrievalBatch{}))
}
