package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteLexicalIndex_IndexAndSearch_Basic(t *testing.T) {
	// Given: empty index
	idx, err := NewSQLiteLexicalIndex("", DefaultLexicalConfig())
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	// When: index documents
	docs := []*Document{
		{ID: "1", Content: "distributed consensus requires a quorum of nodes"},
		{ID: "2", Content: "consensus protocols tolerate node failures"},
		{ID: "3", Content: "vector clocks order concurrent events"},
	}
	err = idx.Index(context.Background(), docs)
	require.NoError(t, err)

	// Then: search finds matching documents, scored by BM25
	results, err := idx.Search(context.Background(), "consensus", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Greater(t, results[0].Score, 0.0)
}

func TestSQLiteLexicalIndex_Search_PartialTermCoverage(t *testing.T) {
	// Given: a document containing only some of the query terms
	idx, err := NewSQLiteLexicalIndex("", DefaultLexicalConfig())
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	docs := []*Document{{ID: "1", Content: "eventual consistency in replicated databases"}}
	require.NoError(t, idx.Index(context.Background(), docs))

	// When: searching with extra terms the document lacks
	results, err := idx.Search(context.Background(), "consistency guarantees tradeoffs", 10)
	require.NoError(t, err)

	// Then: the document still matches (terms are OR'd)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].DocID)
}

func TestSQLiteLexicalIndex_Search_EmptyQuery(t *testing.T) {
	idx, err := NewSQLiteLexicalIndex("", DefaultLexicalConfig())
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	results, err := idx.Search(context.Background(), "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLiteLexicalIndex_Search_StopWordOnlyQuery(t *testing.T) {
	// Given: an indexed document
	idx, err := NewSQLiteLexicalIndex("", DefaultLexicalConfig())
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	require.NoError(t, idx.Index(context.Background(),
		[]*Document{{ID: "1", Content: "raft leader election"}}))

	// When: the query reduces to nothing after stop word filtering
	results, err := idx.Search(context.Background(), "the of and", 10)
	require.NoError(t, err)

	// Then: no results, no error
	assert.Empty(t, results)
}

func TestSQLiteLexicalIndex_Index_UpdatesExistingDocument(t *testing.T) {
	idx, err := NewSQLiteLexicalIndex("", DefaultLexicalConfig())
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	require.NoError(t, idx.Index(context.Background(),
		[]*Document{{ID: "1", Content: "original topic alpha"}}))
	require.NoError(t, idx.Index(context.Background(),
		[]*Document{{ID: "1", Content: "replacement topic beta"}}))

	// Old content no longer matches
	results, err := idx.Search(context.Background(), "alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	// New content matches, exactly once
	results, err = idx.Search(context.Background(), "beta", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].DocID)
}

func TestSQLiteLexicalIndex_Delete(t *testing.T) {
	idx, err := NewSQLiteLexicalIndex("", DefaultLexicalConfig())
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	docs := []*Document{
		{ID: "1", Content: "first passage about caching"},
		{ID: "2", Content: "second passage about caching"},
	}
	require.NoError(t, idx.Index(context.Background(), docs))
	require.NoError(t, idx.Delete(context.Background(), []string{"1"}))

	results, err := idx.Search(context.Background(), "caching", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "2", results[0].DocID)

	ids, err := idx.AllIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids)
}

func TestSQLiteLexicalIndex_PersistAndReload(t *testing.T) {
	// Given: an on-disk index with one document
	path := filepath.Join(t.TempDir(), "lexical.db")
	idx, err := NewSQLiteLexicalIndex(path, DefaultLexicalConfig())
	require.NoError(t, err)

	require.NoError(t, idx.Index(context.Background(),
		[]*Document{{ID: "1", Content: "durable storage with write ahead logging"}}))
	require.NoError(t, idx.Save(path))
	require.NoError(t, idx.Close())

	// When: reopening the index
	reopened, err := NewSQLiteLexicalIndex(path, DefaultLexicalConfig())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	// Then: the document is still searchable
	results, err := reopened.Search(context.Background(), "durable", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].DocID)
}

func TestSQLiteLexicalIndex_Close_Idempotent(t *testing.T) {
	idx, err := NewSQLiteLexicalIndex("", DefaultLexicalConfig())
	require.NoError(t, err)

	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, err = idx.Search(context.Background(), "anything", 10)
	assert.Error(t, err)
}

func TestSQLiteLexicalIndex_Stats(t *testing.T) {
	idx, err := NewSQLiteLexicalIndex("", DefaultLexicalConfig())
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	require.NoError(t, idx.Index(context.Background(), []*Document{
		{ID: "1", Content: "one"},
		{ID: "2", Content: "two"},
	}))

	stats := idx.Stats()
	assert.Equal(t, 2, stats.DocumentCount)
}
