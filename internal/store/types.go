// Package store provides lexical search (SQLite FTS5 or Bleve), vector
// storage (HNSW), and passage metadata persistence (SQLite). This is the
// persistence layer for all indexed data.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State keys for the metadata store.
const (
	// StateKeyIndexDimension stores the embedding dimension used for the index.
	StateKeyIndexDimension = "index_embedding_dimension"
	// StateKeyIndexModel stores the embedding model name used for the index.
	StateKeyIndexModel = "index_embedding_model"
	// StateKeyLexicalBackend stores the lexical backend the index was built with.
	StateKeyLexicalBackend = "index_lexical_backend"
)

// ErrNoIndex indicates that a collection has no lexical index. Callers are
// expected to degrade to vector-only retrieval rather than fail.
var ErrNoIndex = errors.New("no lexical index for collection")

// ErrNotFound indicates a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Passage is a retrievable unit of content. Passages arrive pre-chunked; a
// passage with ParentID set is a child span that is ranked by its own content
// but presented to the generator via its parent's content.
type Passage struct {
	ID            string            // Stable passage ID (content-addressable)
	Collection    string            // Owning collection name
	Content       string            // Span content used for ranking
	Source        string            // Originating document path or URI
	Page          int               // 1-indexed page, 0 when unknown
	ParentID      string            // Parent span ID, empty for top-level passages
	ParentContent string            // Full parent span content, empty for top-level passages
	Metadata      map[string]string // Custom metadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Collection summarizes an indexed document collection.
type Collection struct {
	Name          string
	PassageCount  int
	EmbeddedCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MetadataStore persists passage metadata in SQLite.
type MetadataStore interface {
	// Passage operations
	SavePassages(ctx context.Context, passages []*Passage) error
	GetPassage(ctx context.Context, id string) (*Passage, error)
	GetPassages(ctx context.Context, ids []string) ([]*Passage, error) // Batch retrieval for performance
	DeletePassages(ctx context.Context, ids []string) error
	DeleteCollection(ctx context.Context, name string) error

	// Collection operations
	ListCollections(ctx context.Context) ([]*Collection, error)
	GetCollection(ctx context.Context, name string) (*Collection, error)

	// State operations (key-value store for runtime state)
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Embedding operations (for vector store rebuild)
	SavePassageEmbeddings(ctx context.Context, passageIDs []string, embeddings [][]float32, model string) error
	GetAllEmbeddings(ctx context.Context, collection string) (map[string][]float32, error)
	GetEmbeddingStats(ctx context.Context, collection string) (withEmbedding, withoutEmbedding int, err error)

	// Lifecycle
	Close() error
}

// Document represents a passage to be indexed for lexical search.
type Document struct {
	ID      string // Passage ID
	Content string // Text content
}

// LexicalResult represents a single lexical search result.
type LexicalResult struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about a lexical index.
type IndexStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// LexicalIndex provides keyword search scored by BM25.
type LexicalIndex interface {
	// Index adds documents to the index
	Index(ctx context.Context, docs []*Document) error

	// Search returns documents matching query, scored by BM25
	Search(ctx context.Context, query string, limit int) ([]*LexicalResult, error)

	// Delete removes documents from index
	Delete(ctx context.Context, docIDs []string) error

	// AllIDs returns all document IDs in the index (for consistency checks)
	AllIDs() ([]string, error)

	// Stats returns index statistics
	Stats() *IndexStats

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// LexicalConfig configures a lexical index.
type LexicalConfig struct {
	// K1 is the term frequency saturation parameter (default: 1.2)
	K1 float64

	// B is the length normalization parameter (default: 0.75)
	B float64

	// StopWords is a list of words to filter out during tokenization
	StopWords []string

	// MinTokenLength is minimum token length to index (default: 2)
	MinTokenLength int
}

// DefaultLexicalConfig returns default lexical index configuration.
func DefaultLexicalConfig() LexicalConfig {
	return LexicalConfig{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultStopWords,
		MinTokenLength: 2,
	}
}

// DefaultStopWords contains high-frequency English words that carry no
// retrieval signal for prose passages.
var DefaultStopWords = []string{
	"a", "an", "the", "and", "or", "but", "of", "in", "on", "at",
	"to", "for", "with", "by", "from", "as", "is", "are", "was",
	"were", "be", "been", "it", "its", "this", "that", "these",
	"those", "there",
}

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID       string  // Passage ID
	Distance float32 // Lower is more similar (0-2 for cosine)
	Score    float32 // Normalized similarity (0-1)
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension (768 for nomic-embed-text, 256 for static)
	Dimensions int

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos")
	Metric string

	// M is HNSW max connections per layer (default: 32)
	M int

	// EfConstruction is HNSW build-time search width (default: 128)
	EfConstruction int

	// EfSearch is HNSW query-time search width (default: 64)
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for the vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorStore provides semantic search using the HNSW algorithm.
type VectorStore interface {
	// Add inserts vectors with their IDs. If an ID exists, it is replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds k nearest neighbors to query vector.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns all vector IDs in the store (for consistency checks)
	AllIDs() []string

	// Contains checks if ID exists.
	Contains(id string) bool

	// Count returns number of vectors.
	Count() int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'quarry ingest --rebuild')", e.Expected, e.Got)
}
