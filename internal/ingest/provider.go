package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarryhq/quarry/internal/store"
)

// Data-dir layout: each collection owns a directory with its lexical index
// (lexical.db or lexical.bleve) and vector graph (vectors.hnsw); passage
// metadata and conversation history are shared SQLite files at the root.
const (
	vectorFileName   = "vectors.hnsw"
	metadataFileName = "quarry.db"
	historyFileName  = "history.db"
)

// CollectionDir returns the directory holding one collection's indexes.
func CollectionDir(dataDir, collection string) string {
	return filepath.Join(dataDir, collection)
}

// VectorIndexPath returns the path of a collection's vector graph.
func VectorIndexPath(dataDir, collection string) string {
	return filepath.Join(dataDir, collection, vectorFileName)
}

// MetadataPath returns the shared passage metadata database path.
func MetadataPath(dataDir string) string {
	return filepath.Join(dataDir, metadataFileName)
}

// HistoryPath returns the conversation history database path.
func HistoryPath(dataDir string) string {
	return filepath.Join(dataDir, historyFileName)
}

// Provider opens per-collection indexes lazily and caches the handles.
// Indexes are read-mostly at query time; the cache is guarded for
// concurrent queries.
type Provider struct {
	dataDir string

	mu      sync.Mutex
	lexical map[string]store.LexicalIndex
	vectors map[string]store.VectorStore
}

// NewProvider creates an index provider over a data directory.
func NewProvider(dataDir string) *Provider {
	return &Provider{
		dataDir: dataDir,
		lexical: make(map[string]store.LexicalIndex),
		vectors: make(map[string]store.VectorStore),
	}
}

// Lexical resolves a collection's lexical index, detecting the backend from
// the files on disk. Returns store.ErrNoIndex when none was built.
func (p *Provider) Lexical(collection string) (store.LexicalIndex, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.lexical[collection]; ok {
		return idx, nil
	}

	basePath := filepath.Join(p.dataDir, collection, "lexical")
	backend := store.DetectLexicalBackend(basePath)
	if backend == "" {
		return nil, store.ErrNoIndex
	}

	idx, err := store.NewLexicalIndexWithBackend(basePath, store.DefaultLexicalConfig(), string(backend))
	if err != nil {
		return nil, fmt.Errorf("failed to open lexical index for %s: %w", collection, err)
	}
	p.lexical[collection] = idx
	return idx, nil
}

// Vector resolves a collection's vector store. Returns store.ErrNoIndex
// when no graph was built.
func (p *Provider) Vector(collection string) (store.VectorStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vs, ok := p.vectors[collection]; ok {
		return vs, nil
	}

	path := VectorIndexPath(p.dataDir, collection)
	if _, err := os.Stat(path); err != nil {
		return nil, store.ErrNoIndex
	}

	dims, err := store.ReadHNSWStoreDimensions(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vector index for %s: %w", collection, err)
	}

	vs, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dims))
	if err != nil {
		return nil, err
	}
	if err := vs.Load(path); err != nil {
		return nil, fmt.Errorf("failed to load vector index for %s: %w", collection, err)
	}
	p.vectors[collection] = vs
	return vs, nil
}

// Invalidate drops cached handles for a collection, forcing a reopen on the
// next query. Called after re-ingesting.
func (p *Provider) Invalidate(collection string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.lexical[collection]; ok {
		_ = idx.Close()
		delete(p.lexical, collection)
	}
	if vs, ok := p.vectors[collection]; ok {
		_ = vs.Close()
		delete(p.vectors, collection)
	}
}

// Close releases all cached index handles.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for name, idx := range p.lexical {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.lexical, name)
	}
	for name, vs := range p.vectors {
		if err := vs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.vectors, name)
	}
	return firstErr
}
