package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/quarryhq/quarry/internal/embed"
	"github.com/quarryhq/quarry/internal/qerrors"
	"github.com/quarryhq/quarry/internal/store"
)

var collectionNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidateCollectionName rejects names that cannot serve as directory names.
func ValidateCollectionName(name string) error {
	if !collectionNameRegex.MatchString(name) {
		return qerrors.New(qerrors.ErrCodeInvalidInput,
			fmt.Sprintf("invalid collection name %q: use letters, digits, dot, dash, underscore (max 64 chars)", name), nil)
	}
	return nil
}

// ProgressFunc receives embedding progress during ingestion.
type ProgressFunc func(done, total int)

// Ingester builds a collection's indexes from pre-chunked passages.
// Embedding runs on a worker pool; index writes are serialized after all
// embeddings complete so a failed run never leaves a half-written index
// over a complete one.
type Ingester struct {
	dataDir  string
	embedder embed.Embedder
	metadata store.MetadataStore
	pool     *ants.Pool
	backend  string
	batch    int
	progress ProgressFunc
	logger   *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester) error

// WithPoolSize sets the embedding worker pool size. Default is half the
// CPUs, minimum 1.
func WithPoolSize(size int) Option {
	return func(ing *Ingester) error {
		if size < 1 {
			size = 1
		}
		if ing.pool != nil {
			ing.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		ing.pool = pool
		return nil
	}
}

// WithBatchSize sets how many passages go into one embedding request.
func WithBatchSize(n int) Option {
	return func(ing *Ingester) error {
		if n < embed.MinBatchSize {
			n = embed.MinBatchSize
		}
		if n > embed.MaxBatchSize {
			n = embed.MaxBatchSize
		}
		ing.batch = n
		return nil
	}
}

// WithLexicalBackend selects the lexical index backend (sqlite or bleve).
func WithLexicalBackend(backend string) Option {
	return func(ing *Ingester) error {
		ing.backend = backend
		return nil
	}
}

// WithProgress wires a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(ing *Ingester) error {
		ing.progress = fn
		return nil
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(ing *Ingester) error {
		if logger != nil {
			ing.logger = logger
		}
		return nil
	}
}

// NewIngester creates an ingester. embedder and metadata are required.
func NewIngester(dataDir string, embedder embed.Embedder, metadata store.MetadataStore, opts ...Option) (*Ingester, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if metadata == nil {
		return nil, fmt.Errorf("metadata store is required")
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	ing := &Ingester{
		dataDir:  dataDir,
		embedder: embedder,
		metadata: metadata,
		pool:     pool,
		backend:  string(store.LexicalBackendSQLite),
		batch:    embed.DefaultBatchSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(ing); err != nil {
			ing.Release()
			return nil, err
		}
	}
	return ing, nil
}

// Release frees the worker pool. The ingester must not be used afterwards.
func (ing *Ingester) Release() {
	if ing.pool != nil {
		ing.pool.Release()
	}
}

// Stats summarizes one ingestion run.
type Stats struct {
	Collection string
	Passages   int
	Embedded   int
	Elapsed    time.Duration
}

// IngestFile loads a JSONL passage file into a collection, replacing any
// previous contents. The collection directory is locked for the duration so
// concurrent quarry processes cannot interleave index writes.
func (ing *Ingester) IngestFile(ctx context.Context, collection, path string) (*Stats, error) {
	started := time.Now()

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	lock := embed.NewFileLock(CollectionDir(ing.dataDir, collection))
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIngestFailed, "failed to lock collection directory", err)
	}
	if !acquired {
		return nil, qerrors.New(qerrors.ErrCodeDataLocked,
			fmt.Sprintf("collection %q is locked by another quarry process", collection), nil)
	}
	defer lock.Unlock()

	passages, err := LoadPassages(path, collection)
	if err != nil {
		return nil, err
	}
	ing.logger.Info("loaded passages", "collection", collection, "count", len(passages), "file", path)

	vectors, err := ing.embedAll(ctx, passages)
	if err != nil {
		return nil, err
	}

	// Replace the collection wholesale: passages dropped from the input
	// file must not linger in any index.
	if err := ing.metadata.DeleteCollection(ctx, collection); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIngestFailed, "failed to clear previous collection contents", err)
	}
	if err := ing.metadata.SavePassages(ctx, passages); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIngestFailed, "failed to save passage metadata", err)
	}

	ids := make([]string, len(passages))
	for i, p := range passages {
		ids[i] = p.ID
	}
	if err := ing.metadata.SavePassageEmbeddings(ctx, ids, vectors, ing.embedder.ModelName()); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIngestFailed, "failed to save passage embeddings", err)
	}

	if err := ing.buildLexicalIndex(ctx, collection, passages); err != nil {
		return nil, err
	}
	if err := ing.buildVectorIndex(ctx, collection, ids, vectors); err != nil {
		return nil, err
	}

	stats := &Stats{
		Collection: collection,
		Passages:   len(passages),
		Embedded:   len(vectors),
		Elapsed:    time.Since(started),
	}
	ing.logger.Info("ingestion complete",
		"collection", collection, "passages", stats.Passages, "elapsed", stats.Elapsed)
	return stats, nil
}

// embedAll embeds passage contents in batches on the worker pool. The first
// failure stops remaining batches; order is preserved by batch offset.
func (ing *Ingester) embedAll(ctx context.Context, passages []*store.Passage) ([][]float32, error) {
	vectors := make([][]float32, len(passages))
	total := len(passages)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	done := 0

	for start := 0; start < len(passages); start += ing.batch {
		end := min(start+ing.batch, len(passages))
		start, end := start, end

		wg.Add(1)
		submitErr := ing.pool.Submit(func() {
			defer wg.Done()

			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed || ctx.Err() != nil {
				return
			}

			texts := make([]string, end-start)
			for i, p := range passages[start:end] {
				texts[i] = p.Content
			}
			vecs, err := ing.embedder.EmbedBatch(ctx, texts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			copy(vectors[start:end], vecs)
			done += end - start
			if ing.progress != nil {
				ing.progress(done, total)
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = submitErr
			}
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, qerrors.New(qerrors.ErrCodeEmbedderFailed, "passage embedding failed", firstErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// buildLexicalIndex writes a fresh lexical index, removing any index left
// by a previous backend choice.
func (ing *Ingester) buildLexicalIndex(ctx context.Context, collection string, passages []*store.Passage) error {
	basePath := filepath.Join(ing.dataDir, collection, "lexical")
	if err := os.Remove(basePath + ".db"); err != nil && !os.IsNotExist(err) {
		return qerrors.New(qerrors.ErrCodeIngestFailed, "failed to remove previous lexical index", err)
	}
	if err := os.RemoveAll(basePath + ".bleve"); err != nil {
		return qerrors.New(qerrors.ErrCodeIngestFailed, "failed to remove previous lexical index", err)
	}

	idx, err := store.NewLexicalIndexWithBackend(basePath, store.DefaultLexicalConfig(), ing.backend)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIngestFailed, "failed to create lexical index", err)
	}
	defer idx.Close()

	docs := make([]*store.Document, len(passages))
	for i, p := range passages {
		docs[i] = &store.Document{ID: p.ID, Content: p.Content}
	}
	if err := idx.Index(ctx, docs); err != nil {
		return qerrors.New(qerrors.ErrCodeIngestFailed, "failed to build lexical index", err)
	}
	return nil
}

func (ing *Ingester) buildVectorIndex(ctx context.Context, collection string, ids []string, vectors [][]float32) error {
	vs, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(ing.embedder.Dimensions()))
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIngestFailed, "failed to create vector store", err)
	}
	defer vs.Close()

	if err := vs.Add(ctx, ids, vectors); err != nil {
		return qerrors.New(qerrors.ErrCodeIngestFailed, "failed to add vectors", err)
	}
	if err := vs.Save(VectorIndexPath(ing.dataDir, collection)); err != nil {
		return qerrors.New(qerrors.ErrCodeIngestFailed, "failed to persist vector index", err)
	}
	return nil
}
