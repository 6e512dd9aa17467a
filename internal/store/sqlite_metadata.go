package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// metadataSchemaVersion is the current metadata database schema version.
const metadataSchemaVersion = 1

// SQLiteMetadataStore implements MetadataStore using SQLite.
type SQLiteMetadataStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// NewSQLiteMetadataStore opens (or creates) the metadata database.
// If path is empty, an in-memory database is used for testing.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetadataStore{
		db:   db,
		path: path,
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates metadata tables.
func (s *SQLiteMetadataStore) initSchema() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS passages (
		id             TEXT PRIMARY KEY,
		collection     TEXT NOT NULL,
		content        TEXT NOT NULL,
		source         TEXT NOT NULL DEFAULT '',
		page           INTEGER NOT NULL DEFAULT 0,
		parent_id      TEXT NOT NULL DEFAULT '',
		parent_content TEXT NOT NULL DEFAULT '',
		metadata       TEXT NOT NULL DEFAULT '{}',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_passages_collection ON passages(collection);
	CREATE INDEX IF NOT EXISTS idx_passages_parent ON passages(parent_id);

	CREATE TABLE IF NOT EXISTS embeddings (
		passage_id TEXT PRIMARY KEY REFERENCES passages(id) ON DELETE CASCADE,
		model      TEXT NOT NULL,
		vector     BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (%d);
	`, metadataSchemaVersion)

	_, err := s.db.Exec(schema)
	return err
}

// SavePassages upserts a batch of passages in one transaction.
func (s *SQLiteMetadataStore) SavePassages(ctx context.Context, passages []*Passage) error {
	if len(passages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO passages (id, collection, content, source, page, parent_id, parent_content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			collection     = excluded.collection,
			content        = excluded.content,
			source         = excluded.source,
			page           = excluded.page,
			parent_id      = excluded.parent_id,
			parent_content = excluded.parent_content,
			metadata       = excluded.metadata,
			updated_at     = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, p := range passages {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		metaJSON, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.Collection, p.Content, p.Source, p.Page,
			p.ParentID, p.ParentContent, string(metaJSON),
			createdAt.Unix(), now.Unix()); err != nil {
			return fmt.Errorf("failed to save passage %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// GetPassage retrieves a single passage by ID.
func (s *SQLiteMetadataStore) GetPassage(ctx context.Context, id string) (*Passage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, collection, content, source, page, parent_id, parent_content, metadata, created_at, updated_at
		FROM passages WHERE id = ?
	`, id)

	p, err := scanPassage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get passage %s: %w", id, err)
	}
	return p, nil
}

// GetPassages retrieves passages by ID in a single query.
// Missing IDs are silently skipped; order follows the input IDs.
func (s *SQLiteMetadataStore) GetPassages(ctx context.Context, ids []string) ([]*Passage, error) {
	if len(ids) == 0 {
		return []*Passage{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, collection, content, source, page, parent_id, parent_content, metadata, created_at, updated_at
		FROM passages WHERE id IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Passage, len(ids))
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan passage: %w", err)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]*Passage, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			results = append(results, p)
		}
	}
	return results, nil
}

// DeletePassages removes passages by ID.
func (s *SQLiteMetadataStore) DeletePassages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM passages WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete passages: %w", err)
	}
	return nil
}

// DeleteCollection removes all passages in a collection.
func (s *SQLiteMetadataStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM passages WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

// ListCollections returns all collections with passage and embedding counts.
func (s *SQLiteMetadataStore) ListCollections(ctx context.Context) ([]*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.collection,
		       COUNT(*),
		       COUNT(e.passage_id),
		       MIN(p.created_at),
		       MAX(p.updated_at)
		FROM passages p
		LEFT JOIN embeddings e ON e.passage_id = p.id
		GROUP BY p.collection
		ORDER BY p.collection
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", err)
	}
	defer rows.Close()

	var collections []*Collection
	for rows.Next() {
		var c Collection
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.Name, &c.PassageCount, &c.EmbeddedCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0)
		c.UpdatedAt = time.Unix(updatedAt, 0)
		collections = append(collections, &c)
	}

	return collections, rows.Err()
}

// GetCollection returns one collection summary, or ErrNotFound.
func (s *SQLiteMetadataStore) GetCollection(ctx context.Context, name string) (*Collection, error) {
	collections, err := s.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range collections {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

// GetState retrieves a runtime state value, or ErrNotFound.
func (s *SQLiteMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", fmt.Errorf("store is closed")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// SetState stores a runtime state value.
func (s *SQLiteMetadataStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// SavePassageEmbeddings stores embedding vectors for passages.
// Vectors are serialized as little-endian float32 blobs.
func (s *SQLiteMetadataStore) SavePassageEmbeddings(ctx context.Context, passageIDs []string, embeddings [][]float32, model string) error {
	if len(passageIDs) != len(embeddings) {
		return fmt.Errorf("ids and embeddings length mismatch: %d vs %d", len(passageIDs), len(embeddings))
	}
	if len(passageIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO embeddings (passage_id, model, vector) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare embedding statement: %w", err)
	}
	defer stmt.Close()

	for i, id := range passageIDs {
		blob := encodeVector(embeddings[i])
		if _, err := stmt.ExecContext(ctx, id, model, blob); err != nil {
			return fmt.Errorf("failed to save embedding for %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// GetAllEmbeddings returns all stored embeddings for a collection.
// An empty collection name returns embeddings across all collections.
func (s *SQLiteMetadataStore) GetAllEmbeddings(ctx context.Context, collection string) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	query := `
		SELECT e.passage_id, e.vector
		FROM embeddings e
		JOIN passages p ON p.id = e.passage_id
	`
	var args []any
	if collection != "" {
		query += ` WHERE p.collection = ?`
		args = append(args, collection)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode embedding for %s: %w", id, err)
		}
		result[id] = vec
	}

	return result, rows.Err()
}

// GetEmbeddingStats counts passages with and without stored embeddings.
func (s *SQLiteMetadataStore) GetEmbeddingStats(ctx context.Context, collection string) (withEmbedding, withoutEmbedding int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, 0, fmt.Errorf("store is closed")
	}

	query := `
		SELECT COUNT(e.passage_id), COUNT(*) - COUNT(e.passage_id)
		FROM passages p
		LEFT JOIN embeddings e ON e.passage_id = p.id
	`
	var args []any
	if collection != "" {
		query += ` WHERE p.collection = ?`
		args = append(args, collection)
	}

	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&withEmbedding, &withoutEmbedding); err != nil {
		return 0, 0, fmt.Errorf("failed to query embedding stats: %w", err)
	}
	return withEmbedding, withoutEmbedding, nil
}

// Close closes the database, checkpointing the WAL first.
func (s *SQLiteMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Idempotent
	}

	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanPassage.
type scanner interface {
	Scan(dest ...any) error
}

func scanPassage(row scanner) (*Passage, error) {
	var p Passage
	var metaJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.Collection, &p.Content, &p.Source, &p.Page,
		&p.ParentID, &p.ParentContent, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata JSON: %w", err)
		}
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// encodeVector serializes a float32 vector to a little-endian blob.
func encodeVector(vec []float32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(vec)*4))
	for _, v := range vec {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// decodeVector deserializes a little-endian blob back to a float32 vector.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}
