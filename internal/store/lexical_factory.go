package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// LexicalBackend represents the lexical index backend type.
type LexicalBackend string

const (
	// LexicalBackendSQLite uses SQLite FTS5 (default).
	// Enables concurrent multi-process access via WAL mode.
	LexicalBackendSQLite LexicalBackend = "sqlite"

	// LexicalBackendBleve uses Bleve v2.
	// Has exclusive file locking via BoltDB - single process only.
	LexicalBackendBleve LexicalBackend = "bleve"
)

// NewLexicalIndexWithBackend creates a LexicalIndex using the specified
// backend. The path should be the base path without extension - the extension
// is added based on the backend type (.db for SQLite, .bleve for Bleve).
//
// If basePath is empty, creates an in-memory index for testing.
func NewLexicalIndexWithBackend(basePath string, config LexicalConfig, backend string) (LexicalIndex, error) {
	switch backend {
	case string(LexicalBackendSQLite), "":
		var path string
		if basePath != "" {
			path = basePath + ".db"
		}
		return NewSQLiteLexicalIndex(path, config)

	case string(LexicalBackendBleve):
		var path string
		if basePath != "" {
			path = basePath + ".bleve"
		}
		return NewBleveLexicalIndex(path, config)

	default:
		return nil, fmt.Errorf("unknown lexical backend: %s (valid options: sqlite, bleve)", backend)
	}
}

// DetectLexicalBackend detects which backend an existing index uses based on
// file existence. Returns an empty string if no index exists, which callers
// surface as ErrNoIndex and degrade to vector-only retrieval.
func DetectLexicalBackend(basePath string) LexicalBackend {
	sqlitePath := basePath + ".db"
	if fileExists(sqlitePath) {
		return LexicalBackendSQLite
	}

	blevePath := basePath + ".bleve"
	if dirExists(blevePath) {
		return LexicalBackendBleve
	}

	return ""
}

// LexicalIndexPath returns the full path to the lexical index file/directory
// for a collection, based on the backend type.
func LexicalIndexPath(dataDir, collection, backend string) string {
	basePath := filepath.Join(dataDir, collection, "lexical")
	switch backend {
	case string(LexicalBackendBleve):
		return basePath + ".bleve"
	default:
		return basePath + ".db"
	}
}

// fileExists checks if a file exists at the given path.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dirExists checks if a directory exists at the given path.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
