// Package ingest loads pre-chunked passages into a collection's indexes.
//
// Quarry does not parse or chunk documents itself: the loader consumes
// JSONL files of ready passages (one JSON object per line) produced by an
// external chunking step, then builds the lexical, vector, and metadata
// indexes behind a cross-process lock.
package ingest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/qerrors"
	"github.com/quarryhq/quarry/internal/store"
)

// maxLineBytes bounds a single JSONL line. Parent contents can be large.
const maxLineBytes = 4 * 1024 * 1024

// passageRecord is the wire form of one JSONL line.
type passageRecord struct {
	ID            string            `json:"id,omitempty"`
	Content       string            `json:"content"`
	Source        string            `json:"source,omitempty"`
	Page          int               `json:"page,omitempty"`
	ParentID      string            `json:"parent_id,omitempty"`
	ParentContent string            `json:"parent_content,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// LoadPassages reads a JSONL passage file. Blank lines are skipped; a
// malformed line fails the whole load with its line number so the input can
// be fixed rather than partially ingested.
func LoadPassages(path, collection string) ([]*store.Passage, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, qerrors.New(qerrors.ErrCodeFileNotFound,
				fmt.Sprintf("passage file not found: %s", path), err)
		}
		return nil, qerrors.New(qerrors.ErrCodeIngestFailed,
			fmt.Sprintf("failed to open passage file: %s", path), err)
	}
	defer f.Close()

	passages, err := readPassages(f, collection)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput,
			fmt.Sprintf("invalid passage file %s: %v", path, err), err)
	}
	return passages, nil
}

func readPassages(r io.Reader, collection string) ([]*store.Passage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var passages []*store.Passage
	seen := make(map[string]int)
	now := time.Now().UTC()

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec passageRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if strings.TrimSpace(rec.Content) == "" {
			return nil, fmt.Errorf("line %d: passage content is empty", line)
		}
		if rec.ID == "" {
			rec.ID = passageID(collection, rec.Source, rec.Content)
		}
		if prev, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("line %d: duplicate passage id %q (first seen on line %d)", line, rec.ID, prev)
		}
		seen[rec.ID] = line

		passages = append(passages, &store.Passage{
			ID:            rec.ID,
			Collection:    collection,
			Content:       rec.Content,
			Source:        rec.Source,
			Page:          rec.Page,
			ParentID:      rec.ParentID,
			ParentContent: rec.ParentContent,
			Metadata:      rec.Metadata,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("line %d: %w", line+1, err)
	}
	if len(passages) == 0 {
		return nil, fmt.Errorf("no passages in file")
	}
	return passages, nil
}

// passageID derives a stable content-addressable ID so re-ingesting the
// same file replaces rather than duplicates passages.
func passageID(collection, source, content string) string {
	h := sha256.New()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
