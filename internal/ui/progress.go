package ui

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// IngestProgress prints embedding progress during ingestion. Interactive
// terminals get an in-place updating line; plain output prints at most one
// line per 10% step so logs stay readable.
type IngestProgress struct {
	mu          sync.Mutex
	out         io.Writer
	tty         bool
	lastPercent int
	started     time.Time
}

// NewIngestProgress creates a progress printer.
func NewIngestProgress(cfg Config) *IngestProgress {
	return &IngestProgress{
		out:         cfg.Output,
		tty:         !cfg.ForcePlain && IsTTY(cfg.Output) && !DetectCI(),
		lastPercent: -1,
		started:     time.Now(),
	}
}

// Update reports embedding progress. Safe for concurrent use; ingestion
// workers call it from the pool.
func (p *IngestProgress) Update(done, total int) {
	if total <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	percent := done * 100 / total
	if p.tty {
		_, _ = fmt.Fprintf(p.out, "\r\x1b[2KEmbedding passages  %d/%d (%d%%)", done, total, percent)
		return
	}
	// Step in tens so piped output is bounded.
	if percent/10 > p.lastPercent/10 || p.lastPercent < 0 {
		_, _ = fmt.Fprintf(p.out, "Embedding passages  %d/%d (%d%%)\n", done, total, percent)
		p.lastPercent = percent
	}
}

// Finish prints the completion summary.
func (p *IngestProgress) Finish(collection string, passages int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tty {
		_, _ = io.WriteString(p.out, "\r\x1b[2K")
	}
	_, _ = fmt.Fprintf(p.out, "Ingested %d passages into %q in %s\n",
		passages, collection, elapsed.Round(100*millisecond))
}
