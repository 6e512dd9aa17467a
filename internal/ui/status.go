package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// CollectionStatus summarizes one collection's indexes.
type CollectionStatus struct {
	Name           string `json:"name"`
	Passages       int    `json:"passages"`
	Embedded       int    `json:"embedded"`
	LexicalBackend string `json:"lexical_backend,omitempty"` // empty when no lexical index
	HasVectors     bool   `json:"has_vectors"`
	SizeBytes      int64  `json:"size_bytes"`
}

// StatusInfo contains service and index health information.
type StatusInfo struct {
	DataDir     string             `json:"data_dir"`
	Collections []CollectionStatus `json:"collections"`

	EmbedderType   string `json:"embedder_type"`
	EmbedderStatus string `json:"embedder_status"` // "ready", "offline"
	EmbedderModel  string `json:"embedder_model,omitempty"`

	GeneratorType   string `json:"generator_type"`
	GeneratorStatus string `json:"generator_status"` // "ready", "offline"
	GeneratorModel  string `json:"generator_model,omitempty"`

	Sessions int `json:"sessions"`
}

// StatusRenderer displays service status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{
		out:    out,
		styles: GetStyles(noColor),
	}
}

// Render displays status info to the terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Quarry Status"))
	_, _ = fmt.Fprintf(r.out, "  Data dir: %s\n\n", info.DataDir)

	_, _ = fmt.Fprintln(r.out, "  Collections:")
	if len(info.Collections) == 0 {
		_, _ = fmt.Fprintln(r.out, "    (none - run quarry ingest)")
	}
	for _, c := range info.Collections {
		lexical := c.LexicalBackend
		if lexical == "" {
			lexical = "missing"
		}
		vectors := "ready"
		if !c.HasVectors {
			vectors = "missing"
		}
		_, _ = fmt.Fprintf(r.out, "    %-20s %d passages (%d embedded), lexical: %s, vectors: %s, %s\n",
			c.Name, c.Passages, c.Embedded, lexical, vectors, FormatBytes(c.SizeBytes))
	}
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintln(r.out, "  Embedder:")
	_, _ = fmt.Fprintf(r.out, "    Type:   %s\n", info.EmbedderType)
	_, _ = fmt.Fprintf(r.out, "    Status: %s\n", r.renderStatus(info.EmbedderStatus))
	if info.EmbedderModel != "" {
		_, _ = fmt.Fprintf(r.out, "    Model:  %s\n", info.EmbedderModel)
	}
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintln(r.out, "  Generator:")
	_, _ = fmt.Fprintf(r.out, "    Type:   %s\n", info.GeneratorType)
	_, _ = fmt.Fprintf(r.out, "    Status: %s\n", r.renderStatus(info.GeneratorStatus))
	if info.GeneratorModel != "" {
		_, _ = fmt.Fprintf(r.out, "    Model:  %s\n", info.GeneratorModel)
	}
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintf(r.out, "  Sessions: %d\n", info.Sessions)
	return nil
}

// RenderJSON outputs status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

// renderStatus formats a status string with color.
func (r *StatusRenderer) renderStatus(status string) string {
	switch status {
	case "ready":
		return r.styles.Success.Render(status)
	case "offline":
		return r.styles.Warning.Render(status)
	case "error":
		return r.styles.Error.Render(status)
	default:
		return status
	}
}

// FormatBytes formats bytes to human-readable form.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatTime formats a time as a relative age for display.
func FormatTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}
