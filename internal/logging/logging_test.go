package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestRotatingWriter_WritesAndSyncs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.log")

	w, err := NewRotatingWriter(path, 1, 3)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	n, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestRotatingWriter_RotatesAtMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.log")

	w, err := NewRotatingWriter(path, 1, 3)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	// Force rotation by writing past 1MB
	chunk := []byte(strings.Repeat("x", 64*1024))
	for i := 0; i < 17; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}

	// Rotated file exists and current file restarted
	_, err = os.Stat(path + ".1")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(1024*1024))
}

func TestSetup_CreatesLoggerAndLogsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.log")

	logger, cleanup, err := Setup(Config{
		Level:         "debug",
		FilePath:      path,
		MaxSizeMB:     1,
		MaxFiles:      2,
		WriteToStderr: false,
	})
	require.NoError(t, err)
	defer cleanup()

	logger.Info("pipeline_stage", slog.String("stage", "fuse"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"pipeline_stage"`)
	assert.Contains(t, string(data), `"stage":"fuse"`)
}
