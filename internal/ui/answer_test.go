package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/pipeline"
)

func groundedResult() *pipeline.Result {
	return &pipeline.Result{
		Text: "Raft elects a single leader per term.",
		Citations: []pipeline.Citation{
			{PassageID: "p1", Source: "raft.md", Page: 3},
			{PassageID: "p2", Source: "consensus.md"},
		},
		Verdict:    pipeline.Verdict{Grounded: true, Score: 0.91, Tier: 1},
		Intent:     pipeline.Intent{Label: pipeline.IntentQuestion, Confidence: 0.7, Tier: 2},
		Complexity: pipeline.ComplexitySimple,
		Stages:     []string{"classify_intent", "retrieve", "generate", "verify"},
		Elapsed:    1234 * time.Millisecond,
	}
}

func TestPlainRendererFinish(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainAnswerRenderer(NewConfig(&buf))

	r.Finish(groundedResult())

	out := buf.String()
	assert.Contains(t, out, "Raft elects a single leader per term.")
	assert.Contains(t, out, "Sources:")
	assert.Contains(t, out, "[1] raft.md (page 3)")
	assert.Contains(t, out, "[2] consensus.md")
	assert.NotContains(t, out, "warning")
}

func TestPlainRendererStreamedTokensNotRepeated(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainAnswerRenderer(NewConfig(&buf))

	r.Token("Raft ")
	r.Token("elects.")
	result := groundedResult()
	result.Text = "Raft elects."
	result.Citations = nil
	r.Finish(result)

	// The answer appears once, from the stream.
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("Raft elects.")))
}

func TestPlainRendererUngroundedWarning(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainAnswerRenderer(NewConfig(&buf))

	result := groundedResult()
	result.Verdict = pipeline.Verdict{Grounded: false, Score: 0.41, Tier: 2}
	r.Finish(result)

	assert.Contains(t, buf.String(), "warning: answer could not be verified")
	assert.Contains(t, buf.String(), "0.41")
}

func TestPlainRendererNoContentSkipsWarning(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainAnswerRenderer(NewConfig(&buf))

	result := &pipeline.Result{Text: "nothing relevant", NoContent: true}
	r.Finish(result)

	assert.NotContains(t, buf.String(), "warning")
}

func TestPlainRendererExplain(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainAnswerRenderer(NewConfig(&buf))

	result := groundedResult()
	result.Errors = []error{errors.New("lexical retrieval failed")}
	r.Explain(result)

	out := buf.String()
	assert.Contains(t, out, "intent:     question (confidence 0.70, tier 2)")
	assert.Contains(t, out, "complexity: simple")
	assert.Contains(t, out, "grounded (score 0.91, fast check)")
	assert.Contains(t, out, "classify_intent > retrieve > generate > verify")
	assert.Contains(t, out, "degraded:   lexical retrieval failed")
}

func TestPlainRendererError(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainAnswerRenderer(NewConfig(&buf))

	r.Error(errors.New("generator offline"))

	assert.Equal(t, "error: generator offline\n", buf.String())
}

func TestStyledRendererNoColor(t *testing.T) {
	var buf bytes.Buffer
	r := NewStyledAnswerRenderer(NewConfig(&buf, WithNoColor(true)))

	r.Phase("retrieve")
	r.Token("Raft ")
	r.Token("elects a leader.")
	r.Citations([]pipeline.Citation{{PassageID: "p1", Source: "raft.md"}})

	result := groundedResult()
	result.Text = "Raft elects a leader."
	r.Finish(result)

	out := buf.String()
	assert.Contains(t, out, "retrieving")
	assert.Contains(t, out, "Raft elects a leader.")
	assert.Contains(t, out, "Sources")
	assert.Contains(t, out, "[1] raft.md (page 3)")
	// Streamed once, not re-printed by Finish.
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("Raft elects a leader.")))
}

func TestStyledRendererPhaseStopsAfterStreaming(t *testing.T) {
	var buf bytes.Buffer
	r := NewStyledAnswerRenderer(NewConfig(&buf, WithNoColor(true)))

	r.Token("answer")
	before := buf.Len()
	r.Phase("verify")

	assert.Equal(t, before, buf.Len())
}

func TestNewAnswerRendererPicksPlainForNonTTY(t *testing.T) {
	var buf bytes.Buffer
	r := NewAnswerRenderer(NewConfig(&buf))

	_, ok := r.(*PlainAnswerRenderer)
	assert.True(t, ok)
}

func TestPhaseLabel(t *testing.T) {
	assert.Equal(t, "retrieving", phaseLabel("retrieve"))
	assert.Equal(t, "ranking", phaseLabel("rerank"))
	assert.Equal(t, "", phaseLabel("persist_turn"))
}

func TestFormatCitation(t *testing.T) {
	assert.Equal(t, "a.md (page 2)", formatCitation(pipeline.Citation{Source: "a.md", Page: 2}))
	assert.Equal(t, "a.md", formatCitation(pipeline.Citation{Source: "a.md"}))
}

func TestIngestProgressPlainStepsInTens(t *testing.T) {
	var buf bytes.Buffer
	p := NewIngestProgress(NewConfig(&buf, WithForcePlain(true)))

	for done := 1; done <= 100; done++ {
		p.Update(done, 100)
	}
	p.Finish("notes", 100, 2*time.Second)

	out := buf.String()
	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	require.LessOrEqual(t, lines, 12)
	assert.Contains(t, out, "Embedding passages  100/100 (100%)")
	assert.Contains(t, out, `Ingested 100 passages into "notes" in 2s`)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "2.5 MB", FormatBytes(2621440))
	assert.Equal(t, "1.0 GB", FormatBytes(1073741824))
}

func TestStatusRendererRender(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	err := r.Render(StatusInfo{
		DataDir: "/tmp/quarry",
		Collections: []CollectionStatus{
			{Name: "notes", Passages: 42, Embedded: 42, LexicalBackend: "sqlite", HasVectors: true, SizeBytes: 2048},
			{Name: "unindexed", Passages: 3},
		},
		EmbedderType:    "ollama",
		EmbedderStatus:  "ready",
		EmbedderModel:   "nomic-embed-text",
		GeneratorType:   "ollama",
		GeneratorStatus: "offline",
		GeneratorModel:  "llama3.1:8b",
		Sessions:        2,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Quarry Status")
	assert.Contains(t, out, "/tmp/quarry")
	assert.Contains(t, out, "notes")
	assert.Contains(t, out, "42 passages (42 embedded), lexical: sqlite, vectors: ready, 2.0 KB")
	assert.Contains(t, out, "lexical: missing, vectors: missing")
	assert.Contains(t, out, "nomic-embed-text")
	assert.Contains(t, out, "Sessions: 2")
}

func TestStatusRendererJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewStatusRenderer(&buf, true)

	require.NoError(t, r.RenderJSON(StatusInfo{DataDir: "/tmp/q", EmbedderStatus: "ready"}))
	assert.Contains(t, buf.String(), `"data_dir": "/tmp/q"`)
}
