package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/llm"
)

const verifyEvidence = "Raft elects a single leader per term using randomized election timeouts. Followers that miss heartbeats become candidates and request votes from peers."

func TestVerifyFastAcceptSkipsSlowTier(t *testing.T) {
	// Given an answer restating the evidence nearly verbatim
	gen := &scriptedGenerator{}
	v := NewVerifier(gen, VerifierConfig{})

	answer := "Raft elects a single leader per term using randomized election timeouts."
	verdict := v.Verify(context.Background(), answer, verifyEvidence, false)

	// Then the fast tier accepts and no completion call happens
	assert.True(t, verdict.Grounded)
	assert.Equal(t, 1, verdict.Tier)
	assert.GreaterOrEqual(t, verdict.Score, DefaultAcceptThreshold)
	assert.Zero(t, gen.callCount())
}

func TestVerifyFastRejectSkipsSlowTier(t *testing.T) {
	gen := &scriptedGenerator{}
	v := NewVerifier(gen, VerifierConfig{})

	answer := "Photosynthesis converts sunlight into chemical energy inside chloroplasts."
	verdict := v.Verify(context.Background(), answer, verifyEvidence, false)

	assert.False(t, verdict.Grounded)
	assert.Equal(t, 1, verdict.Tier)
	assert.Less(t, verdict.Score, DefaultRejectThreshold)
	assert.Zero(t, gen.callCount())
}

func TestVerifyAmbiguousInvokesSlowTier(t *testing.T) {
	// Given a generator that judges the answer grounded
	gen := &scriptedGenerator{
		respond: func(prompt string, opts llm.Options) (string, error) {
			return `{"grounded": true, "score": 0.9}`, nil
		},
	}
	v := NewVerifier(gen, VerifierConfig{})

	// Half the content traces to evidence, half does not.
	answer := "Raft elects a single leader per term, and Byzantine quorums tolerate arbitrary replica corruption regardless of network weather patterns."
	verdict := v.Verify(context.Background(), answer, verifyEvidence, false)

	require.Equal(t, 1, gen.callCount())
	assert.True(t, verdict.Grounded)
	assert.Equal(t, 2, verdict.Tier)
	assert.Equal(t, 0.9, verdict.Score)
}

func TestVerifySkipSlowRoundsAtMidpoint(t *testing.T) {
	gen := &scriptedGenerator{}
	v := NewVerifier(gen, VerifierConfig{})

	answer := "Raft elects a single leader per term, and Byzantine quorums tolerate arbitrary replica corruption regardless of network weather patterns."
	verdict := v.Verify(context.Background(), answer, verifyEvidence, true)

	// No LLM call; grounded iff the fast score clears (reject+accept)/2.
	assert.Zero(t, gen.callCount())
	assert.Equal(t, 1, verdict.Tier)
	assert.Equal(t, verdict.Score >= midpoint(DefaultRejectThreshold, DefaultAcceptThreshold), verdict.Grounded)
}

func TestVerifyNilGeneratorResolvesAmbiguousLocally(t *testing.T) {
	v := NewVerifier(nil, VerifierConfig{})

	answer := "Raft elects a single leader per term, and Byzantine quorums tolerate arbitrary replica corruption regardless of network weather patterns."
	verdict := v.Verify(context.Background(), answer, verifyEvidence, false)

	assert.Equal(t, 1, verdict.Tier)
}

func TestVerifySlowTierFailureFallsBackToFastScore(t *testing.T) {
	gen := &scriptedGenerator{
		respond: func(prompt string, opts llm.Options) (string, error) {
			return "", errors.New("model offline")
		},
	}
	v := NewVerifier(gen, VerifierConfig{})

	answer := "Raft elects a single leader per term, and Byzantine quorums tolerate arbitrary replica corruption regardless of network weather patterns."
	verdict := v.Verify(context.Background(), answer, verifyEvidence, false)

	require.Equal(t, 1, gen.callCount())
	assert.Equal(t, 1, verdict.Tier)
	assert.Equal(t, verdict.Score >= midpoint(DefaultRejectThreshold, DefaultAcceptThreshold), verdict.Grounded)
}

func TestVerifySlowTierMalformedResponse(t *testing.T) {
	gen := &scriptedGenerator{
		respond: func(prompt string, opts llm.Options) (string, error) {
			return "the answer looks fine to me", nil
		},
	}
	v := NewVerifier(gen, VerifierConfig{})

	answer := "Raft elects a single leader per term, and Byzantine quorums tolerate arbitrary replica corruption regardless of network weather patterns."
	verdict := v.Verify(context.Background(), answer, verifyEvidence, false)

	assert.Equal(t, 1, verdict.Tier)
}

func TestVerifySlowTierClampsScore(t *testing.T) {
	gen := &scriptedGenerator{
		respond: func(prompt string, opts llm.Options) (string, error) {
			return `{"grounded": false, "score": 1.7}`, nil
		},
	}
	v := NewVerifier(gen, VerifierConfig{})

	answer := "Raft elects a single leader per term, and Byzantine quorums tolerate arbitrary replica corruption regardless of network weather patterns."
	verdict := v.Verify(context.Background(), answer, verifyEvidence, false)

	assert.False(t, verdict.Grounded)
	assert.Equal(t, 2, verdict.Tier)
	assert.Equal(t, 1.0, verdict.Score)
}

func TestFastScoreEmptyAnswer(t *testing.T) {
	v := NewVerifier(nil, VerifierConfig{})
	assert.Equal(t, 0.0, v.fastScore("", verifyEvidence))
}
