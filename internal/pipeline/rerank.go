package pipeline

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/quarryhq/quarry/internal/rerank"
)

// DefaultRelevanceFloor filters fused candidates when no scorer is
// available.
const DefaultRelevanceFloor = 0.3

// rerankBatch rescoring: every (query, candidate) pair goes through the
// scorer, raw scores are min-max normalized across the batch, and the top
// topK survive. When the scorer is unavailable or fails, candidates fall
// back to a fixed threshold on their min-max normalized fused scores
// instead of failing the query.
func rerankBatch(ctx context.Context, scorer rerank.Scorer, query string, batch RetrievalBatch, topK int, relevanceFloor float64) (RetrievalBatch, error) {
	if len(batch) == 0 {
		return batch, nil
	}
	if topK <= 0 {
		topK = len(batch)
	}
	if relevanceFloor <= 0 {
		relevanceFloor = DefaultRelevanceFloor
	}

	if scorer != nil && scorer.Available(ctx) {
		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Passage.Content
		}

		scores, err := scorer.Score(ctx, query, texts)
		if err == nil {
			return applyScores(batch, scores, topK), nil
		}
		slog.Warn("rerank scorer failed, falling back to fused-score threshold", "error", err)
	}

	return thresholdFallback(batch, topK, relevanceFloor), nil
}

// applyScores normalizes raw scores to [0,1] via min-max across the batch
// and keeps the topK. A single-candidate batch uses a sigmoid since
// min-max is undefined there. Ties keep fused order.
func applyScores(batch RetrievalBatch, scores []float64, topK int) RetrievalBatch {
	normalized := normalizeScores(scores)

	out := make(RetrievalBatch, len(batch))
	copy(out, batch)
	for i := range out {
		out[i].Score = normalized[i]
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})

	if len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func normalizeScores(scores []float64) []float64 {
	if len(scores) == 1 {
		return []float64{sigmoid(scores[0])}
	}

	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}

	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = sigmoid(scores[i])
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// thresholdFallback keeps candidates whose min-max normalized fused score
// clears the floor, then truncates to topK. The top candidate always
// survives so a degraded scorer never empties the batch.
func thresholdFallback(batch RetrievalBatch, topK int, floor float64) RetrievalBatch {
	fused := make([]float64, len(batch))
	for i, r := range batch {
		fused[i] = r.Score
	}
	normalized := normalizeScores(fused)

	out := make(RetrievalBatch, 0, len(batch))
	for i, r := range batch {
		if i == 0 || normalized[i] >= floor {
			r.Score = normalized[i]
			out = append(out, r)
		}
	}

	if len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
