package pipeline

import (
	"sort"
)

// DefaultRRFConstant is the K in 1/(K+rank).
const DefaultRRFConstant = 60

// fusedID is one passage identity with its accumulated fusion score and
// the 1-based ranks it held in each input list (0 when absent).
type fusedID struct {
	ID      string
	Score   float64
	LexRank int
	VecRank int
}

// Fuse merges two ranked ID lists with reciprocal rank fusion: each list
// contributes 1/(K+rank) per passage, ranks 1-based. No score
// normalization or learned weights. Ties break by lexical rank, then
// vector rank, so output is deterministic.
func Fuse(lexicalIDs, vectorIDs []string, k, outputSize int) []fusedID {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	byID := make(map[string]*fusedID, len(lexicalIDs)+len(vectorIDs))
	order := make([]*fusedID, 0, len(lexicalIDs)+len(vectorIDs))

	accumulate := func(ids []string, lexical bool) {
		for i, id := range ids {
			rank := i + 1
			entry, ok := byID[id]
			if !ok {
				entry = &fusedID{ID: id}
				byID[id] = entry
				order = append(order, entry)
			}
			entry.Score += 1.0 / float64(k+rank)
			if lexical {
				if entry.LexRank == 0 {
					entry.LexRank = rank
				}
			} else if entry.VecRank == 0 {
				entry.VecRank = rank
			}
		}
	}
	accumulate(lexicalIDs, true)
	accumulate(vectorIDs, false)

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := rankOrMax(a.LexRank), rankOrMax(b.LexRank); ra != rb {
			return ra < rb
		}
		return rankOrMax(a.VecRank) < rankOrMax(b.VecRank)
	})

	if outputSize > 0 && len(order) > outputSize {
		order = order[:outputSize]
	}

	out := make([]fusedID, len(order))
	for i, entry := range order {
		out[i] = *entry
	}
	return out
}

// rankOrMax treats "absent from list" as ranking below any real position.
func rankOrMax(rank int) int {
	if rank == 0 {
		return int(^uint(0) >> 1)
	}
	return rank
}
