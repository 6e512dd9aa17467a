package pipeline

// Expand walks fused results in rank order and swaps child passages for
// their parent context. Only the first occurrence of each parent survives,
// so the generator never sees the same surrounding text twice. Retrieval
// stays precise on short child spans while generation gets coherent full
// context; the child's fused score and rank carry forward unchanged.
func Expand(batch RetrievalBatch) RetrievalBatch {
	if len(batch) == 0 {
		return batch
	}

	seenParents := make(map[string]bool, len(batch))
	out := make(RetrievalBatch, 0, len(batch))

	for _, r := range batch {
		parentID := r.Passage.ParentID
		if parentID == "" {
			out = append(out, r)
			continue
		}
		if seenParents[parentID] {
			continue
		}
		seenParents[parentID] = true

		if r.Passage.ParentContent != "" {
			r.Passage.Content = r.Passage.ParentContent
		}
		out = append(out, r)
	}
	return out
}
