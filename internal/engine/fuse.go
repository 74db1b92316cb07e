package engine

// rrfFuse merges multiple ranked lists with reciprocal rank fusion:
// score(item) = sum over lists of 1 / (rank + 1 + k). Items appearing in
// several lists accumulate score and rise; snippets are taken from the first
// list that carries one.
func rrfFuse(ranked [][]Item, k int, limit int) []Item {
	type fusedEntry struct {
		score   float64
		snippet string
	}
	fused := make(map[string]fusedEntry)

	for _, list := range ranked {
		for rank, item := range list {
			entry := fused[item.ID]
			entry.score += 1.0 / float64(rank+1+k)
			if entry.snippet == "" {
				entry.snippet = item.Snippet
			}
			fused[item.ID] = entry
		}
	}

	items := make([]Item, 0, len(fused))
	for id, entry := range fused {
		items = append(items, Item{ID: id, Score: entry.score, Snippet: entry.snippet})
	}
	sortItems(items)

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
