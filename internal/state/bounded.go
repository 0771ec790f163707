package state

import "sort"

// pruneByScore bounds m: when len(m) exceeds limit, the len(m)-limit+slack
// entries with the lowest score are removed, leaving limit-slack entries. The slack keeps a burst of stickies or other
// special threads from forcing a prune on every loop.
func pruneByScore[K comparable, V any](m map[K]V, limit, slack int, score func(V) float64) {
	count := len(m)
	if count <= limit {
		return
	}
	drop := count - limit + slack

	type pair struct {
		key   K
		score float64
	}
	pairs := make([]pair, 0, count)
	for k, v := range m {
		pairs = append(pairs, pair{key: k, score: score(v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	if drop > len(pairs) {
		drop = len(pairs)
	}
	for _, p := range pairs[:drop] {
		delete(m, p.key)
	}
}
