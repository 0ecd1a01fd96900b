package store

import (
	"sort"

	"github.com/JakeFAU/newswire/internal/scrape"
)

// SelectLatestPerHash reduces runs of queueType to the newest row per hash and
// orders the result by updated_at ascending. Ties on created_at keep the row
// updated last; remaining ties fall back to the id so the result is stable.
func SelectLatestPerHash(runs []scrape.Run, queueType scrape.QueueType) []scrape.Run {
	latest := make(map[string]scrape.Run)
	for _, run := range runs {
		if run.Type != queueType {
			continue
		}
		current, ok := latest[run.Hash]
		if !ok || newer(run, current) {
			latest[run.Hash] = run
		}
	}
	out := make([]scrape.Run, 0, len(latest))
	for _, run := range latest {
		out = append(out, run)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func newer(a, b scrape.Run) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}
