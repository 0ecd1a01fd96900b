package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newswire/internal/hash/sha256"
	"github.com/JakeFAU/newswire/internal/registry"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/store"
)

type fakeUnit struct {
	key string
}

func (u fakeUnit) Key() string             { return u.key }
func (u fakeUnit) Domain() string          { return u.key + ".example" }
func (u fakeUnit) DomainAliases() []string { return nil }

func (u fakeUnit) ScrapeRecentArticles(context.Context, []string) ([]scrape.BasicArticle, error) {
	return nil, nil
}

func (u fakeUnit) ScrapeArticle(context.Context, scrape.BasicArticle) (*scrape.Article, error) {
	return nil, nil
}

type fakeArchiveUnit struct {
	fakeUnit
}

func (u fakeArchiveUnit) ScrapeArchivedArticles(context.Context, scrape.ArchiveOptions) ([]scrape.BasicArticle, error) {
	return nil, nil
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(minute int) time.Time {
	return t0.Add(time.Duration(minute) * time.Minute)
}

func mustRegistry(t *testing.T, keys ...string) *registry.Registry {
	t.Helper()
	units := make([]scrape.Scraper, 0, len(keys))
	for _, k := range keys {
		units = append(units, fakeUnit{key: k})
	}
	reg, err := registry.New(units...)
	require.NoError(t, err)
	return reg
}

// fixture builds one ledger row for unit key on the recent-articles queue.
func fixture(t *testing.T, id, key string, status scrape.RunStatus, created, updated time.Time) scrape.Run {
	t.Helper()
	hash, err := store.RunHash(sha256.New(), scrape.QueueRecentArticles, key)
	require.NoError(t, err)
	return scrape.Run{
		ID:        id,
		Type:      scrape.QueueRecentArticles,
		Status:    status,
		Arguments: map[string]any{scrape.ArgumentUnitKey: key},
		Hash:      hash,
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

func latestOf(runs ...scrape.Run) []scrape.Run {
	return store.SelectLatestPerHash(runs, scrape.QueueRecentArticles)
}

func keys(units []scrape.Scraper) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Key()
	}
	return out
}

func TestSortUnitsScenarios(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		runs   func(t *testing.T) []scrape.Run
		expect []string
	}{
		{
			name:   "no prior runs keeps registry order",
			runs:   func(*testing.T) []scrape.Run { return nil },
			expect: []string{"A", "B", "C", "D"},
		},
		{
			name: "processing unit excluded",
			runs: func(t *testing.T) []scrape.Run {
				return []scrape.Run{
					fixture(t, "1", "A", scrape.RunProcessing, at(0), at(0)),
					fixture(t, "2", "B", scrape.RunPending, at(0), at(0)),
					fixture(t, "3", "C", scrape.RunPending, at(0), at(0)),
					fixture(t, "4", "D", scrape.RunPending, at(0), at(0)),
				}
			},
			expect: []string{"B", "C", "D"},
		},
		{
			name: "processed unit ordered by staleness",
			runs: func(t *testing.T) []scrape.Run {
				return []scrape.Run{
					fixture(t, "1", "A", scrape.RunProcessed, at(0), at(10)),
					fixture(t, "2", "B", scrape.RunProcessing, at(0), at(10)),
					fixture(t, "3", "C", scrape.RunPending, at(1), at(1)),
					fixture(t, "4", "D", scrape.RunPending, at(2), at(2)),
				}
			},
			expect: []string{"C", "D", "A"},
		},
		{
			name: "all processed in update order",
			runs: func(t *testing.T) []scrape.Run {
				return []scrape.Run{
					fixture(t, "1", "A", scrape.RunProcessed, at(0), at(1)),
					fixture(t, "2", "B", scrape.RunProcessed, at(0), at(2)),
					fixture(t, "3", "C", scrape.RunProcessed, at(0), at(3)),
					fixture(t, "4", "D", scrape.RunProcessed, at(0), at(4)),
				}
			},
			expect: []string{"A", "B", "C", "D"},
		},
		{
			name: "older update wins regardless of registry order",
			runs: func(t *testing.T) []scrape.Run {
				return []scrape.Run{
					fixture(t, "1", "A", scrape.RunProcessed, at(0), at(2)),
					fixture(t, "2", "B", scrape.RunProcessed, at(0), at(1)),
					fixture(t, "3", "C", scrape.RunProcessed, at(0), at(3)),
					fixture(t, "4", "D", scrape.RunProcessed, at(0), at(4)),
				}
			},
			expect: []string{"B", "A", "C", "D"},
		},
		{
			name: "recently failed unit goes last",
			runs: func(t *testing.T) []scrape.Run {
				return []scrape.Run{
					fixture(t, "1", "A", scrape.RunProcessed, at(0), at(1)),
					fixture(t, "2", "B", scrape.RunProcessed, at(0), at(2)),
					fixture(t, "3", "C", scrape.RunFailed, at(0), at(9)),
					fixture(t, "4", "D", scrape.RunProcessed, at(0), at(3)),
				}
			},
			expect: []string{"A", "B", "D", "C"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reg := mustRegistry(t, "A", "B", "C", "D")
			got := SortUnits(latestOf(tc.runs(t)...), reg)
			require.Equal(t, tc.expect, keys(got))
		})
	}
}

func TestSortUnitsUsesLatestRowPerUnit(t *testing.T) {
	t.Parallel()

	reg := mustRegistry(t, "A", "B")
	runs := latestOf(
		fixture(t, "1", "A", scrape.RunProcessing, at(0), at(1)),
		fixture(t, "2", "A", scrape.RunProcessed, at(5), at(6)),
		fixture(t, "3", "B", scrape.RunProcessed, at(2), at(3)),
		fixture(t, "4", "B", scrape.RunProcessing, at(7), at(7)),
	)

	require.Equal(t, []string{"A"}, keys(SortUnits(runs, reg)))
}

func TestSortUnitsDropsUnregisteredUnits(t *testing.T) {
	t.Parallel()

	reg := mustRegistry(t, "A", "B")
	runs := latestOf(
		fixture(t, "1", "retired", scrape.RunProcessed, at(0), at(0)),
		fixture(t, "2", "A", scrape.RunProcessed, at(0), at(1)),
	)

	require.Equal(t, []string{"B", "A"}, keys(SortUnits(runs, reg)))
}

func TestSortUnitsProperties(t *testing.T) {
	t.Parallel()

	statuses := []scrape.RunStatus{
		scrape.RunPending, scrape.RunProcessing, scrape.RunProcessed, scrape.RunFailed,
	}
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(8)
		unitKeys := make([]string, n)
		for i := range unitKeys {
			unitKeys[i] = fmt.Sprintf("unit-%d", i)
		}
		reg := mustRegistry(t, unitKeys...)

		var runs []scrape.Run
		for i, key := range unitKeys {
			history := rng.Intn(3)
			for h := 0; h < history; h++ {
				created := at(rng.Intn(60))
				updated := created.Add(time.Duration(rng.Intn(60)) * time.Minute)
				status := statuses[rng.Intn(len(statuses))]
				runs = append(runs, fixture(t, fmt.Sprintf("%d-%d", i, h), key, status, created, updated))
			}
		}
		latest := latestOf(runs...)
		got := SortUnits(latest, reg)

		latestByKey := make(map[string]scrape.Run, len(latest))
		for _, run := range latest {
			latestByKey[run.UnitKey()] = run
		}

		seen := make(map[string]bool)
		sawHistory := false
		var lastUpdated time.Time
		for _, unit := range got {
			key := unit.Key()
			require.False(t, seen[key], "unit %s returned twice", key)
			seen[key] = true

			run, hasHistory := latestByKey[key]
			if !hasHistory {
				require.False(t, sawHistory, "new unit %s after a unit with history", key)
				continue
			}
			require.NotEqual(t, scrape.RunProcessing, run.Status, "in-flight unit %s dispatched", key)
			if sawHistory {
				require.False(t, run.UpdatedAt.Before(lastUpdated), "unit %s out of staleness order", key)
			}
			sawHistory = true
			lastUpdated = run.UpdatedAt
		}

		for _, key := range unitKeys {
			run, hasHistory := latestByKey[key]
			inFlight := hasHistory && run.Status == scrape.RunProcessing
			require.NotEqual(t, inFlight, seen[key], "unit %s lost or double counted", key)
		}
		require.Equal(t, countInFlight(latest, reg)+len(got), reg.Len())
	}
}

func TestSortUnitsNewUnitsKeepRegistryOrder(t *testing.T) {
	t.Parallel()

	reg := mustRegistry(t, "D", "C", "B", "A")
	runs := latestOf(fixture(t, "1", "C", scrape.RunProcessed, at(0), at(0)))

	require.Equal(t, []string{"D", "B", "A", "C"}, keys(SortUnits(runs, reg)))
}
