package dispatcher

import "github.com/JakeFAU/newswire/internal/scrape"

// UnitSet is the read-only view of the registry the ordering needs.
type UnitSet interface {
	Units() []scrape.Scraper
	Lookup(key string) (scrape.Scraper, bool)
}

// SortUnits orders units for one dispatch tick.
//
// Units with no ledger history come first, in registry order. The rest follow
// in the order of latest (already ascending by updated_at), skipping runs that
// are processing and keys the registry no longer knows. No unit appears twice.
func SortUnits(latest []scrape.Run, units UnitSet) []scrape.Scraper {
	seen := make(map[string]struct{}, len(latest))
	for _, run := range latest {
		seen[run.UnitKey()] = struct{}{}
	}

	all := units.Units()
	result := make([]scrape.Scraper, 0, len(all))
	added := make(map[string]struct{}, len(all))
	for _, unit := range all {
		if _, ok := seen[unit.Key()]; ok {
			continue
		}
		result = append(result, unit)
		added[unit.Key()] = struct{}{}
	}

	for _, run := range latest {
		if run.Status == scrape.RunProcessing {
			continue
		}
		key := run.UnitKey()
		unit, ok := units.Lookup(key)
		if !ok {
			continue
		}
		if _, dup := added[key]; dup {
			continue
		}
		result = append(result, unit)
		added[key] = struct{}{}
	}
	return result
}

// countInFlight returns how many registered units have a processing latest run.
func countInFlight(latest []scrape.Run, units UnitSet) int {
	n := 0
	for _, run := range latest {
		if run.Status != scrape.RunProcessing {
			continue
		}
		if _, ok := units.Lookup(run.UnitKey()); ok {
			n++
		}
	}
	return n
}
