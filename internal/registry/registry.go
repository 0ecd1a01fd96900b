// Package registry holds the read-only set of schedulable site units.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/newswire/internal/scrape"
)

// Provider supplies the units compiled into the binary.
type Provider interface {
	Units(ctx context.Context) ([]scrape.Scraper, error)
}

// StaticProvider returns a fixed list of units.
type StaticProvider []scrape.Scraper

// Units returns the list.
func (p StaticProvider) Units(context.Context) ([]scrape.Scraper, error) {
	return p, nil
}

// Registry is built once at startup and never mutated afterwards.
type Registry struct {
	units []scrape.Scraper
	byKey map[string]scrape.Scraper
}

// Load builds a Registry from provider, keeping registration order.
func Load(ctx context.Context, provider Provider) (*Registry, error) {
	if provider == nil {
		return nil, fmt.Errorf("registry provider is required")
	}
	units, err := provider.Units(ctx)
	if err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}
	return New(units...)
}

// New builds a Registry from units. Keys must be non-empty and unique.
func New(units ...scrape.Scraper) (*Registry, error) {
	r := &Registry{
		units: make([]scrape.Scraper, 0, len(units)),
		byKey: make(map[string]scrape.Scraper, len(units)),
	}
	for _, u := range units {
		if u == nil {
			return nil, fmt.Errorf("%w: nil unit", scrape.ErrValidation)
		}
		key := strings.TrimSpace(u.Key())
		if key == "" {
			return nil, fmt.Errorf("%w: unit key is empty", scrape.ErrValidation)
		}
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("%w: duplicate unit key %q", scrape.ErrValidation, key)
		}
		r.byKey[key] = u
		r.units = append(r.units, u)
	}
	return r, nil
}

// Units returns the units in registration order.
func (r *Registry) Units() []scrape.Scraper {
	out := make([]scrape.Scraper, len(r.units))
	copy(out, r.units)
	return out
}

// Lookup resolves a unit key.
func (r *Registry) Lookup(key string) (scrape.Scraper, bool) {
	u, ok := r.byKey[key]
	return u, ok
}

// Resolve is Lookup returning scrape.ErrUnitNotFound for unknown keys.
func (r *Registry) Resolve(key string) (scrape.Scraper, error) {
	u, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", scrape.ErrUnitNotFound, key)
	}
	return u, nil
}

// Len returns the number of units.
func (r *Registry) Len() int {
	return len(r.units)
}

// Keys returns unit keys in registration order.
func (r *Registry) Keys() []string {
	keys := make([]string, len(r.units))
	for i, u := range r.units {
		keys[i] = u.Key()
	}
	return keys
}
