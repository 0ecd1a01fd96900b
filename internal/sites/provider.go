package sites

import (
	"context"
	"fmt"

	"github.com/JakeFAU/newswire/internal/scrape"
)

// Build returns an *ArchiveSite when cfg has an archive template and a *Site otherwise.
func Build(cfg Config, deps Deps) (scrape.Scraper, error) {
	site, err := NewSite(cfg, deps)
	if err != nil {
		return nil, err
	}
	if cfg.ArchiveURLTemplate != "" {
		return &ArchiveSite{Site: site}, nil
	}
	return site, nil
}

// Provider builds site units from configuration in declaration order.
type Provider struct {
	configs []Config
	deps    Deps
}

// NewProvider creates a Provider for cfgs.
func NewProvider(cfgs []Config, deps Deps) *Provider {
	return &Provider{configs: cfgs, deps: deps}
}

// Units builds every configured site.
func (p *Provider) Units(context.Context) ([]scrape.Scraper, error) {
	units := make([]scrape.Scraper, 0, len(p.configs))
	for i, cfg := range p.configs {
		unit, err := Build(cfg, p.deps)
		if err != nil {
			return nil, fmt.Errorf("site %d: %w", i, err)
		}
		units = append(units, unit)
	}
	return units, nil
}
