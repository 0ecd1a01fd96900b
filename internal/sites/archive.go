package sites

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/newswire/internal/scrape"
)

// ArchiveSite is a Site that can also walk numbered archive pages.
type ArchiveSite struct {
	*Site
}

var _ scrape.ArchiveScraper = (*ArchiveSite)(nil)

// ScrapeArchivedArticles collects article links from archive pages 1..opts.Pages.
func (s *ArchiveSite) ScrapeArchivedArticles(ctx context.Context, opts scrape.ArchiveOptions) ([]scrape.BasicArticle, error) {
	if opts.Pages <= 0 {
		return nil, fmt.Errorf("%w: archive pages must be positive", scrape.ErrValidation)
	}
	urls := make([]string, 0, opts.Pages)
	for page := 1; page <= opts.Pages; page++ {
		urls = append(urls, s.ArchiveURL(page))
	}
	return s.collectListings(ctx, urls)
}

// ArchiveURL expands the archive template for page.
func (s *ArchiveSite) ArchiveURL(page int) string {
	return strings.ReplaceAll(s.cfg.ArchiveURLTemplate, PageToken, strconv.Itoa(page))
}
