package scrape

import (
	"context"
	"io"
	"time"
)

// Scraper is a single schedulable news site unit.
type Scraper interface {
	Key() string
	Domain() string
	DomainAliases() []string
	ScrapeRecentArticles(ctx context.Context, urls []string) ([]BasicArticle, error)
	// ScrapeArticle returns nil when the page holds nothing extractable.
	ScrapeArticle(ctx context.Context, ref BasicArticle) (*Article, error)
}

// ArchiveScraper is implemented by units that can walk their archive listings.
type ArchiveScraper interface {
	Scraper
	ScrapeArchivedArticles(ctx context.Context, opts ArchiveOptions) ([]BasicArticle, error)
}

// SupportsArchive reports whether s implements ArchiveScraper.
func SupportsArchive(s Scraper) (ArchiveScraper, bool) {
	a, ok := s.(ArchiveScraper)
	return a, ok
}

// Publisher pushes events to a named topic or queue.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Fetcher retrieves a page body.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher computes digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
