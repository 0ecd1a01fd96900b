// Package sites builds selector-driven news site units from configuration.
package sites

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/newswire/internal/policy/scope"
	"github.com/JakeFAU/newswire/internal/scrape"
)

// PageToken is replaced by the page number in archive URL templates.
const PageToken = "{page}"

// Config declares one site unit.
type Config struct {
	Key         string            `mapstructure:"key"`
	Domain      string            `mapstructure:"domain"`
	Aliases     []string          `mapstructure:"aliases"`
	ListingURLs []string          `mapstructure:"listing_urls"`
	Headers     map[string]string `mapstructure:"headers"`
	// Render fetches pages with the headless browser.
	Render  bool   `mapstructure:"render"`
	WaitFor string `mapstructure:"wait_for"`

	Selectors Selectors `mapstructure:"selectors"`

	// ArchiveURLTemplate enables archive walks, e.g. https://example.com/archive?page={page}.
	ArchiveURLTemplate string `mapstructure:"archive_url_template"`
}

// Selectors are the CSS selectors applied to listing and article pages.
type Selectors struct {
	ArticleLink     string `mapstructure:"article_link"`
	Title           string `mapstructure:"title"`
	Body            string `mapstructure:"body"`
	Author          string `mapstructure:"author"`
	Published       string `mapstructure:"published"`
	PublishedAttr   string `mapstructure:"published_attr"`
	PublishedLayout string `mapstructure:"published_layout"`
}

// Validate checks the fields every unit needs.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Key) == "":
		return fmt.Errorf("%w: site key is required", scrape.ErrValidation)
	case c.Domain == "":
		return fmt.Errorf("%w: site %s: domain is required", scrape.ErrValidation, c.Key)
	case len(c.ListingURLs) == 0:
		return fmt.Errorf("%w: site %s: at least one listing url is required", scrape.ErrValidation, c.Key)
	case c.Selectors.ArticleLink == "":
		return fmt.Errorf("%w: site %s: selectors.article_link is required", scrape.ErrValidation, c.Key)
	case c.Selectors.Body == "":
		return fmt.Errorf("%w: site %s: selectors.body is required", scrape.ErrValidation, c.Key)
	case c.ArchiveURLTemplate != "" && !strings.Contains(c.ArchiveURLTemplate, PageToken):
		return fmt.Errorf("%w: site %s: archive_url_template must contain %s", scrape.ErrValidation, c.Key, PageToken)
	}
	return nil
}

// Waiter paces requests per URL host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Promoter decides whether a static response must be fetched again headless.
type Promoter interface {
	ShouldPromote(resp scrape.FetchResponse) bool
}

// Deps are the collaborators shared by every site unit.
type Deps struct {
	Fetcher  scrape.Fetcher
	Headless scrape.Fetcher
	// Promoter is consulted for sites that do not always render. Requires Headless.
	Promoter Promoter
	Limiter  Waiter
	Retry    scrape.RetryPolicy
	Clock    scrape.Clock
	Logger   *zap.Logger
}

// Site is a scrape.Scraper driven by Config.
type Site struct {
	cfg    Config
	deps   Deps
	scope  *scope.Policy
	logger *zap.Logger
}

var _ scrape.Scraper = (*Site)(nil)

// NewSite validates cfg and builds a Site.
func NewSite(cfg Config, deps Deps) (*Site, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Fetcher == nil {
		return nil, errors.New("site fetcher is required")
	}
	if cfg.Render && deps.Headless == nil {
		return nil, fmt.Errorf("site %s requires a headless fetcher", cfg.Key)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Site{
		cfg:    cfg,
		deps:   deps,
		scope:  scope.New(cfg.Domain, cfg.Aliases...),
		logger: logger.Named("site").With(zap.String("unit", cfg.Key)),
	}, nil
}

// Key returns the unit key.
func (s *Site) Key() string { return s.cfg.Key }

// Domain returns the primary domain.
func (s *Site) Domain() string { return s.cfg.Domain }

// DomainAliases returns alternate domains.
func (s *Site) DomainAliases() []string {
	return append([]string(nil), s.cfg.Aliases...)
}

// ScrapeRecentArticles collects article links from urls, or from the
// configured listing pages when urls is empty.
func (s *Site) ScrapeRecentArticles(ctx context.Context, urls []string) ([]scrape.BasicArticle, error) {
	if len(urls) == 0 {
		urls = s.cfg.ListingURLs
	}
	return s.collectListings(ctx, urls)
}

func (s *Site) collectListings(ctx context.Context, urls []string) ([]scrape.BasicArticle, error) {
	seen := make(map[string]struct{})
	var (
		articles []scrape.BasicArticle
		errs     []error
	)
	for _, listing := range urls {
		found, err := s.scrapeListing(ctx, listing)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warn("listing scrape failed", zap.String("url", listing), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for _, a := range found {
			if _, dup := seen[a.URL]; dup {
				continue
			}
			seen[a.URL] = struct{}{}
			articles = append(articles, a)
		}
	}
	// a partial listing is still useful
	if len(articles) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return articles, nil
}

func (s *Site) scrapeListing(ctx context.Context, listing string) ([]scrape.BasicArticle, error) {
	doc, base, err := s.document(ctx, listing)
	if err != nil {
		return nil, err
	}
	var out []scrape.BasicArticle
	doc.Find(s.cfg.Selectors.ArticleLink).Each(func(_ int, sel *goquery.Selection) {
		link := sel
		if goquery.NodeName(sel) != "a" {
			link = sel.Find("a[href]").First()
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs, err := resolve(base, href)
		if err != nil || !s.scope.AllowFetch(abs) {
			return
		}
		title := strings.TrimSpace(sel.Text())
		if attr, ok := link.Attr("title"); ok && title == "" {
			title = strings.TrimSpace(attr)
		}
		out = append(out, scrape.BasicArticle{URL: abs, Title: collapse(title), Site: s.cfg.Key})
	})
	return out, nil
}

// ScrapeArticle extracts one article. It returns nil when the body selector
// matches no text.
func (s *Site) ScrapeArticle(ctx context.Context, ref scrape.BasicArticle) (*scrape.Article, error) {
	if ref.URL == "" {
		return nil, fmt.Errorf("%w: article url is empty", scrape.ErrValidation)
	}
	if !s.scope.AllowFetch(ref.URL) {
		return nil, fmt.Errorf("%w: %s is outside %s", scrape.ErrValidation, ref.URL, s.cfg.Domain)
	}
	doc, _, err := s.document(ctx, ref.URL)
	if err != nil {
		return nil, err
	}

	sel := s.cfg.Selectors
	var paragraphs []string
	doc.Find(sel.Body).Each(func(_ int, node *goquery.Selection) {
		if text := collapse(node.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) == 0 {
		return nil, nil
	}

	article := &scrape.Article{
		URL:       ref.URL,
		Site:      s.cfg.Key,
		Title:     firstText(doc, sel.Title),
		Body:      strings.Join(paragraphs, "\n\n"),
		Author:    firstText(doc, sel.Author),
		ScrapedAt: s.now(),
	}
	if article.Title == "" {
		article.Title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
	}
	if article.Title == "" {
		article.Title = ref.Title
	}
	if sel.Published != "" {
		article.PublishedAt = s.published(doc.Find(sel.Published).First())
	}
	return article, nil
}

func (s *Site) published(node *goquery.Selection) *time.Time {
	raw := strings.TrimSpace(node.Text())
	if s.cfg.Selectors.PublishedAttr != "" {
		raw, _ = node.Attr(s.cfg.Selectors.PublishedAttr)
	}
	if raw == "" {
		return nil
	}
	layouts := []string{time.RFC3339, time.RFC1123Z, time.RFC1123, "2006-01-02"}
	if s.cfg.Selectors.PublishedLayout != "" {
		layouts = append([]string{s.cfg.Selectors.PublishedLayout}, layouts...)
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	s.logger.Debug("unparsed publish date", zap.String("value", raw))
	return nil
}

// document fetches rawURL with pacing and retries and parses it.
func (s *Site) document(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, error) {
	resp, err := s.fetch(ctx, s.fetcher(), rawURL)
	if err != nil {
		return nil, nil, err
	}
	if s.promote(resp) {
		s.logger.Debug("promoting page to headless", zap.String("url", rawURL))
		if resp, err = s.fetch(ctx, s.deps.Headless, rawURL); err != nil {
			return nil, nil, err
		}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = rawURL
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url %s: %w", finalURL, err)
	}
	return doc, base, nil
}

func (s *Site) fetch(ctx context.Context, fetcher scrape.Fetcher, rawURL string) (scrape.FetchResponse, error) {
	resp, err := scrape.Retry(ctx, s.deps.Retry, func(ctx context.Context) (scrape.FetchResponse, error) {
		if s.deps.Limiter != nil {
			if err := s.deps.Limiter.Wait(ctx, rawURL); err != nil {
				return scrape.FetchResponse{}, err
			}
		}
		return fetcher.Fetch(ctx, s.request(rawURL))
	})
	if err != nil {
		return scrape.FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return resp, nil
}

func (s *Site) promote(resp scrape.FetchResponse) bool {
	return !s.cfg.Render && s.deps.Headless != nil && s.deps.Promoter != nil && s.deps.Promoter.ShouldPromote(resp)
}

func (s *Site) fetcher() scrape.Fetcher {
	if s.cfg.Render {
		return s.deps.Headless
	}
	return s.deps.Fetcher
}

func (s *Site) request(rawURL string) scrape.FetchRequest {
	req := scrape.FetchRequest{URL: rawURL, WaitFor: s.cfg.WaitFor}
	if len(s.cfg.Headers) > 0 {
		req.Headers = http.Header{}
		for k, v := range s.cfg.Headers {
			req.Headers.Set(k, v)
		}
	}
	return req
}

func (s *Site) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	return abs.String(), nil
}

func firstText(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	return collapse(doc.Find(selector).First().Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
