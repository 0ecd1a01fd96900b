// Package collyfetcher implements scrape.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/newswire/internal/scrape"
)

const (
	defaultTimeout = 15 * time.Second
	defaultAccept  = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps the response body in bytes. Zero keeps colly's default.
	MaxBodySize int
}

// Fetcher implements scrape.Fetcher on a template collector that is cloned per
// request, so every fetch shares one pooled transport.
type Fetcher struct {
	template *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)
	return &Fetcher{template: c}
}

// visit collects the outcome of one collector run.
type visit struct {
	started  time.Time
	response scrape.FetchResponse
	err      error
}

func (v *visit) onResponse(r *colly.Response) {
	v.response = scrape.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.started),
	}
}

func (v *visit) onError(r *colly.Response, err error) {
	if r != nil && r.StatusCode > 0 {
		v.err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		return
	}
	v.err = err
}

// Fetch performs one GET. Colly reports 4xx and 5xx responses as errors.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	v := &visit{started: time.Now()}
	collector := f.template.Clone()
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", defaultAccept)
		for key, values := range request.Headers {
			r.Headers.Del(key)
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})
	collector.OnResponse(v.onResponse)
	collector.OnError(v.onError)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return scrape.FetchResponse{}, fmt.Errorf("fetch %s canceled: %w", request.URL, ctx.Err())
	case err := <-done:
		if v.err != nil {
			return scrape.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, v.err)
		}
		if err != nil {
			return scrape.FetchResponse{}, fmt.Errorf("visit %s: %w", request.URL, err)
		}
		return v.response, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
