package scrape

import (
	"net/http"
	"time"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
	// WaitFor is a CSS selector a rendering fetcher waits for before capturing the DOM.
	WaitFor string
}

// FetchResponse is returned by a Fetcher.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
