// Package detector spots statically fetched pages that only render in a browser.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/newswire/internal/scrape"
)

// DefaultThreshold is the body size below which script-heavy pages are treated as shells.
const DefaultThreshold = 2048

// Heuristic flags client-rendered shells so they can be fetched again headless.
type Heuristic struct {
	threshold int
}

// NewHeuristic creates a detector. A threshold <= 0 uses DefaultThreshold.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Heuristic{threshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
	[]byte("window.__initial_state__"),
}

// ShouldPromote reports whether resp looks like an empty client-rendered shell.
func (h *Heuristic) ShouldPromote(resp scrape.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	lower := bytes.ToLower(resp.Body)
	if len(lower) < h.threshold && scriptShare(lower) >= 25 {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body bytes inside <script> elements.
// Unterminated tags count to the end of the body.
func scriptShare(body []byte) int {
	openTag := []byte("<script")
	closeTag := []byte("</script>")
	covered := 0
	rest := body
	for {
		start := bytes.Index(rest, openTag)
		if start < 0 {
			break
		}
		rest = rest[start:]
		end := bytes.Index(rest, closeTag)
		if end < 0 {
			covered += len(rest)
			break
		}
		end += len(closeTag)
		covered += end
		rest = rest[end:]
	}
	return covered * 100 / len(body)
}
