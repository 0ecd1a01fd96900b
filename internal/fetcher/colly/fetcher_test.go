package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/newswire/internal/scrape"
)

func TestNewAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "newswire-test", RespectRobots: false, Timeout: time.Second})
	require.Equal(t, "newswire-test", f.template.UserAgent)
	require.True(t, f.template.IgnoreRobotsTxt)

	f = New(Config{RespectRobots: true, MaxBodySize: 1024})
	require.False(t, f.template.IgnoreRobotsTxt)
	require.Equal(t, 1024, f.template.MaxBodySize)
}

func TestVisitCallbacks(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://news.example/story")
	require.NoError(t, err)
	v := &visit{started: time.Now()}
	v.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	require.Equal(t, "https://news.example/story", v.response.URL)
	require.Equal(t, "body", string(v.response.Body))
	require.Equal(t, "ok", v.response.Headers.Get("X-Resp"))

	v.onError(nil, errors.New("boom"))
	require.EqualError(t, v.err, "boom")
	v.onError(&colly.Response{StatusCode: http.StatusForbidden}, errors.New("Forbidden"))
	require.ErrorContains(t, v.err, "status 403")
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/news":
			if r.Header.Get("X-Trace") != "yes" || !strings.HasPrefix(r.Header.Get("Accept"), "text/html") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body><h1>News</h1></body></html>"))
		case "/json":
			_, _ = w.Write([]byte(r.Header.Get("Accept")))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "newswire-test", Timeout: 2 * time.Second})
	resp, err := f.Fetch(context.Background(), scrape.FetchRequest{
		URL:     srv.URL + "/news",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "<h1>News</h1>")

	resp, err = f.Fetch(context.Background(), scrape.FetchRequest{
		URL:     srv.URL + "/json",
		Headers: http.Header{"Accept": {"application/json"}},
	})
	require.NoError(t, err)
	require.Equal(t, "application/json", string(resp.Body))

	_, err = f.Fetch(context.Background(), scrape.FetchRequest{URL: srv.URL + "/missing"})
	require.ErrorContains(t, err, "status 404")
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Fetch(ctx, scrape.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
