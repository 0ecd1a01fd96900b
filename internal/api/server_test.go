package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newswire/internal/clock/system"
	"github.com/JakeFAU/newswire/internal/hash/sha256"
	"github.com/JakeFAU/newswire/internal/id/uuid"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/storage/memory"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	rec := serve(server, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzWaitsForStartup(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(server, "/readyz").Code)

	server.SetReady(true)
	require.Equal(t, http.StatusOK, serve(server, "/readyz").Code)
}

func TestServer_ReadyzLedgerDown(t *testing.T) {
	t.Parallel()

	server := NewServer(&downLedger{}, nil, zap.NewNop())
	server.SetReady(true)

	rec := serve(server, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "ledger unavailable")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	serve(server, "/healthz")

	rec := serve(server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_Schedule(t *testing.T) {
	t.Parallel()

	scheduler := &fakeScheduler{units: []scrape.Scraper{stubUnit("cnn"), stubUnit("bbc")}}
	server, _ := newTestServer(t, scheduler)

	rec := serve(server, "/v1/queues/recent-articles/schedule")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queue string          `json:"queue"`
		Units []scheduleEntry `json:"units"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "recent-articles", body.Queue)
	require.Equal(t, []scheduleEntry{{Position: 1, Key: "cnn"}, {Position: 2, Key: "bbc"}}, body.Units)
	require.Equal(t, scrape.QueueRecentArticles, scheduler.lastQueue)
}

func TestServer_ScheduleErrors(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeScheduler{err: errors.New("db down")})
	require.Equal(t, http.StatusInternalServerError, serve(server, "/v1/queues/recent-articles/schedule").Code)
	require.Equal(t, http.StatusBadRequest, serve(server, "/v1/queues/nope/schedule").Code)

	workerServer, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusNotFound, serve(workerServer, "/v1/queues/recent-articles/schedule").Code)
}

func TestServer_LatestRunsAndGet(t *testing.T) {
	t.Parallel()

	server, ledger := newTestServer(t, nil)
	ctx := context.Background()
	first, err := ledger.Insert(ctx, scrape.Run{
		Type:      scrape.QueueRecentArticles,
		Arguments: map[string]any{scrape.ArgumentUnitKey: "bbc"},
	})
	require.NoError(t, err)

	rec := serve(server, "/v1/queues/recent-articles/runs/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []scrape.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, first.ID, body.Runs[0].ID)

	rec = serve(server, "/v1/queues/archived-articles/runs/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"runs":[]`)

	rec = serve(server, "/v1/runs/"+first.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), first.Hash)

	require.Equal(t, http.StatusNotFound, serve(server, "/v1/runs/missing").Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeScheduler{panicWith: "boom"})
	rec := serve(server, "/v1/queues/recent-articles/schedule")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func newTestServer(t *testing.T, scheduler Scheduler) (*Server, *memory.RunStore) {
	t.Helper()
	ledger := memory.NewRunStore(uuid.New(), sha256.New(), system.New())
	if scheduler == nil {
		return NewServer(ledger, nil, zap.NewNop()), ledger
	}
	return NewServer(ledger, scheduler, zap.NewNop()), ledger
}

func serve(server *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeScheduler struct {
	units     []scrape.Scraper
	err       error
	panicWith string
	lastQueue scrape.QueueType
}

func (f *fakeScheduler) SortedUnits(_ context.Context, queueType scrape.QueueType) ([]scrape.Scraper, error) {
	if f.panicWith != "" {
		panic(f.panicWith)
	}
	f.lastQueue = queueType
	return f.units, f.err
}

type stubUnit string

func (s stubUnit) Key() string             { return string(s) }
func (s stubUnit) Domain() string          { return string(s) + ".example" }
func (s stubUnit) DomainAliases() []string { return nil }

func (s stubUnit) ScrapeRecentArticles(context.Context, []string) ([]scrape.BasicArticle, error) {
	return nil, nil
}

func (s stubUnit) ScrapeArticle(context.Context, scrape.BasicArticle) (*scrape.Article, error) {
	return nil, nil
}

type downLedger struct{}

func (downLedger) LatestPerHash(context.Context, scrape.QueueType) ([]scrape.Run, error) {
	return nil, errors.New("down")
}

func (downLedger) Get(context.Context, string) (scrape.Run, error) {
	return scrape.Run{}, errors.New("down")
}

func (downLedger) Ping(context.Context) error { return errors.New("down") }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func TestServer_WorkerProcessWithoutLedger(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, zap.NewNop())
	server.SetReady(true)

	require.Equal(t, http.StatusOK, serve(server, "/readyz").Code)
	require.Equal(t, http.StatusNotFound, serve(server, "/v1/runs/abc").Code)
	require.Equal(t, http.StatusNotFound, serve(server, "/v1/queues/recent-articles/runs/latest").Code)
}
