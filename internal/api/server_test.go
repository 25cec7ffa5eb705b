package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-runtime/internal/notify"
	"github.com/JakeFAU/scraper-runtime/internal/notify/sinks"
	"github.com/JakeFAU/scraper-runtime/internal/queue"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

func TestServer_SubmitJob_Succeeds(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	server := newTestServer(jobs, nil)

	body := `{"plugin":"siteA","op":"get_manga_page","url":"https://a.example/m1","priority":7}`
	rec := do(server, http.MethodPost, "/v1/jobs", body, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "siteA/get_manga_page/https://a.example/m1", resp.Key)
	assert.Equal(t, queue.PushInserted, resp.Result)

	require.Len(t, jobs.submitted, 1)
	assert.Equal(t, uint8(7), jobs.submitted[0].priority)
	assert.Equal(t, scraper.OpMangaPage, jobs.submitted[0].req.Op)
}

func TestServer_SubmitJob_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "invalid JSON", body: "{invalid", status: http.StatusBadRequest},
		{name: "priority out of range", body: `{"plugin":"siteA","op":"genres","priority":300}`, status: http.StatusBadRequest},
		{name: "unknown op", body: `{"plugin":"siteA","op":"crawl"}`, status: http.StatusBadRequest},
		{name: "missing query", body: `{"plugin":"siteA","op":"search"}`, status: http.StatusBadRequest},
		{name: "unknown plugin", body: `{"plugin":"nope","op":"genres"}`, status: http.StatusNotFound},
		{name: "queue closed", body: `{"plugin":"siteA","op":"genres"}`, err: queue.ErrClosed, status: http.StatusServiceUnavailable},
		{name: "queue full", body: `{"plugin":"siteA","op":"genres"}`, err: queue.ErrFull, status: http.StatusTooManyRequests},
		{name: "duplicate", body: `{"plugin":"siteA","op":"genres"}`, err: queue.ErrDuplicateKey, status: http.StatusConflict},
		{name: "other", body: `{"plugin":"siteA","op":"genres"}`, err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			jobs := &fakeJobs{err: tt.err}
			rec := do(newTestServer(jobs, nil), http.MethodPost, "/v1/jobs", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: map[string]queue.Status{
		"siteA/genres/": {Key: "siteA/genres/", State: queue.StateFailed, FailCount: 2, LastError: "timeout"},
	}}
	server := newTestServer(jobs, nil)

	rec := do(server, http.MethodGet, "/v1/jobs/status?key=siteA/genres/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st queue.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, queue.StateFailed, st.State)
	assert.Equal(t, 2, st.FailCount)

	rec = do(server, http.MethodGet, "/v1/jobs/status?key=other", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(server, http.MethodGet, "/v1/jobs/status", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Plugins(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeJobs{}, nil)

	rec := do(server, http.MethodGet, "/v1/plugins", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Plugins []scraper.Plugin `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Plugins, 1)
	assert.Equal(t, "siteA", list.Plugins[0].ID)

	rec = do(server, http.MethodGet, "/v1/plugins/siteA", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one struct {
		Info scraper.ScraperInfo `json:"info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "Site A", one.Info.Name)
	assert.Equal(t, scraper.KindManga, one.Info.Type)

	rec = do(server, http.MethodGet, "/v1/plugins/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	var ready error
	var mu sync.Mutex
	server := NewServer(Options{
		Jobs:    &fakeJobs{},
		Plugins: fakePlugins{},
		Ready: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			return ready
		},
		Logger: zap.NewNop(),
	})

	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/readyz", "", nil).Code)

	mu.Lock()
	ready = errors.New("no plugins loaded")
	mu.Unlock()
	rec := do(server, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no plugins loaded")

	rec = do(server, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Options{Jobs: &fakeJobs{}, Plugins: fakePlugins{}, APIKey: "secret"})

	assert.Equal(t, http.StatusForbidden, do(server, http.MethodGet, "/v1/plugins", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/v1/plugins", "", map[string]string{"X-API-Key": "secret"}).Code)
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/v1/plugins?api_key=secret", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/healthz", "", nil).Code, "probes need no key")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeJobs{}, nil)
	rec := do(server, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(server, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "abc"})
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeJobs{panic: true}, nil)
	rec := do(server, http.MethodPost, "/v1/jobs", `{"plugin":"siteA","op":"genres"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_StreamEvents(t *testing.T) {
	t.Parallel()

	broadcaster := sinks.NewBroadcaster(8)
	server := newTestServer(&fakeJobs{}, broadcaster)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	evt := notify.Event{ID: "e1", TS: time.Unix(10, 0).UTC(), Type: notify.TypeSucceeded, Key: "siteA/genres/", Plugin: "siteA"}
	// The subscription is registered before headers are flushed.
	require.NoError(t, broadcaster.Consume(context.Background(), []notify.Event{evt}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	assert.Equal(t, "id: e1", lines[0])
	assert.Equal(t, "event: succeeded", lines[1])
	require.True(t, strings.HasPrefix(lines[2], "data: "))
	var got notify.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &got))
	assert.Equal(t, evt.Key, got.Key)
}

func TestEventsRouteDisabledWithoutSubscriber(t *testing.T) {
	t.Parallel()

	rec := do(newTestServer(&fakeJobs{}, nil), http.MethodGet, "/v1/events", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
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

type submission struct {
	req      scraper.Request
	priority uint8
}

type fakeJobs struct {
	mu        sync.Mutex
	err       error
	panic     bool
	submitted []submission
	statuses  map[string]queue.Status
}

func (f *fakeJobs) Submit(req scraper.Request, priority uint8) (string, queue.PushResult, error) {
	if f.panic {
		panic("submit exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return req.Key(), "", fmt.Errorf("enqueue %s: %w", req.Key(), f.err)
	}
	f.submitted = append(f.submitted, submission{req: req, priority: priority})
	return req.Key(), queue.PushInserted, nil
}

func (f *fakeJobs) Status(key string) queue.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[key]; ok {
		return st
	}
	return queue.Status{Key: key, State: queue.StateUnknown}
}

type fakePlugins struct{}

var sitePlugin = scraper.Plugin{ID: "siteA", Name: "Site A", Kind: scraper.KindManga, Backend: scraper.BackendLua}

func (fakePlugins) List() []scraper.Plugin { return []scraper.Plugin{sitePlugin} }

func (fakePlugins) Plugin(id string) (scraper.Plugin, bool) {
	if id == sitePlugin.ID {
		return sitePlugin, true
	}
	return scraper.Plugin{}, false
}

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

func newTestServer(jobs Jobs, events Subscriber) *Server {
	opts := Options{Jobs: jobs, Plugins: fakePlugins{}, Logger: zap.NewNop()}
	if events != nil {
		opts.Events = events
	}
	return NewServer(opts)
}

func do(server *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}
