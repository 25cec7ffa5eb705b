package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/jobs", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Delete("/v1/plugins/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/jobs", nil),
		httptest.NewRequest(http.MethodDelete, "/v1/plugins/a", nil),
		httptest.NewRequest(http.MethodDelete, "/v1/plugins/b", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("DELETE", "404")), 0)
	// Labels use the route pattern, not the raw path.
	assert.True(t, httpRequestDurationSeconds.DeleteLabelValues("DELETE", "/v1/plugins/{id}"))
	assert.False(t, httpRequestDurationSeconds.DeleteLabelValues("DELETE", "/v1/plugins/a"))
}

func TestMiddlewareWriterUnwraps(t *testing.T) {
	rec := httptest.NewRecorder()
	var inner http.ResponseWriter
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		inner = w
		require.NoError(t, http.NewResponseController(w).Flush())
	}))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	u, ok := inner.(interface{ Unwrap() http.ResponseWriter })
	require.True(t, ok)
	assert.Same(t, rec, u.Unwrap())
	assert.True(t, rec.Flushed)
}
