package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/sources/{source_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Delete("/v1/sources/{source_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	teapotBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418"))
	deleteBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodDelete, "204"))
	seriesBefore := testutil.CollectAndCount(httpRequestDurationSeconds)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sources/a", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.InDelta(t, teapotBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "418")), 0)
	require.InDelta(t, deleteBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodDelete, "204")), 0)

	// Both ids collapse onto the route pattern rather than the raw path.
	require.Equal(t, seriesBefore+2, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	Init()
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "200"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/unrouted", nil))

	require.Equal(t, "ok", rec.Body.String())
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "200")), 0)
}
