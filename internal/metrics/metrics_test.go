package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsPrivateRegistry(t *testing.T) {
	// two instances must not collide on registration
	a := New()
	b := New()

	a.SamplesCaptured.Inc()
	a.Uploads.WithLabelValues("cadence", "ok").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SamplesCaptured))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SamplesCaptured))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Uploads.WithLabelValues("cadence", "ok")))
}

func TestRequestTrackingMiddleware(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.With(m.RequestTrackingMiddleware).Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/metrics", m.Handler().ServeHTTP)
	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/func/Back", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/func/{name}", "409")))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "gpsagent_http_requests_total"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
