package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("asset", 200, time.Millisecond)
	m.ObserveRequest("asset", 204, time.Millisecond)
	m.ObserveRequest("handler", 500, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("asset", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("handler", "5xx")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.latency))
}

func TestObservers(t *testing.T) {
	m := New()
	m.HandlerReload("ok")
	m.HandlerReload("error")
	m.HandlerReload("ok")
	m.CookieOp("set")
	m.Error("load")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reloads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cookieOps.WithLabelValues("set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByKind.WithLabelValues("load")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("asset", 200, time.Second)
		m.HandlerReload("ok")
		m.CookieOp("set")
		m.Error("x")
	})
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "other", statusClass(0))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveRequest("handler", 200, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `shellbridge_requests_total{route="handler",status="2xx"} 1`)
}
