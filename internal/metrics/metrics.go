// Package metrics exposes bridge activity as Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the bridge updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	reloads      *prometheus.CounterVec
	cookieOps    *prometheus.CounterVec
	errorsByKind *prometheus.CounterVec
}

// New registers the bridge collectors plus Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbridge",
			Name:      "requests_total",
			Help:      "Bridged requests by route and status class.",
		}, []string{"route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellbridge",
			Name:      "request_duration_seconds",
			Help:      "Time from interception to native response.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}, []string{"route"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbridge",
			Name:      "handler_reloads_total",
			Help:      "Handler artifact loads by result.",
		}, []string{"result"}),
		cookieOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbridge",
			Name:      "cookie_operations_total",
			Help:      "Cookie store operations by kind.",
		}, []string{"kind"}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbridge",
			Name:      "errors_total",
			Help:      "Requests answered with a diagnostic 500, by failure kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.requests, m.latency, m.reloads, m.cookieOps, m.errorsByKind,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}

// ObserveRequest records one bridged request. route is "asset", "handler"
// or "passthrough".
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// HandlerReload implements loader.ReloadObserver.
func (m *Metrics) HandlerReload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}

// CookieOp implements cookies.Observer.
func (m *Metrics) CookieOp(kind string) {
	if m == nil {
		return
	}
	m.cookieOps.WithLabelValues(kind).Inc()
}

// Error records a diagnostic 500 of the given kind.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}
