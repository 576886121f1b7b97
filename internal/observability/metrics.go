package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "dvf"

// Metrics is the process's prometheus registry plus the collectors the loader
// and the HTTP layer report to.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec
	malformedRows  prometheus.Counter
	rowsLoaded     prometheus.Gauge
	loadDuration   *prometheus.HistogramVec
	reloads        *prometheus.CounterVec
	cleanRows      prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	sseConnections prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Dataset cache lookups by outcome.",
		}, []string{"result"}),
		malformedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_rows_total",
			Help:      "CSV rows skipped because they could not be parsed.",
		}),
		rowsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "raw_rows",
			Help:      "Rows in the last loaded raw table.",
		}),
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "load_duration_seconds",
			Help:      "Time to produce the raw table.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"cache_hit"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reloads_total",
			Help:      "Dataset reloads by outcome.",
		}, []string{"status"}),
		cleanRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clean_rows",
			Help:      "Rows in the current cleaned table.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		sseConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sse_connections",
			Help:      "Open SSE streams.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheLookups,
		m.malformedRows,
		m.rowsLoaded,
		m.loadDuration,
		m.reloads,
		m.cleanRows,
		m.httpRequests,
		m.httpDuration,
		m.sseConnections,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CacheLookup(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) MalformedRows(n int) {
	m.malformedRows.Add(float64(n))
}

func (m *Metrics) RowsLoaded(n int) {
	m.rowsLoaded.Set(float64(n))
}

func (m *Metrics) LoadDuration(d time.Duration, cacheHit bool) {
	m.loadDuration.WithLabelValues(strconv.FormatBool(cacheHit)).Observe(d.Seconds())
}

func (m *Metrics) Reload(ok bool, cleanRows int) {
	if !ok {
		m.reloads.WithLabelValues("error").Inc()
		return
	}
	m.reloads.WithLabelValues("ok").Inc()
	m.cleanRows.Set(float64(cleanRows))
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) SSEOpened() { m.sseConnections.Inc() }
func (m *Metrics) SSEClosed() { m.sseConnections.Dec() }
