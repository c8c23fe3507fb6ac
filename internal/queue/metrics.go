package queue

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contexta"

// Metrics holds the ingestion counters on a private registry.
type Metrics struct {
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	chunksIndexed   prometheus.Counter
	ocrPageFailures prometheus.Counter
	requestsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Queue jobs handled, by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	m.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Queue job duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"type"},
	)
	m.chunksIndexed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_indexed_total",
		Help:      "Chunks written to the vector store",
	})
	m.ocrPageFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ocr_page_failures_total",
		Help:      "PDF pages whose OCR failed and were left empty",
	})
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	m.registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.chunksIndexed,
		m.ocrPageFailures,
		m.requestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveJob(t JobType, outcome string, d time.Duration) {
	m.jobsTotal.WithLabelValues(string(t), outcome).Inc()
	m.jobDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (m *Metrics) AddChunks(n int) { m.chunksIndexed.Add(float64(n)) }

func (m *Metrics) OCRPageFailed(int, error) { m.ocrPageFailures.Inc() }

func (m *Metrics) ObserveRequest(method, route string, status int) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
