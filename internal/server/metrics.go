package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"token-file-drop/internal/workpool"
)

const metricsNamespace = "sfd"

// Metrics owns a private registry so tests can build as many servers as
// they like without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.SummaryVec
	transfers       *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	tokensIssued    prometheus.Counter
	tokenRejections *prometheus.CounterVec
	mirrorResults   *prometheus.CounterVec
	stagingSwept    prometheus.Counter
}

// NewMetrics registers all collectors. pool may be nil.
func NewMetrics(pool *workpool.Pool, build BuildInfo) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "class"}),
		requestDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  metricsNamespace,
			Name:       "request_duration_seconds",
			Help:       "HTTP request latency.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"method"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfers_total",
			Help:      "Uploads and downloads by outcome.",
		}, []string{"direction", "result"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by completed transfers.",
		}, []string{"direction"}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "download_tokens_issued_total",
			Help:      "Download tokens issued.",
		}),
		tokenRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "download_token_rejections_total",
			Help:      "Download tokens refused at redemption.",
		}, []string{"reason"}),
		mirrorResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mirror_uploads_total",
			Help:      "Object store mirror attempts by outcome.",
		}, []string{"result"}),
		stagingSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "staging_files_swept_total",
			Help:      "Abandoned staging files removed by the sweeper.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.requestDuration, m.transfers, m.transferBytes,
		m.tokensIssued, m.tokenRejections, m.mirrorResults, m.stagingSwept,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "build_info",
			Help:        "Build version and commit.",
			ConstLabels: prometheus.Labels{"version": build.Version, "commit": build.Commit},
		}, func() float64 { return 1 }),
	)

	if pool != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace, Subsystem: "pool", Name: "active",
				Help: "Tasks currently executing.",
			}, func() float64 { return float64(pool.Stats().Active) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace, Subsystem: "pool", Name: "queued",
				Help: "Tasks waiting for a worker.",
			}, func() float64 { return float64(pool.Stats().Queued) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: "pool", Name: "caller_runs_total",
				Help: "Tasks run on the submitting goroutine because the queue was full.",
			}, func() float64 { return float64(pool.Stats().CallerRuns) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace, Subsystem: "pool", Name: "rejected_total",
				Help: "Tasks refused because the queue was full.",
			}, func() float64 { return float64(pool.Stats().Rejected) }),
		)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func (m *Metrics) RecordRequest(method string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordTransfer counts one upload or download. bytes is only added on
// success.
func (m *Metrics) RecordTransfer(direction string, bytes int64, err error) {
	if err != nil {
		m.transfers.WithLabelValues(direction, "error").Inc()
		return
	}
	m.transfers.WithLabelValues(direction, "ok").Inc()
	m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) RecordTokenIssued() { m.tokensIssued.Inc() }

func (m *Metrics) RecordTokenRejected(reason string) {
	m.tokenRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordMirror(result string) { m.mirrorResults.WithLabelValues(result).Inc() }

func (m *Metrics) RecordStagingSwept(n int) { m.stagingSwept.Add(float64(n)) }
