// Package metrics exposes Prometheus metrics for the harvester.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "harvester"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	CandidatesTotal         *prometheus.CounterVec
	DownloadsTotal          *prometheus.CounterVec
	DownloadsActive         prometheus.Gauge
	LoginRequiredTotal      prometheus.Counter
	DownloadDurationSeconds prometheus.Histogram
	RateLimitWaitSeconds    prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the metrics on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := NewWith(reg)
	m.gatherer = reg
	return m
}

func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CandidatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "candidates_total",
			Help:      "Candidates processed, by outcome",
		}, []string{"outcome"}),
		DownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "downloads_total",
			Help:      "Downloads that reached a terminal status",
		}, []string{"status"}),
		DownloadsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "downloads_active",
			Help:      "Downloads not yet in a terminal status",
		}),
		LoginRequiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "login_required_total",
			Help:      "Times a download was parked waiting for credentials",
		}),
		DownloadDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "download_duration_seconds",
			Help:      "Wall time of finished downloads",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		RateLimitWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for the external call ceiling",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

func (m *Metrics) Candidate(outcome string) {
	if m == nil {
		return
	}
	m.CandidatesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Started() {
	if m == nil {
		return
	}
	m.DownloadsActive.Inc()
}

func (m *Metrics) Finished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.DownloadsActive.Dec()
	m.DownloadsTotal.WithLabelValues(status).Inc()
	m.DownloadDurationSeconds.Observe(d.Seconds())
}

func (m *Metrics) LoginRequired() {
	if m == nil {
		return
	}
	m.LoginRequiredTotal.Inc()
}

// ObserveWait matches ratelimit.WaitObserver.
func (m *Metrics) ObserveWait(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWaitSeconds.Observe(d.Seconds())
}

// Handler serves the registry created by New, or the default gatherer.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
