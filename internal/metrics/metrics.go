// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokrelay"

// Metrics holds all Prometheus metrics for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// PostsDiscovered counts posts returned by account listings.
	// Labels: creator
	PostsDiscovered *prometheus.CounterVec
	// Downloads counts download attempts by outcome.
	// Labels: kind, status ("success"|"inaccessible"|"retryable"|"blocked")
	Downloads *prometheus.CounterVec
	// Uploads counts delivered posts.
	// Labels: kind, status ("success"|"failure")
	Uploads *prometheus.CounterVec
	// UploadDuration observes the time spent sending one post.
	// Labels: kind
	UploadDuration *prometheus.HistogramVec
	// Cooldowns counts hard blocks per creator.
	// Labels: creator
	Cooldowns *prometheus.CounterVec
	// QueueDepth is the number of items waiting for the delivery worker.
	QueueDepth prometheus.Gauge
	// Resumed counts incomplete uploads re-enqueued from the ledger.
	Resumed prometheus.Counter
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PostsDiscovered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "posts_discovered_total",
				Help:      "Posts returned by account listings",
			},
			[]string{"creator"},
		),
		Downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Post downloads by outcome",
			},
			[]string{"kind", "status"},
		),
		Uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Post deliveries by outcome",
			},
			[]string{"kind", "status"},
		),
		UploadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time spent delivering one post",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		Cooldowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cooldowns_total",
				Help:      "Hard blocks that started a creator cooldown",
			},
			[]string{"creator"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Items waiting for the delivery worker",
		}),
		Resumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumed_total",
			Help:      "Incomplete uploads re-enqueued from the ledger",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PostsDiscovered,
		m.Downloads,
		m.Uploads,
		m.UploadDuration,
		m.Cooldowns,
		m.QueueDepth,
		m.Resumed,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncDiscovered(creator string, n int) {
	if m == nil || m.PostsDiscovered == nil {
		return
	}
	m.PostsDiscovered.WithLabelValues(creator).Add(float64(n))
}

func (m *Metrics) IncDownload(kind, status string) {
	if m == nil || m.Downloads == nil {
		return
	}
	m.Downloads.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ObserveUpload(kind string, ok bool, seconds float64) {
	if m == nil || m.Uploads == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failure"
	}
	m.Uploads.WithLabelValues(kind, status).Inc()
	m.UploadDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) IncCooldown(creator string) {
	if m == nil || m.Cooldowns == nil {
		return
	}
	m.Cooldowns.WithLabelValues(creator).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil || m.QueueDepth == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) IncResumed() {
	if m == nil || m.Resumed == nil {
		return
	}
	m.Resumed.Inc()
}
