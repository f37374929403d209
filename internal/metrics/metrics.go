package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "privacyshield"

// Label descriptions
const (
	Outcome = "outcome"
)

// Capture outcome labels
const (
	CaptureQueued  = "queued"
	CaptureDropped = "dropped"
	CaptureForeign = "foreign"
)

// Forward and upsert outcome labels
const (
	OutcomeOk       = "ok"
	OutcomeError    = "error"
	OutcomeCreated  = "created"
	OutcomeUpdated  = "updated"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
)

// Metrics groups the relay counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Captured     *prometheus.CounterVec
	Forwarded    *prometheus.CounterVec
	Upserts      *prometheus.CounterVec
	Broadcasts   *prometheus.CounterVec
	FetchErrors  prometheus.Counter
	QueueBacklog prometheus.Gauge
}

// New registers the relay counters with the provided registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Captured: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "advertisements_total",
			Help:      "Advertisements seen by the capture stage, by outcome.",
		}, []string{Outcome}),
		Forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "forwarded_total",
			Help:      "Payloads posted to the relay server, by outcome.",
		}, []string{Outcome}),
		Upserts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "upserts_total",
			Help:      "Tag upserts handled by the relay server, by outcome.",
		}, []string{Outcome}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "advertisements_total",
			Help:      "Tags handed to the advertiser, by outcome.",
		}, []string{Outcome}),
		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "fetch_errors_total",
			Help:      "Failed reads of the rotating tag set.",
		}),
		QueueBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "queue_backlog",
			Help:      "Payloads waiting in the capture queue.",
		}),
	}
}

// IncCaptured counts a capture stage outcome.
func (m *Metrics) IncCaptured(outcome string) {
	if m == nil {
		return
	}
	m.Captured.WithLabelValues(outcome).Inc()
}

// IncForwarded counts a forward stage outcome.
func (m *Metrics) IncForwarded(outcome string) {
	if m == nil {
		return
	}
	m.Forwarded.WithLabelValues(outcome).Inc()
}

// IncUpserts counts an API upsert outcome.
func (m *Metrics) IncUpserts(outcome string) {
	if m == nil {
		return
	}
	m.Upserts.WithLabelValues(outcome).Inc()
}

// IncBroadcasts counts a broadcast outcome.
func (m *Metrics) IncBroadcasts(outcome string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(outcome).Inc()
}

// IncFetchErrors counts a failed rotating read.
func (m *Metrics) IncFetchErrors() {
	if m == nil {
		return
	}
	m.FetchErrors.Inc()
}

// SetQueueBacklog records the current capture queue length.
func (m *Metrics) SetQueueBacklog(length int) {
	if m == nil {
		return
	}
	m.QueueBacklog.Set(float64(length))
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// Handler exposes the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
