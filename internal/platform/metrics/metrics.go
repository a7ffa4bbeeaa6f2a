package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for lifecycle operations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeStale   = "stale"
)

// Metrics holds Prometheus counters and gauges for the avatar stream console.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	operationsTotal  *prometheus.CounterVec
	textsSentTotal   prometheus.Counter
	streamLive       prometheus.Gauge
	playbackActive   prometheus.Gauge
	playbackAttached prometheus.Counter
	playbackReleased prometheus.Counter
	playbackSegments prometheus.Counter
}

// New creates and registers Prometheus metrics for the console.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_requests_total",
			Help: "Total number of HTTP requests received by the operator console",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_errors_total",
			Help: "Total number of console responses with error status (4xx or 5xx)",
		}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avatar_stream_operations_total",
			Help: "Stream operations against the media service by operation and outcome",
		}, []string{"op", "outcome"}),
		textsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatar_stream_texts_sent_total",
			Help: "Total number of live text messages accepted by the media service",
		}),
		streamLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avatar_stream_live",
			Help: "1 while the controlled stream is live, 0 otherwise",
		}),
		playbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avatar_playback_sessions_active",
			Help: "Number of adaptive-streaming sessions currently attached",
		}),
		playbackAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatar_playback_attach_total",
			Help: "Total number of playback attachments",
		}),
		playbackReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatar_playback_release_total",
			Help: "Total number of playback attachments released",
		}),
		playbackSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avatar_playback_segments_total",
			Help: "Total number of media segments delivered to the playback sink",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.operationsTotal,
		m.textsSentTotal,
		m.streamLive,
		m.playbackActive,
		m.playbackAttached,
		m.playbackReleased,
		m.playbackSegments,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// ObserveOperation counts one start/stop/text operation with its outcome.
func (m *Metrics) ObserveOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
}

// IncTextsSent increments the accepted text counter.
func (m *Metrics) IncTextsSent() {
	if m == nil {
		return
	}
	m.textsSentTotal.Inc()
}

// SetLive sets the live gauge.
func (m *Metrics) SetLive(live bool) {
	if m == nil {
		return
	}
	if live {
		m.streamLive.Set(1)
		return
	}
	m.streamLive.Set(0)
}

// PlaybackAttached records a new playback attachment.
func (m *Metrics) PlaybackAttached() {
	if m == nil {
		return
	}
	m.playbackAttached.Inc()
	m.playbackActive.Inc()
}

// PlaybackReleased records the release of a playback attachment.
func (m *Metrics) PlaybackReleased() {
	if m == nil {
		return
	}
	m.playbackReleased.Inc()
	m.playbackActive.Dec()
}

// IncPlaybackSegments increments the delivered segment counter.
func (m *Metrics) IncPlaybackSegments() {
	if m == nil {
		return
	}
	m.playbackSegments.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
