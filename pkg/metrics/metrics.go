// Package metrics exposes Prometheus instrumentation for the session engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal     *prometheus.CounterVec
	FrameDropsTotal *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	ReconnectsTotal prometheus.Counter

	AudioBytesTotal *prometheus.CounterVec

	PlaybackQueueDepth   prometheus.Gauge
	PlaybackUnitsTotal   prometheus.Counter
	PlaybackCancelsTotal prometheus.Counter

	ToolInvocationsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ember"
	}

	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total inbound events processed, by frame type",
		},
		[]string{"type"},
	)

	frameDropsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_drops_total",
			Help:      "Inbound frames dropped, by reason",
		},
		[]string{"reason"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active voice sessions",
		},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	reconnectsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic reconnect attempts",
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total audio bytes, by direction",
		},
		[]string{"direction"},
	)

	playbackQueueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_queue_depth",
			Help:      "Playback units waiting to render",
		},
	)

	playbackUnitsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_units_total",
			Help:      "Playback units enqueued",
		},
	)

	playbackCancelsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_cancels_total",
			Help:      "Playback cancellations (interruptions)",
		},
	)

	toolInvocationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_invocations_total",
			Help:      "Tool invocations, by resolution status",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		eventsTotal,
		frameDropsTotal,
		sessionsActive,
		sessionDuration,
		reconnectsTotal,
		audioBytesTotal,
		playbackQueueDepth,
		playbackUnitsTotal,
		playbackCancelsTotal,
		toolInvocationsTotal,
	)

	return &Metrics{
		registry:             registry,
		EventsTotal:          eventsTotal,
		FrameDropsTotal:      frameDropsTotal,
		SessionsActive:       sessionsActive,
		SessionDuration:      sessionDuration,
		ReconnectsTotal:      reconnectsTotal,
		AudioBytesTotal:      audioBytesTotal,
		PlaybackQueueDepth:   playbackQueueDepth,
		PlaybackUnitsTotal:   playbackUnitsTotal,
		PlaybackCancelsTotal: playbackCancelsTotal,
		ToolInvocationsTotal: toolInvocationsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent records one processed inbound event.
func (m *Metrics) RecordEvent(frameType string) {
	m.EventsTotal.WithLabelValues(frameType).Inc()
}

// RecordFrameDrop records a dropped inbound frame.
func (m *Metrics) RecordFrameDrop(reason string) {
	m.FrameDropsTotal.WithLabelValues(reason).Inc()
}

// RecordSessionStart records a session opening.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session closing.
func (m *Metrics) RecordSessionEnd(duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordReconnect records one automatic reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.ReconnectsTotal.Inc()
}

// RecordAudio records audio bytes in or out.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordToolInvocation records one tool resolution.
func (m *Metrics) RecordToolInvocation(status string) {
	m.ToolInvocationsTotal.WithLabelValues(status).Inc()
}

// RecordPlaybackEnqueued records a unit entering the playback queue.
func (m *Metrics) RecordPlaybackEnqueued(depth int) {
	m.PlaybackUnitsTotal.Inc()
	m.PlaybackQueueDepth.Set(float64(depth))
}

// SetPlaybackQueueDepth updates the queue depth gauge.
func (m *Metrics) SetPlaybackQueueDepth(depth int) {
	m.PlaybackQueueDepth.Set(float64(depth))
}

// RecordPlaybackCancel records one interruption-driven flush.
func (m *Metrics) RecordPlaybackCancel() {
	m.PlaybackCancelsTotal.Inc()
}
