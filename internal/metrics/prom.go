package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Session outcomes.
const (
	OutcomePassthrough = "passthrough"
	OutcomeCompleted   = "completed"
	OutcomeError       = "error"
	OutcomeCancelled   = "cancelled"
)

// Push event kinds.
const (
	EventRaw        = "raw"
	EventCompressed = "compressed"
	EventEmpty      = "empty"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "pushql_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushql_sessions_active",
			Help: "Bridge sessions currently open",
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushql_sessions_total",
			Help: "Bridge sessions by terminal outcome",
		},
		[]string{"outcome"},
	)

	pushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushql_push_events_total",
			Help: "Push events relayed by payload kind",
		},
		[]string{"kind"},
	)

	pushChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushql_push_channels_open",
			Help: "Push channels currently subscribed",
		},
	)

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushql_session_duration_seconds",
			Help:    "Time from subscribe to terminal state",
			Buckets: []float64{.01, .1, .5, 1, 5, 30, 60, 300, 1800, 3600},
		},
		[]string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, sessionsActive, sessionsTotal, pushEvents, pushChannels, sessionDuration)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SessionStarted increments the active session gauge.
func SessionStarted() {
	sessionsActive.Inc()
}

// SessionEnded records a session reaching its terminal state.
func SessionEnded(outcome string, d time.Duration) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordPushEvent counts one relayed push event.
func RecordPushEvent(kind string) {
	pushEvents.WithLabelValues(kind).Inc()
}

// ChannelOpened increments the open push channel gauge.
func ChannelOpened() {
	pushChannels.Inc()
}

// ChannelClosed decrements the open push channel gauge.
func ChannelClosed() {
	pushChannels.Dec()
}
