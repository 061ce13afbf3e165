// Package telemetry provides Prometheus metrics, optional OpenTelemetry
// tracing, and correlation-id aware logging helpers.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles        prometheus.Counter
	ProbeFailures     prometheus.Counter
	SessionsStarted   prometheus.Counter
	SessionsStopped   prometheus.Counter
	AdmissionRejected prometheus.Counter
	EventsCaptured    *prometheus.CounterVec

	// Histograms (seconds)
	PollCycleDuration prometheus.Observer

	// Gauges
	ActiveSessionsGauge     prometheus.Gauge
	PendingDisconnectsGauge prometheus.Gauge
	RosterSizeGauge         prometheus.Gauge
	PausedGauge             prometheus.Gauge // 1=paused,0=polling
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_poll_cycles_total", Help: "Number of completed poll cycles"})
		ProbeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_probe_failures_total", Help: "Number of individual probe attempts that errored or timed out"})
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_sessions_started_total", Help: "Number of recording sessions started"})
		SessionsStopped = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_sessions_stopped_total", Help: "Number of recording sessions stopped"})
		AdmissionRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "monitor_admission_rejected_total", Help: "Number of session starts rejected by admission control"})
		EventsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{Name: "monitor_events_captured_total", Help: "Number of captured events by kind"}, []string{"kind"})
		PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "monitor_poll_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		ActiveSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitor_active_sessions", Help: "Current number of active recording sessions"})
		PendingDisconnectsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitor_pending_disconnects", Help: "Current number of pending disconnect confirmations"})
		RosterSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitor_roster_enabled", Help: "Number of enabled streamers in the roster"})
		PausedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "monitor_paused", Help: "Polling paused=1 active=0"})
	})
}

// CountEvent increments the captured-event counter for a kind.
func CountEvent(kind string) {
	if EventsCaptured != nil {
		EventsCaptured.WithLabelValues(kind).Inc()
	}
}

// SetActiveSessions records the current active session count.
func SetActiveSessions(n int) {
	if ActiveSessionsGauge != nil {
		ActiveSessionsGauge.Set(float64(n))
	}
}

// SetPendingDisconnects records the current pending confirmation count.
func SetPendingDisconnects(n int) {
	if PendingDisconnectsGauge != nil {
		PendingDisconnectsGauge.Set(float64(n))
	}
}

// SetPaused flips the paused gauge.
func SetPaused(paused bool) {
	if PausedGauge != nil {
		if paused {
			PausedGauge.Set(1)
		} else {
			PausedGauge.Set(0)
		}
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}
