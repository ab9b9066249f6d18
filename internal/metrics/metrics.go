// Package metrics exposes the engine's Prometheus collectors.
//
// Collectors are package-level and must be attached to a registry once at
// startup via Register. Callers record observations through the helper
// functions rather than touching collectors directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_sessions_active",
			Help: "Number of live plugin sessions",
		},
		[]string{"plugin"},
	)

	executesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_executes_total",
			Help: "Total number of execute calls dispatched to plugins",
		},
		[]string{"plugin"},
	)

	executeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_execute_failures_total",
			Help: "Total number of execute calls that ended in an error or timeout",
		},
		[]string{"plugin"},
	)

	executeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_execute_duration_seconds",
			Help:    "Wall-clock duration of execute calls from dispatch to terminal notification",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"plugin"},
	)

	executeRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_execute_rate_limited_total",
			Help: "Total number of execute calls rejected by a rate limit before dispatch",
		},
		[]string{"plugin"},
	)

	watchdogMissedPings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_watchdog_missed_pings_total",
			Help: "Total number of pings that went unanswered within their deadline",
		},
		[]string{"plugin"},
	)

	watchdogKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_watchdog_kills_total",
			Help: "Total number of sessions killed by the watchdog for missed pings",
		},
		[]string{"plugin"},
	)

	framesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_frames_read_total",
			Help: "Total number of frames decoded from plugin output streams",
		},
		[]string{"plugin"},
	)

	framesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_frames_written_total",
			Help: "Total number of frames written to plugin input streams",
		},
		[]string{"plugin"},
	)
)

// Register attaches all engine collectors to r. Call once at startup.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		sessionsActive,
		executesTotal,
		executeFailures,
		executeDuration,
		executeRateLimited,
		watchdogMissedPings,
		watchdogKills,
		framesRead,
		framesWritten,
	)
}

// SessionStarted increments the live-session gauge for a plugin.
func SessionStarted(plugin string) { sessionsActive.WithLabelValues(plugin).Inc() }

// SessionEnded decrements the live-session gauge for a plugin.
func SessionEnded(plugin string) { sessionsActive.WithLabelValues(plugin).Dec() }

// ExecuteObserved records one finished execute call.
func ExecuteObserved(plugin string, elapsed time.Duration, success bool) {
	executesTotal.WithLabelValues(plugin).Inc()
	executeDuration.WithLabelValues(plugin).Observe(elapsed.Seconds())
	if !success {
		executeFailures.WithLabelValues(plugin).Inc()
	}
}

// ExecuteRateLimited records an execute call rejected before dispatch.
func ExecuteRateLimited(plugin string) { executeRateLimited.WithLabelValues(plugin).Inc() }

// WatchdogMiss records a ping that went unanswered within its deadline.
func WatchdogMiss(plugin string) { watchdogMissedPings.WithLabelValues(plugin).Inc() }

// WatchdogKill records a session killed for consecutive missed pings.
func WatchdogKill(plugin string) { watchdogKills.WithLabelValues(plugin).Inc() }

// FrameRead records one frame decoded from a plugin's output stream.
func FrameRead(plugin string) { framesRead.WithLabelValues(plugin).Inc() }

// FrameWritten records one frame written to a plugin's input stream.
func FrameWritten(plugin string) { framesWritten.WithLabelValues(plugin).Inc() }
