// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	StatusPolls        *prometheus.CounterVec // outcome: live|off|unknown
	ViewerPolls        *prometheus.CounterVec // outcome: ok|auth|error
	Transitions        *prometheus.CounterVec // kind: went_live|went_offline
	EventsRecorded     *prometheus.CounterVec // kind: chat|tip|system
	StreamReconnects   prometheus.Counter
	AuthRefreshes      prometheus.Counter
	SessionsOpened     prometheus.Counter
	SessionsClosed     prometheus.Counter
	ThumbnailsCaptured prometheus.Counter
	ReportsGenerated   prometheus.Counter

	// Histograms (seconds)
	PollCycleDuration  prometheus.Observer
	StatusPollDuration prometheus.Observer

	// Gauges
	LiveTargetsGauge    prometheus.Gauge
	TrackedTargetsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		StatusPolls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cast_status_polls_total", Help: "Status polls by outcome"}, []string{"outcome"})
		ViewerPolls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cast_viewer_polls_total", Help: "Viewer list polls by outcome"}, []string{"outcome"})
		Transitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cast_presence_transitions_total", Help: "Presence transitions by kind"}, []string{"kind"})
		EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cast_events_recorded_total", Help: "Event records persisted by kind"}, []string{"kind"})
		StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "cast_stream_reconnects_total", Help: "Event stream reconnect attempts"})
		AuthRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "cast_auth_refreshes_total", Help: "Platform credential refreshes performed"})
		SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "cast_sessions_opened_total", Help: "Broadcast sessions opened"})
		SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{Name: "cast_sessions_closed_total", Help: "Broadcast sessions closed"})
		ThumbnailsCaptured = promauto.NewCounter(prometheus.CounterOpts{Name: "cast_thumbnails_captured_total", Help: "Thumbnails captured from the CDN"})
		ReportsGenerated = promauto.NewCounter(prometheus.CounterOpts{Name: "cast_session_reports_total", Help: "Post-session reports generated"})
		PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "cast_poll_cycle_duration_seconds", Help: "Full poll cycle duration seconds", Buckets: prometheus.DefBuckets})
		StatusPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "cast_status_poll_duration_seconds", Help: "Single status poll duration seconds", Buckets: prometheus.DefBuckets})
		LiveTargetsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "cast_live_targets", Help: "Targets currently live"})
		TrackedTargetsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "cast_tracked_targets", Help: "Targets currently tracked"})
	})
}

// CountStatusPoll records a status poll outcome if metrics are initialized.
func CountStatusPoll(outcome string) {
	if StatusPolls != nil {
		StatusPolls.WithLabelValues(outcome).Inc()
	}
}

// CountViewerPoll records a viewer poll outcome if metrics are initialized.
func CountViewerPoll(outcome string) {
	if ViewerPolls != nil {
		ViewerPolls.WithLabelValues(outcome).Inc()
	}
}

// CountTransition records a presence transition.
func CountTransition(kind string) {
	if Transitions != nil {
		Transitions.WithLabelValues(kind).Inc()
	}
}

// CountEvent records one persisted event by kind.
func CountEvent(kind string) {
	if EventsRecorded != nil {
		EventsRecorded.WithLabelValues(kind).Inc()
	}
}

// SetLiveTargets records the current number of live targets.
func SetLiveTargets(n int) {
	if LiveTargetsGauge != nil {
		LiveTargetsGauge.Set(float64(n))
	}
}

// SetTrackedTargets records the current watch list size.
func SetTrackedTargets(n int) {
	if TrackedTargetsGauge != nil {
		TrackedTargetsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
