package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec

	inactivityNotices *prometheus.CounterVec
	timersPending     prometheus.Gauge
	timerRearms       prometheus.Counter

	sweepsTotal   *prometheus.CounterVec
	sweepDuration prometheus.Histogram

	snapshotSaveDuration prometheus.Histogram
	snapshotLoadDuration prometheus.Histogram
	snapshotErrorsTotal  *prometheus.CounterVec

	inboundTotal      *prometheus.CounterVec
	responderTotal    *prometheus.CounterVec
	responderDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current number of active conversation sessions.",
				},
			),
			sessionsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sessions_total",
					Help: "Current number of sessions held in memory, active or closed.",
				},
			),
			sessionsCreated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_created_total",
					Help: "Total sessions created.",
				},
			),
			sessionsClosed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sessions_closed_total",
					Help: "Total session closes by reason (manual, sweep, inactivity).",
				},
				[]string{"reason"},
			),
			messagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_messages_total",
					Help: "Total messages appended to sessions by role.",
				},
				[]string{"role"},
			),
			inactivityNotices: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inactivity_notices_total",
					Help: "Inactivity notifications by kind (warning, closing) and delivery status.",
				},
				[]string{"kind", "status"},
			),
			timersPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "inactivity_timers_pending",
					Help: "Threads with an armed inactivity timer.",
				},
			),
			timerRearms: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "inactivity_timer_rearms_total",
					Help: "Timer callbacks that found recent activity and re-armed themselves.",
				},
			),
			sweepsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sweeps_total",
					Help: "Background sweep cycles by status.",
				},
				[]string{"status"},
			),
			sweepDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sweep_duration_seconds",
					Help:    "Background sweep cycle duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			snapshotSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_save_duration_seconds",
					Help:    "Session snapshot save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			snapshotLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_load_duration_seconds",
					Help:    "Session snapshot load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			snapshotErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "snapshot_errors_total",
					Help: "Snapshot failures by operation (save, load, decode).",
				},
				[]string{"op"},
			),
			inboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inbound_messages_total",
					Help: "Inbound chat messages by channel.",
				},
				[]string{"channel"},
			),
			responderTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "responder_calls_total",
					Help: "Response generator calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			responderDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "responder_duration_seconds",
					Help:    "Response generator latency in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsTotal,
			m.sessionsCreated,
			m.sessionsClosed,
			m.messagesTotal,
			m.inactivityNotices,
			m.timersPending,
			m.timerRearms,
			m.sweepsTotal,
			m.sweepDuration,
			m.snapshotSaveDuration,
			m.snapshotLoadDuration,
			m.snapshotErrorsTotal,
			m.inboundTotal,
			m.responderTotal,
			m.responderDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetSessionCounts(active, total int) {
	m := getMetrics()
	m.activeSessions.Set(float64(active))
	m.sessionsTotal.Set(float64(total))
}

func RecordSessionCreated() {
	getMetrics().sessionsCreated.Inc()
}

func RecordSessionClosed(reason string) {
	getMetrics().sessionsClosed.WithLabelValues(reason).Inc()
}

func RecordMessage(role string) {
	getMetrics().messagesTotal.WithLabelValues(role).Inc()
}

func RecordInactivityNotice(kind string, delivered bool) {
	status := "error"
	if delivered {
		status = "success"
	}
	getMetrics().inactivityNotices.WithLabelValues(kind, status).Inc()
}

func SetPendingTimers(count int) {
	getMetrics().timersPending.Set(float64(count))
}

func RecordTimerRearm() {
	getMetrics().timerRearms.Inc()
}

func RecordSweep(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.sweepsTotal.WithLabelValues(status).Inc()
	m.sweepDuration.Observe(duration.Seconds())
}

func RecordSnapshotSave(duration time.Duration) {
	getMetrics().snapshotSaveDuration.Observe(duration.Seconds())
}

func RecordSnapshotLoad(duration time.Duration) {
	getMetrics().snapshotLoadDuration.Observe(duration.Seconds())
}

func RecordSnapshotError(op string) {
	getMetrics().snapshotErrorsTotal.WithLabelValues(op).Inc()
}

func RecordInbound(channel string) {
	getMetrics().inboundTotal.WithLabelValues(channel).Inc()
}

func RecordResponder(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.responderTotal.WithLabelValues(provider, status).Inc()
	m.responderDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
