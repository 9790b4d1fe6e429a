package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "restpipe",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames read or written, by direction and message type.",
		},
		[]string{"direction", "type"},
	)
	droppedReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "restpipe",
			Subsystem: "exchange",
			Name:      "dropped_replies_total",
			Help:      "Replies that arrived with no pending request.",
		},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "restpipe",
			Subsystem: "exchange",
			Name:      "pending_requests",
			Help:      "Requests awaiting a correlated reply.",
		},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "restpipe",
			Subsystem: "router",
			Name:      "events_total",
			Help:      "Dispatched events by handler outcome.",
		},
		[]string{"role", "outcome"},
	)
	eventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "restpipe",
			Subsystem: "router",
			Name:      "dispatch_duration_seconds",
			Help:      "Event dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "outcome"},
	)
	liveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "restpipe",
			Subsystem: "conn",
			Name:      "live",
			Help:      "Live connections.",
		},
		[]string{"role"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "restpipe",
			Subsystem: "client",
			Name:      "connect_attempts_total",
			Help:      "Client dial attempts by result.",
		},
		[]string{"result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "restpipe",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"role", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "restpipe",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			frames,
			droppedReplies,
			pendingRequests,
			events,
			eventDuration,
			liveConnections,
			connectAttempts,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordFrame(direction, messageType string) {
	RegisterMetrics()
	frames.WithLabelValues(direction, messageType).Inc()
}

func RecordDroppedReply() {
	RegisterMetrics()
	droppedReplies.Inc()
}

func AddPending(delta int) {
	RegisterMetrics()
	pendingRequests.Add(float64(delta))
}

// RecordEvent counts one dispatch. outcome is "ok", "unhandled", "managed",
// "uncaught" or "violation".
func RecordEvent(role, outcome string, duration time.Duration) {
	RegisterMetrics()
	events.WithLabelValues(role, outcome).Inc()
	eventDuration.WithLabelValues(role, outcome).Observe(duration.Seconds())
}

func AddLiveConnection(role string, delta int) {
	RegisterMetrics()
	liveConnections.WithLabelValues(role).Add(float64(delta))
}

func RecordConnectAttempt(success bool) {
	RegisterMetrics()
	result := "error"
	if success {
		result = "ok"
	}
	connectAttempts.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(role, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(role, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(role, method, path, statusLabel).Observe(duration.Seconds())
}
