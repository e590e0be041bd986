package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viewsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	unitsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsync",
			Subsystem: "protocol",
			Name:      "units_sent_total",
			Help:      "Protocol units handed to the transport.",
		},
		[]string{"node", "kind"},
	)
	unitsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsync",
			Subsystem: "protocol",
			Name:      "units_received_total",
			Help:      "Decoded protocol units handled by the engine.",
		},
		[]string{"node", "kind"},
	)
	retransmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsync",
			Subsystem: "protocol",
			Name:      "retransmissions_total",
			Help:      "Unstable entries resent after their ack deadline.",
		},
		[]string{"node", "kind"},
	)
	sendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsync",
			Subsystem: "protocol",
			Name:      "send_errors_total",
			Help:      "Transport send failures.",
		},
		[]string{"node"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsync",
			Subsystem: "protocol",
			Name:      "deliveries_total",
			Help:      "Messages delivered to the application in causal order.",
		},
		[]string{"node"},
	)
	malformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsync",
			Name:      "malformed_total",
			Help:      "Inbound datagrams discarded as malformed.",
		},
		[]string{"node"},
	)
	viewChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewsync",
			Subsystem: "protocol",
			Name:      "view_changes_total",
			Help:      "Views adopted.",
		},
		[]string{"node"},
	)
	engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "viewsync",
			Subsystem: "engine",
			Name:      "state",
			Help:      "Protocol state (0 idle, 1 active, 2 error).",
		},
		[]string{"node"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "viewsync",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Messages waiting for causal deliverability.",
		},
		[]string{"node"},
	)
	unstableEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "viewsync",
			Subsystem: "engine",
			Name:      "unstable_entries",
			Help:      "Sent units still awaiting acknowledgement.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			unitsSent, unitsReceived, retransmissions, sendErrors,
			deliveries, malformed, viewChanges,
			engineState, queueDepth, unstableEntries,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordUnitSent(node, kind string) {
	RegisterMetrics()
	unitsSent.WithLabelValues(node, kind).Inc()
}

func RecordUnitReceived(node, kind string) {
	RegisterMetrics()
	unitsReceived.WithLabelValues(node, kind).Inc()
}

func RecordRetransmit(node, kind string) {
	RegisterMetrics()
	retransmissions.WithLabelValues(node, kind).Inc()
}

func RecordSendError(node string) {
	RegisterMetrics()
	sendErrors.WithLabelValues(node).Inc()
}

func RecordDelivery(node string) {
	RegisterMetrics()
	deliveries.WithLabelValues(node).Inc()
}

func RecordMalformed(node string) {
	RegisterMetrics()
	malformed.WithLabelValues(node).Inc()
}

func RecordViewChange(node string) {
	RegisterMetrics()
	viewChanges.WithLabelValues(node).Inc()
}

// SetEngineGauges publishes the engine's current shape.
func SetEngineGauges(node string, state, queued, unstable int) {
	RegisterMetrics()
	engineState.WithLabelValues(node).Set(float64(state))
	queueDepth.WithLabelValues(node).Set(float64(queued))
	unstableEntries.WithLabelValues(node).Set(float64(unstable))
}
