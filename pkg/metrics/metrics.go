package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks live WebSocket sessions by state (joined|pending).
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelsync_active_sessions",
			Help: "Number of live collaboration sessions",
		},
		[]string{"state"},
	)

	// OpenRooms tracks rooms currently held in the registry.
	OpenRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelsync_open_rooms",
			Help: "Number of rooms resident in memory",
		},
	)

	// FieldUpdates counts field update outcomes (accepted|rejected_stale).
	FieldUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_field_updates_total",
			Help: "Total number of field updates processed",
		},
		[]string{"result"},
	)

	// BroadcastMessages counts messages fanned out to room peers by kind.
	BroadcastMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_broadcast_messages_total",
			Help: "Total number of messages enqueued to room peers",
		},
		[]string{"kind"},
	)

	// QueueOverflows counts sessions force-closed for slow consumption.
	QueueOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelsync_queue_overflows_total",
			Help: "Sessions disconnected because their outbound queue filled",
		},
	)

	// CoalescedCursorUpdates counts cursor updates absorbed by coalescing.
	CoalescedCursorUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelsync_coalesced_cursor_updates_total",
			Help: "Cursor updates superseded within the coalesce window",
		},
	)

	// HandshakeLatency measures the auth+join handshake duration.
	HandshakeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelsync_handshake_latency_seconds",
			Help:    "Time from socket upgrade to joined state",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APILatency measures REST endpoint latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelsync_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
