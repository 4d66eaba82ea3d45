package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intermail_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intermail_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Message engine
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intermail_messages_sent_total",
			Help: "Total messages sent",
		},
		[]string{"importance"},
	)

	RecipientsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intermail_recipients_delivered_total",
			Help: "Total recipient rows created",
		},
		[]string{"kind"}, // to, cc, bcc
	)

	// Reservation engine
	ReservationsGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intermail_reservations_granted_total",
			Help: "Total reservations granted",
		},
		[]string{"exclusive"},
	)

	ReservationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intermail_reservation_conflicts_total",
			Help: "Total conflict holders reported to reserving agents",
		},
	)

	ReservationsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intermail_reservations_released_total",
			Help: "Total reservations released",
		},
		[]string{"reason"}, // explicit, expired
	)

	// Retention
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intermail_retention_deleted_total",
			Help: "Total rows purged by retention",
		},
		[]string{"entity"}, // message, reservation
	)

	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intermail_search_queries_total",
			Help: "Total search queries",
		},
		[]string{"path"}, // fts, fallback
	)

	// Store
	StoreBusy = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intermail_store_busy_total",
			Help: "Operations that exhausted the database-is-locked retry budget",
		},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intermail_store_retries_total",
			Help: "Retries after database-is-locked errors",
		},
	)

	CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intermail_store_circuit_state",
			Help: "Store circuit breaker state (0 closed, 1 open, 2 half open)",
		},
	)

	// Websocket nudges
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intermail_ws_connections",
			Help: "Open websocket connections",
		},
	)

	WSNudges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intermail_ws_nudges_total",
			Help: "Websocket nudges by outcome",
		},
		[]string{"outcome"}, // sent, dropped
	)
)
