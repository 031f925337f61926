package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session lifecycle metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_sessions_active",
			Help: "Number of live terminal sessions",
		},
	)

	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_sessions_created_total",
			Help: "Total number of sessions successfully created",
		},
	)

	SessionCreateFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_session_create_failures_total",
			Help: "Total number of session creations that failed",
		},
	)

	SessionsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_sessions_deleted_total",
			Help: "Total number of sessions torn down",
		},
	)

	// Connection metrics
	AttachedConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_terminal_connections",
			Help: "Number of attached terminal websocket connections",
		},
	)

	ProxyBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_proxy_bytes_total",
			Help: "Bytes forwarded through the terminal proxy by direction",
		},
		[]string{"direction"},
	)

	// Auth metrics
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_login_attempts_total",
			Help: "Total login attempts by outcome",
		},
		[]string{"outcome"},
	)

	// HTTP metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(SessionsCreated)
	prometheus.MustRegister(SessionCreateFailures)
	prometheus.MustRegister(SessionsDeleted)
	prometheus.MustRegister(AttachedConnections)
	prometheus.MustRegister(ProxyBytesTotal)
	prometheus.MustRegister(LoginAttempts)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
