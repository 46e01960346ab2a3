package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Conversation engine metrics
var (
	// Response lifecycles by outcome: completed, failed, rejected.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsgpt",
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Total number of user turns by outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "newsgpt",
			Subsystem: "engine",
			Name:      "turn_duration_seconds",
			Help:      "Time from send to stream end or failure",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Frames decoded from the response stream, by frame type.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsgpt",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Total number of stream frames by type",
		},
		[]string{"type"},
	)

	MalformedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "newsgpt",
			Subsystem: "stream",
			Name:      "malformed_frames_total",
			Help:      "Frames skipped because they could not be decoded",
		},
	)

	// Chat service requests by operation and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsgpt",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of chat service requests",
		},
		[]string{"op", "status"},
	)

	// History responses dropped because a newer request was already applied.
	StaleHistoryTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "newsgpt",
			Subsystem: "engine",
			Name:      "stale_history_total",
			Help:      "History responses discarded in favour of a newer request",
		},
	)

	// Transcript slot operations by backend, op and status.
	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "newsgpt",
			Subsystem: "store",
			Name:      "ops_total",
			Help:      "Transcript store operations",
		},
		[]string{"op", "status"},
	)
)

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Status maps an error to a status label.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}
