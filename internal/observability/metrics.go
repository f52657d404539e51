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
			Namespace: "xdagent",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xdagent",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdagent",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Frames exchanged with the gateway.",
		},
		[]string{"service", "direction"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdagent",
			Subsystem: "gateway",
			Name:      "decode_errors_total",
			Help:      "Inbound frames rejected as malformed.",
		},
		[]string{"service"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xdagent",
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Reconnects scheduled, by close cause.",
		},
		[]string{"service", "cause"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xdagent",
			Subsystem: "gateway",
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		},
		[]string{"service", "state"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xdagent",
			Subsystem: "rpc",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from frame receipt to response write.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "prefix", "outcome"},
	)
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeMalformed = "malformed"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesTotal,
			decodeErrors,
			reconnects,
			sessionState,
			dispatchDuration,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(service, direction string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(service, direction).Inc()
}

func RecordDecodeError(service string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(service).Inc()
}

func RecordReconnect(service, cause string) {
	RegisterMetrics()
	reconnects.WithLabelValues(service, cause).Inc()
}

// RecordTransition moves the session_state gauge from one state to the next.
func RecordTransition(service, from, to string) {
	RegisterMetrics()
	sessionState.WithLabelValues(service, from).Set(0)
	sessionState.WithLabelValues(service, to).Set(1)
}

func ObserveDispatch(service, prefix, outcome string, duration time.Duration) {
	RegisterMetrics()
	if prefix == "" {
		prefix = "none"
	}
	dispatchDuration.WithLabelValues(service, prefix, outcome).Observe(duration.Seconds())
}
