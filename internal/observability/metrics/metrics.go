// Package metrics exposes Prometheus instrumentation for the stage pool,
// session lifecycle, and HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kidstream",
		Name:      "stagepool_available",
		Help:      "Idle stages ready for allocation",
	})
	poolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kidstream",
		Name:      "stagepool_in_use",
		Help:      "Stages currently bound to a stream",
	})
	poolTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kidstream",
		Name:      "stagepool_total",
		Help:      "Total stages owned by the pool",
	})

	stageCreateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kidstream",
		Name:      "stage_create_total",
		Help:      "Upstream stage create attempts by origin and outcome",
	}, []string{"origin", "outcome"})

	stageDeleteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kidstream",
		Name:      "stage_delete_total",
		Help:      "Upstream stage delete attempts by outcome",
	}, []string{"outcome"})

	allocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kidstream",
		Name:      "stage_allocation_duration_seconds",
		Help:      "Time to allocate a stage and mint a publish token",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	sessionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kidstream",
		Name:      "session_events_total",
		Help:      "Session lifecycle events by kind",
	}, []string{"event"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kidstream",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method, route, and status",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})
)

// Stage create origins.
const (
	OriginReplenish = "replenish"
	OriginOnDemand  = "on_demand"
)

// SetPoolStatus records the current pool gauges.
func SetPoolStatus(available, inUse, total int) {
	poolAvailable.Set(float64(available))
	poolInUse.Set(float64(inUse))
	poolTotal.Set(float64(total))
}

// StageCreated records a stage create attempt.
func StageCreated(origin string, err error) {
	stageCreateTotal.WithLabelValues(origin, outcome(err)).Inc()
}

// StageDeleted records a stage delete attempt.
func StageDeleted(err error) {
	stageDeleteTotal.WithLabelValues(outcome(err)).Inc()
}

// ObserveAllocation records the latency of one allocate call.
func ObserveAllocation(duration time.Duration, err error) {
	allocationDuration.WithLabelValues(outcome(err)).Observe(duration.Seconds())
}

// SessionEvent counts a session lifecycle event such as "started",
// "ended", "reconciled", or "force_stopped".
func SessionEvent(event string) {
	sessionTotal.WithLabelValues(event).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

// NewResponseRecorder wraps a ResponseWriter to capture the final status
// code for logging and instrumentation middleware.
func NewResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Status returns the status code written to the response.
func (r *responseRecorder) Status() int {
	return r.status
}

// Middleware instruments HTTP handlers with request duration metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		requestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(recorder.Status())).
			Observe(time.Since(start).Seconds())
	})
}
