package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Feed consumption metrics.
var (
	consumptionObjects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crisp_consumption_objects_total",
			Help: "STIX objects handled during feed consumption, by outcome.",
		},
		[]string{"feed", "outcome"},
	)

	consumptionRuns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crisp_consumption_run_seconds",
			Help:    "Wall-clock duration of completed consumption runs.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"feed"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		consumptionObjects, consumptionRuns,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ConsumptionMetrics records per-feed counters from the consumption loop.
type ConsumptionMetrics struct{}

func (ConsumptionMetrics) ObjectProcessed(feedID, outcome string) {
	consumptionObjects.WithLabelValues(feedID, outcome).Inc()
}

func (ConsumptionMetrics) RunObserved(feedID string, d time.Duration) {
	consumptionRuns.WithLabelValues(feedID).Observe(d.Seconds())
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
