package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

// Access core metrics
var (
	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Authorization decisions by resource type, operation, outcome and reason.",
		},
		[]string{"resource_type", "operation", "outcome", "reason"},
	)

	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_tokens_issued_total",
			Help: "Verification token issuance attempts by purpose and result.",
		},
		[]string{"purpose", "result"},
	)

	tokensValidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_tokens_validated_total",
			Help: "Verification token validations by purpose and result.",
		},
		[]string{"purpose", "result"},
	)

	auditRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Audit record writes by result (written, failed, dropped).",
		},
		[]string{"result"},
	)

	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_queue_depth",
		Help: "Audit events waiting to be written.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			accessDecisions, tokensIssued, tokensValidated, auditRecords, auditQueueDepth,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one authorization decision.
func ObserveDecision(resourceType, operation, outcome, reason string) {
	accessDecisions.WithLabelValues(resourceType, operation, outcome, reason).Inc()
}

// ObserveIssue counts one token issuance attempt.
func ObserveIssue(purpose, result string) {
	tokensIssued.WithLabelValues(purpose, result).Inc()
}

// ObserveValidate counts one token validation.
func ObserveValidate(purpose, result string) {
	tokensValidated.WithLabelValues(purpose, result).Inc()
}

// ObserveAuditWrite counts one audit write outcome.
func ObserveAuditWrite(result string) {
	auditRecords.WithLabelValues(result).Inc()
}

// SetAuditQueueDepth reports the current audit backlog.
func SetAuditQueueDepth(n int) {
	auditQueueDepth.Set(float64(n))
}

// SetReady records the latest readiness result.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

var knownPaths = map[string]struct{}{
	"/":                                {},
	"/healthz":                         {},
	"/readyz":                          {},
	"/metrics":                         {},
	"/v1/info":                         {},
	"/v1/audit/stream":                 {},
	"/v1/access/check":                 {},
	"/v1/access/preview":               {},
	"/v1/verification-tokens":          {},
	"/v1/verification-tokens/validate": {},
}

// CanonicalPath collapses a request path into a bounded metric label.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}

// Instrument wraps next with RPS, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
