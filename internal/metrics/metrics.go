// Package metrics provides Prometheus metrics for backend operations.
//
// Metrics live in a dedicated registry; a short-lived CLI run publishes them
// by pushing to a Pushgateway.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/Chapsvision-dev/clouddrive-backup/internal/backend"
)

// Registry holds every metric of this package.
var Registry = prometheus.NewRegistry()

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_backup_operations_total",
			Help: "Backend operations by result (ok, fatal, retryable, not_found, error)",
		},
		[]string{"backend", "op", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clouddrive_backup_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"backend", "op"},
	)

	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_backup_bytes_total",
			Help: "Bytes transferred by successful uploads and downloads",
		},
		[]string{"backend", "direction"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clouddrive_backup_http_requests_total",
			Help: "Provider HTTP requests by method and status code",
		},
		[]string{"backend", "method", "code"},
	)
)

func init() {
	Registry.MustRegister(operationsTotal, operationDuration, bytesTotal, httpRequestsTotal)
}

// Observe records one backend operation started at start.
func Observe(backendName, op string, start time.Time, err error) {
	operationsTotal.WithLabelValues(backendName, op, Result(err)).Inc()
	operationDuration.WithLabelValues(backendName, op).Observe(time.Since(start).Seconds())
}

// AddBytes counts transferred bytes; direction is "upload" or "download".
func AddBytes(backendName, direction string, n int64) {
	if n > 0 {
		bytesTotal.WithLabelValues(backendName, direction).Add(float64(n))
	}
}

// Result classifies err for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case backend.IsFatal(err):
		return "fatal"
	case backend.IsRetryable(err):
		return "retryable"
	case backend.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}

// InstrumentTransport counts requests sent through rt.
func InstrumentTransport(backendName string, rt http.RoundTripper) http.RoundTripper {
	return promhttp.InstrumentRoundTripperCounter(
		httpRequestsTotal.MustCurryWith(prometheus.Labels{"backend": backendName}), rt)
}

// Push sends the registry to a Pushgateway under job.
func Push(ctx context.Context, url, job string) error {
	return push.New(url, job).Gatherer(Registry).PushContext(ctx)
}
