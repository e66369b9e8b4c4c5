package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcprobe",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Latency of endpoint probes by endpoint and status class.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "code"},
	)
	stepResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcprobe",
			Subsystem: "pipeline",
			Name:      "step_results_total",
			Help:      "Verification step verdicts.",
		}, []string{"step", "status"},
	)
	readinessAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "svcprobe",
			Subsystem: "readiness",
			Name:      "attempts",
			Help:      "Number of readiness checks performed before the service answered or the wait gave up.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50, 100},
		},
	)
	teardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcprobe",
			Subsystem: "process",
			Name:      "teardowns_total",
			Help:      "Supervised process teardowns by result (graceful, killed, failed).",
		}, []string{"result"},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcprobe",
			Name:      "runs_total",
			Help:      "Harness runs by overall result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{probeDuration, stepResults, readinessAttempts, teardowns, runs}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the given gatherer, or the default one when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve binds addr and serves /metrics in the background. A bind failure is
// returned to the caller instead of being dropped by the serving goroutine.
func Serve(addr string, g prometheus.Gatherer) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

// Below are helpers used by internal packages. They no-op until Register is called.

// CodeClass buckets an HTTP status; 0 means the service never answered.
func CodeClass(status int) string {
	if status <= 0 {
		return "transport_error"
	}
	return strconv.Itoa(status/100) + "xx"
}

func ObserveProbe(endpoint string, status int, d time.Duration) {
	if regOK.Load() {
		probeDuration.WithLabelValues(endpoint, CodeClass(status)).Observe(d.Seconds())
	}
}

func IncStepResult(step, status string) {
	if regOK.Load() {
		stepResults.WithLabelValues(step, status).Inc()
	}
}

func ObserveReadinessAttempts(n int) {
	if regOK.Load() {
		readinessAttempts.Observe(float64(n))
	}
}

func IncTeardown(result string) {
	if regOK.Load() {
		teardowns.WithLabelValues(result).Inc()
	}
}

func IncRun(ok bool) {
	if regOK.Load() {
		result := "failed"
		if ok {
			result = "passed"
		}
		runs.WithLabelValues(result).Inc()
	}
}
