// Package telemetry exports the harness's own Prometheus metrics.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/accelbench/kvbench/internal/record"
)

// Latency buckets from 5ms to about 80s.
var latencyBuckets = prometheus.ExponentialBuckets(0.005, 2, 15)

// Benchmark request metrics
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvbench_requests_total",
			Help: "Benchmark requests that reached a terminal status, by tier and status",
		},
		[]string{"tier", "status"},
	)

	RequestAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvbench_request_attempts_total",
			Help: "HTTP attempts issued for benchmark requests, including retries",
		},
		[]string{"tier"},
	)

	TTFTSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvbench_ttft_seconds",
			Help:    "Time to first token of successful requests",
			Buckets: latencyBuckets,
		},
		[]string{"tier"},
	)

	E2ESeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvbench_e2e_seconds",
			Help:    "End-to-end latency of successful requests",
			Buckets: latencyBuckets,
		},
		[]string{"tier"},
	)

	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvbench_requests_in_flight",
			Help: "Benchmark requests dispatched and not yet terminal",
		},
		[]string{"tier"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvbench_runs_total",
			Help: "Completed benchmark runs by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
)

// Results API metrics
var (
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvbench_http_request_duration_seconds",
			Help:    "Duration of results API requests by method, route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordDispatch counts a request as in flight.
func RecordDispatch(tier string) {
	InFlight.WithLabelValues(tier).Inc()
}

// RecordRequest records a terminal request.
func RecordRequest(tier string, rec record.RequestRecord) {
	InFlight.WithLabelValues(tier).Dec()
	RequestsTotal.WithLabelValues(tier, string(rec.Status)).Inc()
	RequestAttempts.WithLabelValues(tier).Add(float64(max(rec.Attempts, 1)))
	if rec.Status != record.StatusSuccess || rec.FirstTokenTime == nil || rec.CompletionTime == nil {
		return
	}
	TTFTSeconds.WithLabelValues(tier).Observe(rec.FirstTokenTime.Sub(rec.DispatchTime).Seconds())
	E2ESeconds.WithLabelValues(tier).Observe(rec.CompletionTime.Sub(rec.DispatchTime).Seconds())
}

// RecordRun counts a finished run. Outcome is "completed" or "cancelled".
func RecordRun(tier, outcome string) {
	RunsTotal.WithLabelValues(tier, outcome).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument records the duration of each request by its matched route
// pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("telemetry listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
