package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmee"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	quotes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supertx",
		Name:      "quotes_total",
		Help:      "Quote requests by outcome.",
	}, []string{"outcome"})

	quoteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "supertx",
		Name:      "quote_duration_seconds",
		Help:      "Time spent waiting for the quoting service.",
		Buckets:   prometheus.DefBuckets,
	})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supertx",
		Name:      "executions_total",
		Help:      "Quote submissions to the execution relay by outcome.",
	}, []string{"outcome"})

	receipts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supertx",
		Name:      "receipts_total",
		Help:      "Terminal receipts by status.",
	}, []string{"status"})

	receiptWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "supertx",
		Name:      "receipt_wait_seconds",
		Help:      "Time from the first poll to a terminal receipt.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	pollRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supertx",
		Name:      "poll_retries_total",
		Help:      "Transient relay status read failures that were retried.",
	})

	jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "job",
		Name:      "transitions_total",
		Help:      "Supertransaction job state transitions.",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		quotes, quoteLatency, executions, receipts, receiptWait, pollRetries,
		jobs,
	)
}

// Registry exposes the registry backing Handler, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveQuote records one quoting round trip. outcome is "ok" or an error code.
func ObserveQuote(outcome string, duration time.Duration) {
	quotes.WithLabelValues(outcome).Inc()
	quoteLatency.Observe(duration.Seconds())
}

// ObserveExecution records one submission attempt.
func ObserveExecution(outcome string) {
	executions.WithLabelValues(outcome).Inc()
}

// ObserveReceipt records a terminal receipt status and how long it took.
func ObserveReceipt(status string, waited time.Duration) {
	receipts.WithLabelValues(status).Inc()
	receiptWait.Observe(waited.Seconds())
}

// ObservePollRetry counts a retried status read.
func ObservePollRetry() {
	pollRetries.Inc()
}

// ObserveJob counts a job reaching status.
func ObserveJob(status string) {
	jobs.WithLabelValues(status).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
