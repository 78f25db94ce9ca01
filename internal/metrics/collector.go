// Package metrics implements the prometheus instrumentation for mogfs.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector records per-callback operation metrics and optionally serves
// them over HTTP. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationBytes    *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	openHandles       prometheus.Gauge

	server *http.Server
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mogfs",
		Name:      "operations_total",
		Help:      "Total FUSE callback invocations by operation.",
	}, []string{"operation"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mogfs",
		Name:      "operation_duration_seconds",
		Help:      "FUSE callback latency by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	c.operationBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mogfs",
		Name:      "operation_bytes",
		Help:      "Bytes moved per read/write callback.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"operation"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mogfs",
		Name:      "operation_errors_total",
		Help:      "FUSE callbacks that returned an error, by operation.",
	}, []string{"operation"})

	c.openHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mogfs",
		Name:      "open_handles",
		Help:      "Currently registered file handles.",
	})

	c.registry.MustRegister(
		c.operationCounter,
		c.operationDuration,
		c.operationBytes,
		c.errorCounter,
		c.openHandles,
	)
	return c
}

// RecordOperation records one callback invocation.
func (c *Collector) RecordOperation(op string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	c.operationCounter.WithLabelValues(op).Inc()
	c.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
	if !success {
		c.errorCounter.WithLabelValues(op).Inc()
	}
}

// RecordBytes records the payload size of a read or write callback.
func (c *Collector) RecordBytes(op string, bytes int) {
	if c == nil || bytes <= 0 {
		return
	}
	c.operationBytes.WithLabelValues(op).Observe(float64(bytes))
}

// SetOpenHandles updates the live handle gauge.
func (c *Collector) SetOpenHandles(n int) {
	if c == nil {
		return
	}
	c.openHandles.Set(float64(n))
}

// Serve exposes /metrics on the port until the context is canceled. Port 0
// disables the endpoint.
func (c *Collector) Serve(ctx context.Context, port int) {
	if c == nil || port == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("metrics server: %v", err)
		}
	}()
}
