// Package metrics holds the Prometheus collectors shared by the registry,
// the packager and the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easytransfer_http_requests_total",
			Help: "HTTP requests handled, by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "easytransfer_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ResourcesLive is the number of entries currently in the registry.
	ResourcesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "easytransfer_resources_live",
		Help: "Resources currently registered.",
	})

	// RegistryOperations counts registry outcomes, e.g.
	// {operation="consume", result="expired"}.
	RegistryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easytransfer_registry_operations_total",
			Help: "Registry operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// PackagingDuration observes how long directory packaging takes.
	PackagingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "easytransfer_packaging_duration_seconds",
		Help:    "Time spent turning a directory into an archive.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	// PackagedFilesSkipped counts files left out of archives because they
	// could not be read.
	PackagedFilesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "easytransfer_packaged_files_skipped_total",
		Help: "Files skipped while packaging because they could not be opened.",
	})
)
