package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AllocationsTotal counts placeOrder outcomes; result is "success" or an error kind
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "allocations_total",
		Help: "Total number of allocation attempts by result",
	}, []string{"result"})

	AllocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "allocation_duration_seconds",
		Help:    "Latency of allocation attempts, including gate wait",
		Buckets: prometheus.DefBuckets,
	})

	AllocationLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "allocation_lock_wait_seconds",
		Help:    "Time spent waiting for a product gate",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})

	AllocationGatesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "allocation_gates_in_flight",
		Help: "Number of product gates currently held or awaited",
	})

	IdempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotent_replays_total",
		Help: "Total number of order requests answered from the idempotency cache",
	})

	EventsPublishFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_publish_failed_total",
		Help: "Total number of domain events that could not be published",
	}, []string{"event_type"})

	StockProjectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_projections_total",
		Help: "Total number of stock read-model updates by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
