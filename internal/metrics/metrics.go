// README: Prometheus collectors for the dispatch engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ems"

var (
	// Transitions counts committed lifecycle transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_transitions_total",
		Help:      "Committed request status transitions.",
	}, []string{"from", "to"})

	// Rejections counts business-rule rejections per operation.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_rejections_total",
		Help:      "Operations rejected by a lifecycle or assignment rule.",
	}, []string{"op", "reason"})

	AcceptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "accept_duration_seconds",
		Help:      "Latency of accept and admin assignment decisions.",
		Buckets:   prometheus.DefBuckets,
	})

	LocationSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "location_samples_total",
		Help:      "Location samples by reporting role and outcome.",
	}, []string{"role", "result"})

	EstimatorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "estimator_failures_total",
		Help:      "Distance/ETA estimates that could not be computed.",
	})

	BusDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_events_total",
		Help:      "Event bus enqueue outcomes per event type.",
	}, []string{"type", "result"})

	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bus_subscribers",
		Help:      "Currently open event bus subscriptions.",
	})
)
