package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "client",
			Name:      "events_dispatched_total",
			Help:      "Events handed to the pipeline, by event type.",
		}, []string{"type"},
	)
	eventsOptedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "client",
			Name:      "events_opted_out_total",
			Help:      "Events skipped because the client is opted out.",
		},
	)
	results = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "destination",
			Name:      "results_total",
			Help:      "Terminal delivery results by destination and code.",
		}, []string{"destination", "code"},
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "destination",
			Name:      "retries_total",
			Help:      "Events re-queued for another attempt, by reason.",
		}, []string{"destination", "reason"},
	)
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "analytics",
			Subsystem: "destination",
			Name:      "batch_size",
			Help:      "Number of events per outgoing request.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}, []string{"destination"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "analytics",
			Subsystem: "destination",
			Name:      "queue_depth",
			Help:      "Envelopes currently waiting in the destination queue.",
		}, []string{"destination"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "analytics",
			Subsystem: "transport",
			Name:      "send_duration_seconds",
			Help:      "Time spent in Transport.Send.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination", "status"},
	)
	batchShrinks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "analytics",
			Subsystem: "destination",
			Name:      "batch_shrinks_total",
			Help:      "Times the batch size was halved after a payload-too-large response.",
		}, []string{"destination"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{eventsDispatched, eventsOptedOut, results, retries, batchSize, queueDepth, sendDuration, batchShrinks}
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncDispatched(eventType string) {
	if regOK.Load() {
		eventsDispatched.WithLabelValues(eventType).Inc()
	}
}

func IncOptedOut() {
	if regOK.Load() {
		eventsOptedOut.Inc()
	}
}

func IncResult(destination string, code int) {
	if regOK.Load() {
		results.WithLabelValues(destination, strconv.Itoa(code)).Inc()
	}
}

func IncRetry(destination, reason string) {
	if regOK.Load() {
		retries.WithLabelValues(destination, reason).Inc()
	}
}

func ObserveBatchSize(destination string, n int) {
	if regOK.Load() {
		batchSize.WithLabelValues(destination).Observe(float64(n))
	}
}

func SetQueueDepth(destination string, n int) {
	if regOK.Load() {
		queueDepth.WithLabelValues(destination).Set(float64(n))
	}
}

func ObserveSend(destination, status string, seconds float64) {
	if regOK.Load() {
		sendDuration.WithLabelValues(destination, status).Observe(seconds)
	}
}

func IncBatchShrink(destination string) {
	if regOK.Load() {
		batchShrinks.WithLabelValues(destination).Inc()
	}
}
