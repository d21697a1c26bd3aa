// Package metrics exposes Prometheus metrics for the validation service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	exceptionsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changeval_exceptions_processed_total",
		Help: "Total number of drift exceptions processed",
	})

	exceptionsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changeval_exceptions_invalid_total",
		Help: "Total number of exception records rejected as malformed",
	})

	resultsByDisposition = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changeval_results_total",
		Help: "Total validation results by disposition",
	}, []string{"disposition"})

	correlationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "changeval_correlation_duration_seconds",
		Help:    "Time spent correlating a single exception",
		Buckets: prometheus.DefBuckets,
	})

	referenceLookupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changeval_reference_lookup_failures_total",
		Help: "Total reference store lookups that failed as unavailable",
	})

	batchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changeval_batches_processed_total",
		Help: "Total validation batches processed",
	})

	resultsInStore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "changeval_results_in_store",
		Help: "Current number of validation results held in the result store",
	})

	ticketsInStore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "changeval_reference_tickets",
		Help: "Current number of change tickets in the reference store",
	})

	patchesInStore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "changeval_reference_patches",
		Help: "Current number of approved patches in the reference store",
	})

	natsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "changeval_nats_connected",
		Help: "Whether the NATS connection is currently up (1) or down (0)",
	})

	profilesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "changeval_policy_profiles_loaded",
		Help: "Number of validation policy profiles currently loaded",
	})

	reviewsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "changeval_reviews_recorded_total",
		Help: "Total manual review decisions recorded",
	})
)

// IncExceptionsProcessed increments the processed exception counter.
func IncExceptionsProcessed() {
	exceptionsProcessed.Inc()
}

// IncExceptionsInvalid increments the malformed record counter.
func IncExceptionsInvalid() {
	exceptionsInvalid.Inc()
}

// IncResultsByDisposition increments the result counter for a disposition.
func IncResultsByDisposition(disposition string) {
	resultsByDisposition.WithLabelValues(disposition).Inc()
}

// ObserveCorrelationDuration records the duration of one correlation.
func ObserveCorrelationDuration(seconds float64) {
	correlationDuration.Observe(seconds)
}

// IncReferenceLookupFailures increments the lookup failure counter.
func IncReferenceLookupFailures() {
	referenceLookupFailures.Inc()
}

// IncBatchesProcessed increments the batch counter.
func IncBatchesProcessed() {
	batchesProcessed.Inc()
}

// SetResultsInStore updates the result store size gauge.
func SetResultsInStore(count int) {
	resultsInStore.Set(float64(count))
}

// SetReferenceCounts updates the reference store size gauges.
func SetReferenceCounts(tickets, patches int) {
	ticketsInStore.Set(float64(tickets))
	patchesInStore.Set(float64(patches))
}

// SetNatsConnected updates the NATS connection gauge.
func SetNatsConnected(connected bool) {
	if connected {
		natsConnected.Set(1)
	} else {
		natsConnected.Set(0)
	}
}

// SetProfilesLoaded updates the loaded profile gauge.
func SetProfilesLoaded(count int) {
	profilesLoaded.Set(float64(count))
}

// IncReviewsRecorded increments the manual review counter.
func IncReviewsRecorded() {
	reviewsRecorded.Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
