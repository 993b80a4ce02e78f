// Package metrics holds the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Batch metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgpipe_batches_total",
			Help: "Total envelope batches processed",
		},
		[]string{"result"}, // "ok", "partial" or "failed"
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msgpipe_batch_duration_seconds",
			Help:    "Time to decrypt and persist one batch",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	EnvelopesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgpipe_envelopes_total",
			Help: "Total envelopes received from the transport",
		},
	)

	AcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgpipe_acks_total",
			Help: "Total acknowledgments sent",
		},
		[]string{"result"},
	)

	DecryptFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgpipe_decrypt_failures_total",
			Help: "Envelopes that could not be decrypted",
		},
		[]string{"reason"}, // "unsupported_version", "decryption_failed", "other"
	)

	// Reconciliation metrics
	FailedEnvelopesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "msgpipe_failed_envelopes_saved_total",
			Help: "Envelopes written to the failed store",
		},
	)

	ReplayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgpipe_replayed_total",
			Help: "Rows replayed by the reconcilers",
		},
		[]string{"store", "result"},
	)

	ReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msgpipe_receipts_total",
			Help: "Receipts handled by the receipt processor",
		},
		[]string{"result"}, // "applied", "skipped", "pending", "error"
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
