// Package metrics defines the Prometheus collectors of the pass pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdatesApplied counts accepted field updates by source.
	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_pass_updates_total",
		Help: "Field updates committed, by source.",
	}, []string{"source"})

	// ArtifactsSigned counts Apple archives signed, by outcome.
	ArtifactsSigned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_apple_artifacts_signed_total",
		Help: "Apple pass archives signed, by outcome.",
	}, []string{"outcome"})

	// Pushes counts Apple push attempts, by outcome.
	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_apple_pushes_total",
		Help: "Apple push notifications attempted, by outcome.",
	}, []string{"outcome"})

	// GooglePatches counts Google object patches, by outcome.
	GooglePatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_google_patches_total",
		Help: "Google Wallet object patches attempted, by outcome.",
	}, []string{"outcome"})

	// BulkPasses counts passes processed by bulk runs, by outcome.
	BulkPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_bulk_passes_total",
		Help: "Passes handled by bulk updates, by outcome.",
	}, []string{"outcome"})

	// TaskRetries counts delivery task re-enqueues.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_delivery_task_retries_total",
		Help: "Delivery tasks scheduled for another attempt, by task.",
	}, []string{"task"})

	// QueueDepth is the number of delivery tasks waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_delivery_queue_depth",
		Help: "Delivery tasks waiting for a worker.",
	})
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeGone      = "gone"
	OutcomeThrottled = "throttled"
	OutcomeRetry     = "retry"
)
