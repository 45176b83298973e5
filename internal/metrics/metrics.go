// Package metrics declares the process-wide Prometheus collectors.
// Collectors register on the default registry at init; /metrics serves
// them via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphcore_runs_total",
		Help: "Graph runs by provider and terminal outcome.",
	}, []string{"provider", "outcome"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphcore_run_duration_seconds",
		Help:    "Wall-clock run duration by provider.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 13),
	}, []string{"provider"})

	UsageReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphcore_usage_reports_total",
		Help: "Usage facts observed on run streams, by source.",
	}, []string{"source"})

	Receipts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphcore_receipts_total",
		Help: "Charge receipt attempts by result.",
	}, []string{"result"})

	ReconcileEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphcore_reconcile_enqueued_total",
		Help: "Charges handed to the reconciliation queue.",
	})

	SandboxCleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "graphcore_sandbox_cleanup_failures_total",
		Help: "Sandbox containers or volumes that could not be removed.",
	})
)

// Receipt results.
const (
	ReceiptRecorded = "recorded"
	ReceiptSkipped  = "skipped"
	ReceiptQueued   = "queued"
	ReceiptFailed   = "failed"
	ReceiptDropped  = "dropped"
)
