package anchoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	anchorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rapidverify_anchor_total",
		Help: "Anchored records by mode and demo reason",
	}, []string{"mode", "reason"})

	anchorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rapidverify_anchor_duration_seconds",
		Help:    "Anchor call latency by resulting mode",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"mode"})

	submissionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rapidverify_ledger_submission_failures_total",
		Help: "Ledger submissions that fell back to demo mode, by reason",
	}, []string{"reason"})

	reconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rapidverify_reconcile_outcomes_total",
		Help: "Confirmation attempts by outcome",
	}, []string{"outcome"})

	verifyContentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rapidverify_verify_content_total",
		Help: "Content verification checks by result",
	}, []string{"matched"})
)
