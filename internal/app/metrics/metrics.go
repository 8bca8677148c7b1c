// Package metrics exposes Prometheus collectors for the escrow ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	topUps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_ledger",
			Subsystem: "settlement",
			Name:      "topups_total",
			Help:      "Total number of top-up attempts by outcome.",
		},
		[]string{"outcome"},
	)

	topUpDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "escrow_ledger",
			Subsystem: "settlement",
			Name:      "topup_duration_seconds",
			Help:      "Duration of the full top-up settlement protocol.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
	)

	withdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_ledger",
			Subsystem: "settlement",
			Name:      "withdrawals_total",
			Help:      "Total number of escrow withdrawals by outcome.",
		},
		[]string{"outcome"},
	)

	oracleQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow_ledger",
			Subsystem: "exchange",
			Name:      "oracle_queries_total",
			Help:      "Total number of oracle round trips performed by the rate cache.",
		},
	)

	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_ledger",
			Subsystem: "settlement",
			Name:      "reconciled_entries_total",
			Help:      "Journal entries finished by the reconciler, by recovered step.",
		},
		[]string{"from_status"},
	)
)

func init() {
	Registry.MustRegister(topUps, topUpDuration, withdrawals, oracleQueries, reconciled)
}

// ObserveTopUp records one finished top-up attempt.
func ObserveTopUp(outcome string, seconds float64) {
	topUps.WithLabelValues(outcome).Inc()
	topUpDuration.Observe(seconds)
}

// CountWithdrawal records one withdrawal attempt.
func CountWithdrawal(outcome string) {
	withdrawals.WithLabelValues(outcome).Inc()
}

// CountOracleQuery records one oracle round trip.
func CountOracleQuery() {
	oracleQueries.Inc()
}

// CountReconciled records one journal entry recovered from the given status.
func CountReconciled(fromStatus string) {
	reconciled.WithLabelValues(fromStatus).Inc()
}

// Handler serves the registry over HTTP.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
