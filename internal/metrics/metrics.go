package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by result.",
		},
		[]string{"result"},
	)

	verifyTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "verify_tasks_total",
			Help:      "Verification task outcomes.",
		},
		[]string{"outcome"},
	)

	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "payment_confirmations_total",
			Help:      "Confirmed payments by trigger source.",
		},
		[]string{"source"},
	)

	reconcilerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "reconciler_transactions_total",
			Help:      "Stale transactions handled by the reconciler, by outcome.",
		},
		[]string{"outcome"},
	)

	escrowReleases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "escrow_releases_total",
			Help:      "Escrow holds released to owners.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, webhooks, verifyTasks, confirmations, reconcilerRuns, escrowReleases)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncWebhook counts a webhook delivery result: accepted, rejected or ignored.
func IncWebhook(result string) {
	webhooks.WithLabelValues(result).Inc()
}

// IncVerifyTask counts a verification task outcome: completed, retry or failed.
func IncVerifyTask(outcome string) {
	verifyTasks.WithLabelValues(outcome).Inc()
}

// IncConfirmation counts a confirmed payment by trigger source.
func IncConfirmation(source string) {
	confirmations.WithLabelValues(source).Inc()
}

// IncReconciler counts a reconciler pass over one stale transaction.
func IncReconciler(outcome string) {
	reconcilerRuns.WithLabelValues(outcome).Inc()
}

// IncEscrowRelease counts one released escrow hold.
func IncEscrowRelease() {
	escrowReleases.Inc()
}
