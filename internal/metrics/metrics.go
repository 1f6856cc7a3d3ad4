package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	LedgerOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_operations_total",
			Help: "Balance-affecting operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	LedgerVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_volume",
			Help: "Sum of committed amounts in currency units",
		},
		[]string{"operation"},
	)

	WalletsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_wallets_created_total",
			Help: "Wallets created lazily on first access",
		},
	)

	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_outbox_published_total",
			Help: "Outbox events relayed to Kafka",
		},
		[]string{"status"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordLedgerOperation counts one deposit/purchase attempt. amount is only
// added to the volume for committed operations.
func RecordLedgerOperation(operation, outcome string, amount float64) {
	LedgerOperationsTotal.WithLabelValues(operation, outcome).Inc()
	if outcome == "success" {
		LedgerVolume.WithLabelValues(operation).Add(amount)
	}
}

func RecordWalletCreated() {
	WalletsCreatedTotal.Inc()
}

func RecordOutboxPublish(status string) {
	OutboxPublishedTotal.WithLabelValues(status).Inc()
}
