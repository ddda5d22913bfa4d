package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DepositsProcessed counts deposit verifications by terminal outcome
// (confirmed/failed/expired/rejected)
var DepositsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custody_deposits_processed_total",
		Help: "Total number of deposit verifications by outcome",
	},
	[]string{"outcome"},
)

// WithdrawalsProcessed counts withdrawal operations by outcome
var WithdrawalsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custody_withdrawals_processed_total",
		Help: "Total number of withdrawal operations by outcome",
	},
	[]string{"outcome"},
)

// NonceRejections counts rejected deposit nonces by reason
// (tampered/not_found/expired/ownership)
var NonceRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "custody_nonce_rejections_total",
		Help: "Total number of rejected deposit nonces by reason",
	},
	[]string{"reason"},
)

// DepositVerifyLatency records latency distribution for deposit verification
var DepositVerifyLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "custody_deposit_verify_latency_seconds",
		Help:    "Latency in seconds to verify individual deposits",
		Buckets: prometheus.DefBuckets,
	},
)

// AuditFallbackWrites counts audit entries that missed durable storage
// and were emitted to the fallback sink instead
var AuditFallbackWrites = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "custody_audit_fallback_writes_total",
		Help: "Total number of audit entries written to the fallback sink",
	},
)

func init() {
	prometheus.MustRegister(DepositsProcessed, WithdrawalsProcessed, NonceRejections)
	prometheus.MustRegister(DepositVerifyLatency, AuditFallbackWrites)
}
