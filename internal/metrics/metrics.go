// Package metrics registers the prometheus collectors the coordinator
// updates as it runs: RPC latency by kind, retry counts by reason, and
// commit/rollback outcomes. Components take a metric's Observe/Inc call
// directly rather than depending on this package's internals, so it
// never needs to be mocked out in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "txnkv",
			Subsystem: "client",
			Name:      "rpc_duration_seconds",
			Help:      "Latency of a single RPC attempt, by RPC kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 18),
		}, []string{"rpc"})

	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "client",
			Name:      "retry_total",
			Help:      "Count of retried attempts, by reason.",
		}, []string{"reason"})

	CommitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnkv",
			Subsystem: "client",
			Name:      "commit_total",
			Help:      "Count of transaction outcomes, by result.",
		}, []string{"result"})
)

// Retry reasons recorded against RetryTotal.
const (
	ReasonTransport    = "transport"
	ReasonStaleEpoch   = "stale_epoch"
	ReasonLockConflict = "lock_conflict"
)

// Commit outcomes recorded against CommitTotal.
const (
	OutcomeCommitted  = "committed"
	OutcomeOnePC      = "one_pc"
	OutcomeRolledBack = "rolled_back"
	OutcomeAborted    = "aborted"
)

func init() {
	prometheus.MustRegister(RPCDuration, RetryTotal, CommitTotal)
}
