// Package metrics defines the Prometheus collectors mailkeep exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailkeep_connections_total",
			Help: "Total number of accepted client connections",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailkeep_connections_current",
			Help: "Number of currently active proxy sessions",
		},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailkeep_auth_attempts_total",
			Help: "Authentication attempts by result",
		},
		[]string{"result"}, // success, failure, unknown_identity, upstream_unreachable
	)

	BytesThroughput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailkeep_bytes_total",
			Help: "Bytes relayed through proxy sessions",
		},
		[]string{"direction"}, // in (client to upstream), out (upstream to client)
	)

	InterceptDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailkeep_intercept_decisions_total",
			Help: "Message bodies inspected on the retrieval path, by outcome",
		},
		[]string{"decision"}, // quarantined, cleared, pending, approved, deleted, oversize
	)

	ClassifierFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailkeep_classifier_failures_total",
			Help: "Message bodies that could not be parsed and degraded to a raw scan",
		},
	)

	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailkeep_store_operations_total",
			Help: "Quarantine store operations by result",
		},
		[]string{"operation", "result"}, // operation: put/get/list/approve/delete/update, result: ok/conflict/not_found/error
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailkeep_protocol_errors_total",
			Help: "Protocol errors by side and severity",
		},
		[]string{"side", "severity"}, // side: client/upstream, severity: recoverable/fatal
	)

	DirectoryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailkeep_directory_lookups_total",
			Help: "Account directory lookups by result",
		},
		[]string{"result"}, // found, not_found, fallback, error
	)
)
