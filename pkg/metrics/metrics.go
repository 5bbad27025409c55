// Package metrics exposes Prometheus collectors for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the server's collectors behind a private registry so that
// independent instances (tests, embedded servers) never collide on
// registration.
type Metrics struct {
	registry *prometheus.Registry

	Commands          *prometheus.CounterVec
	TxnStarted        prometheus.Counter
	TxnCommitted      prometheus.Counter
	TxnRolledBack     prometheus.Counter
	TxnConflicts      prometheus.Counter
	OpenTransactions  prometheus.Gauge
	ConnectedSessions prometheus.Gauge
}

// New creates and registers the collectors. keysFn reports the number of
// resident keys and may be nil.
func New(keysFn func() float64) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kvs_commands_total",
			Help: "Commands processed, by verb and response status.",
		}, []string{"verb", "status"}),
		TxnStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kvs_transactions_started_total",
			Help: "Transactions started.",
		}),
		TxnCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "kvs_transactions_committed_total",
			Help: "Transactions committed successfully.",
		}),
		TxnRolledBack: factory.NewCounter(prometheus.CounterOpts{
			Name: "kvs_transactions_rolled_back_total",
			Help: "Transactions discarded by ROLLBACK or disconnect.",
		}),
		TxnConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "kvs_transaction_conflicts_total",
			Help: "Commits aborted by a key version conflict.",
		}),
		OpenTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kvs_open_transactions",
			Help: "Transactions currently open.",
		}),
		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kvs_connected_sessions",
			Help: "Client sessions currently connected.",
		}),
	}

	if keysFn != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kvs_keys",
			Help: "Keys resident in the store.",
		}, keysFn)
	}

	return m
}

// Handler returns an HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
