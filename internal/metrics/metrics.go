// Package metrics exposes this replica's consensus and mempool
// instrumentation as Prometheus collectors (spec.md §7 "observability"
// supplemented feature). Every collector lives on a private registry
// rather than the global default one, so a process embedding more than
// one shard's Engine (as cmd/shardd's test harness does) never hits a
// duplicate-registration panic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

// Metrics bundles every collector one replica's components report into.
type Metrics struct {
	registry *prometheus.Registry

	ViewChanges              prometheus.Counter
	QuorumCertificatesFormed prometheus.Counter
	BlocksCommitted          prometheus.Counter
	TransactionsCommitted    prometheus.Counter
	TransactionsAborted      prometheus.Counter
	SubstateLockConflicts    prometheus.Counter
	CurrentView              prometheus.Gauge
	PoolStageSize            *prometheus.GaugeVec
}

// New builds a Metrics bundle under namespace (e.g. "shardd"), each
// collector further scoped by subsystem ("consensus" or "mempool").
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "view_changes_total",
			Help: "Pacemaker timeouts that advanced this replica's view.",
		}),
		QuorumCertificatesFormed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "quorum_certificates_formed_total",
			Help: "Quorum certificates that raised this replica's high QC.",
		}),
		BlocksCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "blocks_committed_total",
			Help: "Blocks that cleared the three-chain commit rule.",
		}),
		TransactionsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "transactions_committed_total",
			Help: "Transactions that reached a committed terminal stage.",
		}),
		TransactionsAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "transactions_aborted_total",
			Help: "Transactions that reached an aborted terminal stage.",
		}),
		SubstateLockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "substate_lock_conflicts_total",
			Help: "Proposal re-executions rejected because a required substate lock was already held.",
		}),
		CurrentView: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "current_view",
			Help: "This replica's current pacemaker view.",
		}),
		PoolStageSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "pool_stage_size",
			Help: "Transactions currently sitting at each pool FSM stage.",
		}, []string{"stage"}),
	}
}

// ObservePoolStages overwrites the PoolStageSize gauge vector from a
// fresh snapshot, zeroing any stage absent from counts so a stage that
// just drained to empty does not keep reporting its last nonzero value.
func (m *Metrics) ObservePoolStages(counts map[types.TransactionStage]int) {
	for _, stage := range []types.TransactionStage{
		types.StageNew, types.StagePrepared, types.StageLocalPrepared,
		types.StageAllPrepared, types.StageSomePrepared, types.StageCommitted, types.StageAborted,
	} {
		m.PoolStageSize.WithLabelValues(stage.String()).Set(float64(counts[stage]))
	}
}

// Handler serves this bundle's registry in the Prometheus text exposition
// format, for mounting at the daemon's /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
