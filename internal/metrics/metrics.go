// Package metrics holds the Prometheus collectors for the harness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for harness observability.
type Metrics struct {
	// Run lifecycle.
	RunsStarted *prometheus.CounterVec // outcome label applied at end
	RunsEnded   *prometheus.CounterVec // by outcome: passed|failed|error

	// Environment lifecycle.
	EnvironmentsCreated prometheus.Counter
	EnvironmentsDeleted prometheus.Counter
	CleanupFailures     prometheus.Counter

	// Pool state, labelled by template schema.
	PoolReady      *prometheus.GaugeVec
	PoolInUse      *prometheus.GaugeVec
	PoolDirty      *prometheus.GaugeVec
	PoolQuarantine *prometheus.CounterVec

	// Snapshot/diff engine.
	SnapshotDuration   prometheus.Histogram
	DiffTablesCompared prometheus.Counter
	DiffTablesSkipped  prometheus.Counter

	// Replication journal worker.
	ChangesDecoded     prometheus.Counter
	JournalRowsWritten prometheus.Counter
	ReplicationLag     prometheus.Gauge
	PollErrors         prometheus.Counter
}

// New creates and registers all harness metrics on the given registerer.
// The instance label distinguishes multiple harness processes sharing a
// Prometheus scrape.
func New(reg prometheus.Registerer, instance string) *Metrics {
	labels := prometheus.Labels{"instance": instance}

	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vestige_runs_started_total",
			Help:        "Total test runs started",
			ConstLabels: labels,
		}, []string{"mode"}),
		RunsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vestige_runs_ended_total",
			Help:        "Total test runs ended, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		EnvironmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vestige_environments_created_total",
			Help:        "Total runtime environments created",
			ConstLabels: labels,
		}),
		EnvironmentsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vestige_environments_deleted_total",
			Help:        "Total runtime environments deleted",
			ConstLabels: labels,
		}),
		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vestige_environment_cleanup_failures_total",
			Help:        "Total namespace drops that failed and were queued for retry",
			ConstLabels: labels,
		}),
		PoolReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "vestige_pool_ready",
			Help:        "Warm pool entries ready to claim",
			ConstLabels: labels,
		}, []string{"template"}),
		PoolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "vestige_pool_in_use",
			Help:        "Warm pool entries claimed by environments",
			ConstLabels: labels,
		}, []string{"template"}),
		PoolDirty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "vestige_pool_dirty",
			Help:        "Warm pool entries awaiting refresh",
			ConstLabels: labels,
		}, []string{"template"}),
		PoolQuarantine: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "vestige_pool_quarantined_total",
			Help:        "Pool entries whose refresh exhausted its retry budget",
			ConstLabels: labels,
		}, []string{"template"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "vestige_snapshot_duration_seconds",
			Help:        "Wall time to materialize one namespace snapshot",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		DiffTablesCompared: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vestige_diff_tables_compared_total",
			Help:        "Tables fully compared by the differ",
			ConstLabels: labels,
		}),
		DiffTablesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vestige_diff_tables_skipped_total",
			Help:        "Tables skipped via fingerprint match",
			ConstLabels: labels,
		}),
		ChangesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vestige_replication_changes_decoded_total",
			Help:        "Logical replication changes decoded from the slot",
			ConstLabels: labels,
		}),
		JournalRowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vestige_journal_rows_written_total",
			Help:        "Change journal rows persisted",
			ConstLabels: labels,
		}),
		ReplicationLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "vestige_replication_lag_bytes",
			Help:        "Bytes of WAL retained behind the slot's confirmed position",
			ConstLabels: labels,
		}),
		PollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "vestige_replication_poll_errors_total",
			Help:        "Slot poll attempts that failed and will be retried",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.RunsStarted, m.RunsEnded,
		m.EnvironmentsCreated, m.EnvironmentsDeleted, m.CleanupFailures,
		m.PoolReady, m.PoolInUse, m.PoolDirty, m.PoolQuarantine,
		m.SnapshotDuration, m.DiffTablesCompared, m.DiffTablesSkipped,
		m.ChangesDecoded, m.JournalRowsWritten, m.ReplicationLag, m.PollErrors,
	)

	return m
}

// NewUnregistered returns metrics bound to a throwaway registry. Convenient
// for tests and for components constructed without a metrics pipeline.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry(), "test")
}
