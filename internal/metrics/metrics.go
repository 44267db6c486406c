// Package metrics exposes the Prometheus instrumentation shared by the
// worker and the orchestrator. Collectors register on the default
// registry; Handler serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datamover_migrations_total",
		Help: "counter of finished migrations by source, destination and outcome",
	}, []string{"source", "destination", "outcome"})

	MigrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datamover_migration_duration_seconds",
		Help:    "end-to-end duration of one migration operation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"source", "destination"})

	MigrationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datamover_migrations_in_flight",
		Help: "number of migrations currently executing in this worker",
	})

	TablesMigrated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datamover_tables_migrated_total",
		Help: "counter of tables fully loaded into the destination",
	}, []string{"source", "destination"})

	TablesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datamover_tables_failed_total",
		Help: "counter of tables that failed after all retries",
	}, []string{"source", "destination"})

	RecordsMigrated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datamover_records_migrated_total",
		Help: "counter of records written to the destination",
	}, []string{"source", "destination", "table"})

	SchemaEvolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datamover_schema_evolutions_total",
		Help: "counter of columns added to destination tables mid-load",
	}, []string{"destination"})

	SchedulerClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datamover_scheduler_claims_total",
		Help: "counter of pending operations claimed by the scheduler",
	})

	OperationsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datamover_operations_dispatched_total",
		Help: "counter of operations dispatched to the worker by outcome",
	}, []string{"outcome"})

	WorkerSpawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datamover_worker_spawns_total",
		Help: "counter of worker processes launched by the supervisor",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
