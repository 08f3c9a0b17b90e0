package process

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jnesss/pgcpu-recorder/record"
)

var (
	// trackedEntities is the size of the live regular entity map
	trackedEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgcpu_tracked_backends",
			Help: "Number of backend processes currently tracked",
		},
	)

	// forksIgnored counts fork notifications that did not create an entity
	forksIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcpu_forks_ignored_total",
			Help: "Fork notifications ignored by reason",
		},
		[]string{"reason"},
	)

	recordsExported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcpu_records_exported_total",
			Help: "Lifecycle records exported by entity kind",
		},
		[]string{"kind"},
	)

	// recordsDropped counts finalized entities that never identified
	recordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcpu_records_dropped_total",
			Help: "Finalized backends dropped because they never announced a client",
		},
	)

	missedExits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcpu_missed_exits_total",
			Help: "Processes finalized by reconciliation without an exit notification",
		},
	)

	sinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcpu_sink_errors_total",
			Help: "Records that could not be written to a sink",
		},
	)

	ticks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgcpu_reconcile_ticks_total",
			Help: "Reconciliation sweeps run",
		},
	)
)

func recordTracked(n int) {
	trackedEntities.Set(float64(n))
}

func recordForkIgnored(reason string) {
	forksIgnored.WithLabelValues(reason).Inc()
}

func recordExported(kind record.Kind) {
	recordsExported.WithLabelValues(kind.String()).Inc()
}

func recordDropped() {
	recordsDropped.Inc()
}

func recordMissedExit() {
	missedExits.Inc()
}

func recordSinkError() {
	sinkErrors.Inc()
}

func recordTick() {
	ticks.Inc()
}
