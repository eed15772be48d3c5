package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/model"
)

// Metrics holds all Prometheus metrics of a migration run. It implements the
// progress, checkpoint and error observer interfaces.
type Metrics struct {
	// Progress metrics
	ProgressPercent prometheus.Gauge
	RecordsMigrated prometheus.Gauge
	RecordsTotal    prometheus.Gauge
	TablesProcessed prometheus.Gauge
	TablesTotal     prometheus.Gauge
	RecordsPerSec   prometheus.Gauge
	ErrorCount      prometheus.Gauge
	WarningCount    prometheus.Gauge
	CurrentStage    *prometheus.GaugeVec

	// Stage metrics
	CheckpointsTotal *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	StageErrors      *prometheus.CounterVec

	// Rollback metrics
	RollbacksTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProgressPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "migration_progress_percent",
			Help: "Migrated records as a percentage of total records",
		}),

		RecordsMigrated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "migration_records_migrated",
			Help: "Records copied to the target so far",
		}),

		RecordsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "migration_records_total",
			Help: "Records in the selected source tables",
		}),

		TablesProcessed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "migration_tables_processed",
			Help: "Tables fully copied to the target",
		}),

		TablesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "migration_tables_total",
			Help: "Tables selected for migration",
		}),

		RecordsPerSec: factory.NewGauge(prometheus.GaugeOpts{
			Name: "migration_records_per_second",
			Help: "Average copy speed since the run started",
		}),

		ErrorCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "migration_errors",
			Help: "Errors counted towards the rollback threshold",
		}),

		WarningCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "migration_warnings",
			Help: "Warnings recorded by the run",
		}),

		CurrentStage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "migration_current_stage",
				Help: "1 for the stage the run is in, 0 for all others",
			},
			[]string{"stage"},
		),

		CheckpointsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migration_checkpoints_total",
				Help: "Checkpoints recorded by stage and status",
			},
			[]string{"stage", "status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "migration_stage_duration_seconds",
				Help:    "Duration of completed stage executions",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"stage", "status"},
		),

		StageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migration_stage_errors_total",
				Help: "Errors reported to error observers by stage and code",
			},
			[]string{"stage", "code"},
		),

		RollbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "migration_rollbacks_total",
				Help: "Rollbacks executed by outcome",
			},
			[]string{"status"},
		),
	}
}

// OnProgress updates the progress gauges
func (m *Metrics) OnProgress(snapshot model.MigrationMetrics) {
	m.ProgressPercent.Set(snapshot.ProgressPercentage())
	m.RecordsMigrated.Set(float64(snapshot.RecordsMigrated))
	m.RecordsTotal.Set(float64(snapshot.TotalRecords))
	m.TablesProcessed.Set(float64(snapshot.TablesProcessed))
	m.TablesTotal.Set(float64(snapshot.TotalTables))
	m.RecordsPerSec.Set(snapshot.MigrationSpeed)
	m.ErrorCount.Set(float64(snapshot.ErrorCount))
	m.WarningCount.Set(float64(snapshot.WarningCount))
	m.setStage(snapshot.Stage)
}

// OnCheckpoint counts the checkpoint and observes the duration of terminal ones
func (m *Metrics) OnCheckpoint(checkpoint model.MigrationCheckpoint) {
	stage := string(checkpoint.Stage)
	status := string(checkpoint.Status)
	m.CheckpointsTotal.WithLabelValues(stage, status).Inc()

	// Rollback checkpoints carry the rolled back tables instead of a duration
	if _, ok := checkpoint.ValidationResults["tables_rolled_back"]; ok {
		m.RollbacksTotal.WithLabelValues(status).Inc()
		return
	}

	if checkpoint.Status == model.CheckpointInProgress {
		return
	}
	if d, ok := checkpoint.ValidationResults["duration_seconds"].(float64); ok {
		m.StageDuration.WithLabelValues(stage, status).Observe(d)
	}
}

// OnError counts the error by stage and code
func (m *Metrics) OnError(err error, stage model.MigrationStage) {
	m.StageErrors.WithLabelValues(string(stage), migerrors.CodeOf(err).String()).Inc()
}

func (m *Metrics) setStage(current model.MigrationStage) {
	for _, stage := range model.AllStages() {
		value := 0.0
		if stage == current {
			value = 1
		}
		m.CurrentStage.WithLabelValues(string(stage)).Set(value)
	}
}
