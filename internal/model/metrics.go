package model

import "time"

// MigrationMetrics is the current progress snapshot of a run
type MigrationMetrics struct {
	Stage               MigrationStage `json:"stage" yaml:"stage"`
	StartTime           time.Time      `json:"start_time" yaml:"start_time"`
	CurrentTime         time.Time      `json:"current_time" yaml:"current_time"`
	TablesProcessed     int            `json:"tables_processed" yaml:"tables_processed"`
	TotalTables         int            `json:"total_tables" yaml:"total_tables"`
	RecordsMigrated     int64          `json:"records_migrated" yaml:"records_migrated"`
	TotalRecords        int64          `json:"total_records" yaml:"total_records"`
	MigrationSpeed      float64        `json:"migration_speed" yaml:"migration_speed"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty" yaml:"estimated_completion,omitempty"`
	ErrorCount          int            `json:"error_count" yaml:"error_count"`
	WarningCount        int            `json:"warning_count" yaml:"warning_count"`
}

// ProgressPercentage returns records_migrated / total_records * 100, bounded to [0, 100].
// A run with no records reports 0.
func (m MigrationMetrics) ProgressPercentage() float64 {
	if m.TotalRecords <= 0 {
		return 0
	}
	pct := float64(m.RecordsMigrated) / float64(m.TotalRecords) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Elapsed returns the time between start and the last update
func (m MigrationMetrics) Elapsed() time.Duration {
	if m.StartTime.IsZero() {
		return 0
	}
	return m.CurrentTime.Sub(m.StartTime)
}

// MigrationStatus is the read-only snapshot returned to status pollers
type MigrationStatus struct {
	MigrationID       string                `json:"migration_id" yaml:"migration_id"`
	CurrentStage      MigrationStage        `json:"current_stage" yaml:"current_stage"`
	IsRunning         bool                  `json:"is_running" yaml:"is_running"`
	Metrics           *MigrationMetrics     `json:"metrics" yaml:"metrics"`
	ProgressPercent   float64               `json:"progress_percentage" yaml:"progress_percentage"`
	Checkpoints       []MigrationCheckpoint `json:"checkpoints" yaml:"checkpoints"`
	LastCheckpoint    *MigrationCheckpoint  `json:"last_checkpoint" yaml:"last_checkpoint"`
	RollbackTriggered bool                  `json:"rollback_triggered" yaml:"rollback_triggered"`
	RollbackReason    string                `json:"rollback_reason,omitempty" yaml:"rollback_reason,omitempty"`
	ShouldStop        bool                  `json:"should_stop" yaml:"should_stop"`
}
