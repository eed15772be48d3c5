package observer

import (
	"github.com/devrev/pairdb/tablemover/internal/model"
)

// ProgressObserver receives every metrics snapshot
type ProgressObserver interface {
	OnProgress(metrics model.MigrationMetrics)
}

// CheckpointObserver receives every checkpoint as it is appended
type CheckpointObserver interface {
	OnCheckpoint(checkpoint model.MigrationCheckpoint)
}

// ErrorObserver receives stage failures
type ErrorObserver interface {
	OnError(err error, stage model.MigrationStage)
}

// ProgressObserverFunc adapts a function to ProgressObserver
type ProgressObserverFunc func(metrics model.MigrationMetrics)

// OnProgress calls f
func (f ProgressObserverFunc) OnProgress(metrics model.MigrationMetrics) {
	f(metrics)
}

// CheckpointObserverFunc adapts a function to CheckpointObserver
type CheckpointObserverFunc func(checkpoint model.MigrationCheckpoint)

// OnCheckpoint calls f
func (f CheckpointObserverFunc) OnCheckpoint(checkpoint model.MigrationCheckpoint) {
	f(checkpoint)
}

// ErrorObserverFunc adapts a function to ErrorObserver
type ErrorObserverFunc func(err error, stage model.MigrationStage)

// OnError calls f
func (f ErrorObserverFunc) OnError(err error, stage model.MigrationStage) {
	f(err, stage)
}
