package tracker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/observer"
)

// minElapsedForSpeed is how long a run must have been going before speed and ETA are derived
const minElapsedForSpeed = time.Second

// Option changes one field of the metrics snapshot
type Option func(*model.MigrationMetrics)

// WithStage sets the current stage
func WithStage(stage model.MigrationStage) Option {
	return func(m *model.MigrationMetrics) {
		m.Stage = stage
	}
}

// WithTotals sets the table and record totals discovered during preparation
func WithTotals(tables int, records int64) Option {
	return func(m *model.MigrationMetrics) {
		m.TotalTables = tables
		m.TotalRecords = records
	}
}

// WithRecordsMigrated sets the migrated record count; lower values are ignored
func WithRecordsMigrated(n int64) Option {
	return func(m *model.MigrationMetrics) {
		if n > m.RecordsMigrated {
			m.RecordsMigrated = n
		}
	}
}

// WithTablesProcessed sets the processed table count; lower values are ignored
func WithTablesProcessed(n int) Option {
	return func(m *model.MigrationMetrics) {
		if n > m.TablesProcessed {
			m.TablesProcessed = n
		}
	}
}

// WithErrorCount sets the error count
func WithErrorCount(n int) Option {
	return func(m *model.MigrationMetrics) {
		m.ErrorCount = n
	}
}

// AddErrors increments the error count
func AddErrors(n int) Option {
	return func(m *model.MigrationMetrics) {
		m.ErrorCount += n
	}
}

// AddWarnings increments the warning count
func AddWarnings(n int) Option {
	return func(m *model.MigrationMetrics) {
		m.WarningCount += n
	}
}

// Tracker maintains the single current metrics snapshot of a run
type Tracker struct {
	logger *zap.Logger

	mu        sync.RWMutex
	current   *model.MigrationMetrics
	observers []observer.ProgressObserver
	now       func() time.Time
}

// NewTracker creates a tracker with no snapshot yet
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// AddObserver registers a progress observer
func (t *Tracker) AddObserver(o observer.ProgressObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Update merges the supplied fields into the snapshot, creating it on first use,
// recomputes the derived fields and notifies observers with a copy.
func (t *Tracker) Update(opts ...Option) model.MigrationMetrics {
	t.mu.Lock()
	now := t.now()
	if t.current == nil {
		t.current = &model.MigrationMetrics{
			Stage:     model.StagePreparation,
			StartTime: now,
		}
	}

	next := *t.current
	for _, opt := range opts {
		opt(&next)
	}
	// Counters never move backwards, whatever the options did
	if next.RecordsMigrated < t.current.RecordsMigrated {
		next.RecordsMigrated = t.current.RecordsMigrated
	}
	if next.TablesProcessed < t.current.TablesProcessed {
		next.TablesProcessed = t.current.TablesProcessed
	}

	next.CurrentTime = now
	elapsed := now.Sub(next.StartTime)
	if elapsed >= minElapsedForSpeed {
		next.MigrationSpeed = float64(next.RecordsMigrated) / elapsed.Seconds()
		next.EstimatedCompletion = estimateCompletion(next, now)
	}

	t.current = &next
	snapshot := copyMetrics(next)
	observers := make([]observer.ProgressObserver, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, o := range observers {
		o.OnProgress(copyMetrics(snapshot))
	}
	return snapshot
}

// Snapshot returns a copy of the current metrics
func (t *Tracker) Snapshot() (model.MigrationMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return model.MigrationMetrics{}, false
	}
	return copyMetrics(*t.current), true
}

func estimateCompletion(m model.MigrationMetrics, now time.Time) *time.Time {
	remaining := m.TotalRecords - m.RecordsMigrated
	if remaining <= 0 {
		eta := now
		return &eta
	}
	if m.MigrationSpeed <= 0 {
		return nil
	}
	eta := now.Add(time.Duration(float64(remaining) / m.MigrationSpeed * float64(time.Second)))
	return &eta
}

func copyMetrics(m model.MigrationMetrics) model.MigrationMetrics {
	if m.EstimatedCompletion != nil {
		eta := *m.EstimatedCompletion
		m.EstimatedCompletion = &eta
	}
	return m
}
