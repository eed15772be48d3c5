package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/config"
	"github.com/devrev/pairdb/tablemover/internal/cutover"
	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/ledger"
	"github.com/devrev/pairdb/tablemover/internal/migrator"
	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/observer"
	"github.com/devrev/pairdb/tablemover/internal/rollback"
	"github.com/devrev/pairdb/tablemover/internal/tracker"
)

// ErrAlreadyStarted is returned when ExecuteMigration is called twice on one service.
// A service instance drives exactly one run; construct a new one to retry.
var ErrAlreadyStarted = errors.New("migration already started on this service instance")

// TableMigrator is the per-table work the stages delegate to
type TableMigrator interface {
	Connect(ctx context.Context) error
	ListTables(ctx context.Context) ([]string, error)
	CountSourceRows(ctx context.Context, table string) (int64, error)
	GetTableSchema(ctx context.Context, table string) ([]model.ColumnDescriptor, error)
	CreateTargetTable(ctx context.Context, table string, columns []model.ColumnDescriptor) error
	MigrateTableData(ctx context.Context, table string, batchSize int, progress migrator.ProgressFunc) model.MigrationProgress
	ValidateMigration(ctx context.Context, table string) (model.ValidationResult, error)
	SyncMissingRecords(ctx context.Context, table string) (model.SyncResult, error)
	ReconcileTable(ctx context.Context, table string) (model.SyncResult, error)
	RollbackTables() []string
	RollbackTable(ctx context.Context, table string) error
}

// RollbackExecutor reverses a failed run
type RollbackExecutor interface {
	ExecuteRollback(ctx context.Context, stage model.MigrationStage) (bool, error)
}

// StageHandler performs the work of one stage. The returned results are recorded on
// the stage's terminal checkpoint; a non-nil error fails the stage.
type StageHandler func(ctx context.Context) (map[string]interface{}, error)

// Option configures a MigrationService
type Option func(*MigrationService)

// WithMigrationID sets the run identifier instead of generating one
func WithMigrationID(id string) Option {
	return func(s *MigrationService) {
		s.migrationID = id
	}
}

// WithCheckpointStore mirrors checkpoints to a durable store
func WithCheckpointStore(store ledger.Store) Option {
	return func(s *MigrationService) {
		s.store = store
	}
}

// WithRollbackExecutor replaces the default rollback executor
func WithRollbackExecutor(rb RollbackExecutor) Option {
	return func(s *MigrationService) {
		s.rollback = rb
	}
}

// WithClock replaces the time source of the service, its ledger and tracker
func WithClock(now func() time.Time) Option {
	return func(s *MigrationService) {
		s.now = now
	}
}

// MigrationService drives the staged migration of every selected table from
// the source to the target database.
type MigrationService struct {
	migrationID string
	cfg         config.MigrationConfig
	tables      TableMigrator
	traffic     cutover.Switch
	store       ledger.Store
	ledger      *ledger.Ledger
	tracker     *tracker.Tracker
	rollback    RollbackExecutor
	handlers    map[model.MigrationStage]StageHandler
	now         func() time.Time
	logger      *zap.Logger

	started           atomic.Bool
	isRunning         atomic.Bool
	shouldStop        atomic.Bool
	rollbackTriggered atomic.Bool
	rollbackOnce      sync.Once

	mu             sync.RWMutex
	currentStage   model.MigrationStage
	lastExecuted   model.MigrationStage
	executedAny    bool
	rollbackReason string
	selected       []string
	fingerprints   map[string]string
	errorObservers []observer.ErrorObserver
}

// NewMigrationService creates a migration service for one run
func NewMigrationService(
	cfg config.MigrationConfig,
	tables TableMigrator,
	traffic cutover.Switch,
	logger *zap.Logger,
	opts ...Option,
) *MigrationService {
	s := &MigrationService{
		cfg:          cfg.WithDefaults(),
		tables:       tables,
		traffic:      traffic,
		now:          time.Now,
		logger:       logger,
		currentStage: model.StagePreparation,
		fingerprints: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.migrationID == "" {
		s.migrationID = uuid.New().String()
	}
	if s.traffic == nil {
		s.traffic = cutover.NewNoopSwitch(logger)
	}
	s.logger = logger.With(zap.String("migration_id", s.migrationID))

	s.ledger = ledger.NewLedger(s.migrationID, s.store, s.logger)
	s.ledger.SetClock(s.now)
	s.tracker = tracker.NewTracker(s.logger)
	s.tracker.SetClock(s.now)
	if s.rollback == nil {
		s.rollback = rollback.NewExecutor(tables, s.ledger, s.traffic, s.logger)
	}

	s.handlers = map[model.MigrationStage]StageHandler{
		model.StagePreparation:           s.stagePreparation,
		model.StageSchemaSync:            s.stageSchemaSync,
		model.StageInitialDataSync:       s.stageInitialDataSync,
		model.StageValidation:            s.stageValidation,
		model.StageCutoverPreparation:    s.stageCutoverPreparation,
		model.StageCutover:               s.stageCutover,
		model.StagePostCutoverValidation: s.stagePostCutoverValidation,
		model.StageCleanup:               s.stageCleanup,
	}
	return s
}

// MigrationID returns the run identifier
func (s *MigrationService) MigrationID() string {
	return s.migrationID
}

// AddProgressObserver registers an observer for metrics snapshots
func (s *MigrationService) AddProgressObserver(o observer.ProgressObserver) {
	s.tracker.AddObserver(o)
}

// AddCheckpointObserver registers an observer for checkpoints
func (s *MigrationService) AddCheckpointObserver(o observer.CheckpointObserver) {
	s.ledger.AddObserver(o)
}

// AddErrorObserver registers an observer for stage failures
func (s *MigrationService) AddErrorObserver(o observer.ErrorObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorObservers = append(s.errorObservers, o)
}

// ExecuteMigration runs the stages in order and blocks until the run ends.
// It returns true only when the run reached the completed stage. Expected
// failures are reported through the return value and the checkpoint history;
// the error is reserved for a second call and for a rollback that itself failed.
func (s *MigrationService) ExecuteMigration(ctx context.Context) (bool, error) {
	if !s.started.CompareAndSwap(false, true) {
		return false, ErrAlreadyStarted
	}
	s.isRunning.Store(true)
	defer s.isRunning.Store(false)

	s.logger.Info("Starting migration")
	s.tracker.Update(tracker.WithStage(model.StagePreparation))

	for _, stage := range model.ForwardStages() {
		if ctx.Err() != nil {
			s.shouldStop.Store(true)
		}
		if s.shouldStop.Load() {
			if s.rollbackTriggered.Load() {
				return s.fail(ctx, s.rollbackReasonOrDefault("rollback requested"))
			}
			s.stopped(stage)
			return false, nil
		}

		switch s.runStage(ctx, stage) {
		case stageSkipped:
			s.stopped(stage)
			return false, nil
		case stageFailed:
			return s.fail(ctx, fmt.Sprintf("stage %s failed", stage))
		}

		next := stage.Next()
		s.setStage(next)
		s.tracker.Update(tracker.WithStage(next))

		if s.CheckRollbackTriggers() {
			return s.fail(ctx, s.rollbackReasonOrDefault("rollback triggered"))
		}
	}

	completed := s.CurrentStage() == model.StageCompleted
	if completed {
		m, _ := s.tracker.Snapshot()
		s.logger.Info("Migration completed successfully",
			zap.Int("tables", m.TablesProcessed),
			zap.Int64("records", m.RecordsMigrated),
			zap.Duration("elapsed", m.Elapsed()))
	}
	return completed, nil
}

// fail moves the run to the failed stage and runs the rollback exactly once
func (s *MigrationService) fail(ctx context.Context, reason string) (bool, error) {
	s.setStage(model.StageFailed)
	s.tracker.Update(tracker.WithStage(model.StageFailed))

	s.mu.RLock()
	stage, executed := s.lastExecuted, s.executedAny
	s.mu.RUnlock()

	s.logger.Error("Migration failed",
		zap.String("reason", reason),
		zap.String("last_stage", string(stage)))

	if !executed {
		return false, nil
	}

	var rbErr error
	s.rollbackOnce.Do(func() {
		// Rollback must run even when the run's context is already cancelled
		_, rbErr = s.rollback.ExecuteRollback(context.WithoutCancel(ctx), stage)
	})
	if rbErr != nil {
		s.notifyError(rbErr, stage)
		return false, rbErr
	}
	return false, nil
}

// stopped reports a run that ended on a stop request before entering stage
func (s *MigrationService) stopped(stage model.MigrationStage) {
	s.logger.Warn("Migration stopped before stage",
		zap.String("stage", string(stage)))
	s.notifyError(migerrors.Stopped(string(stage)), stage)
}

// StopMigration asks the run to stop at the next stage boundary
func (s *MigrationService) StopMigration() {
	s.shouldStop.Store(true)
	s.logger.Info("Migration stop requested")
}

// TriggerRollback stops the run and rolls it back at the next stage boundary
func (s *MigrationService) TriggerRollback(reason string) {
	s.mu.Lock()
	if s.rollbackReason == "" {
		s.rollbackReason = reason
	}
	s.mu.Unlock()

	s.rollbackTriggered.Store(true)
	s.shouldStop.Store(true)
	s.logger.Warn("Rollback triggered", zap.String("reason", reason))
}

// CheckRollbackTriggers evaluates the automatic rollback conditions and latches
// the rollback flag when any holds. Once triggered it stays triggered.
func (s *MigrationService) CheckRollbackTriggers() bool {
	if s.rollbackTriggered.Load() {
		return true
	}

	if m, ok := s.tracker.Snapshot(); ok {
		if m.ErrorCount >= s.cfg.ErrorThreshold {
			s.TriggerRollback(fmt.Sprintf("error count %d reached threshold %d", m.ErrorCount, s.cfg.ErrorThreshold))
			return true
		}
		if elapsed := s.now().Sub(m.StartTime); elapsed >= s.cfg.MaxDuration {
			s.TriggerRollback(fmt.Sprintf("run time %s exceeded %s", elapsed.Round(time.Second), s.cfg.MaxDuration))
			return true
		}
	}

	if failed := s.ledger.CountFailed(model.StageValidation); failed >= s.cfg.ValidationFailureLimit {
		s.TriggerRollback(fmt.Sprintf("%d failed validation checkpoints", failed))
		return true
	}
	return false
}

// GetMigrationStatus returns a read-only snapshot of the run
func (s *MigrationService) GetMigrationStatus() model.MigrationStatus {
	status := model.MigrationStatus{
		MigrationID:       s.migrationID,
		CurrentStage:      s.CurrentStage(),
		IsRunning:         s.isRunning.Load(),
		Checkpoints:       s.ledger.Checkpoints(),
		RollbackTriggered: s.rollbackTriggered.Load(),
		ShouldStop:        s.shouldStop.Load(),
	}

	if m, ok := s.tracker.Snapshot(); ok {
		status.Metrics = &m
		status.ProgressPercent = m.ProgressPercentage()
	}
	if last, ok := s.ledger.Last(); ok {
		status.LastCheckpoint = &last
	}

	s.mu.RLock()
	status.RollbackReason = s.rollbackReason
	s.mu.RUnlock()

	return status
}

// CurrentStage returns the current stage
func (s *MigrationService) CurrentStage() model.MigrationStage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStage
}

// Tracker returns the metrics tracker of the run
func (s *MigrationService) Tracker() *tracker.Tracker {
	return s.tracker
}

func (s *MigrationService) setStage(stage model.MigrationStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStage = stage
}

func (s *MigrationService) rollbackReasonOrDefault(fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rollbackReason != "" {
		return s.rollbackReason
	}
	return fallback
}

func (s *MigrationService) notifyError(err error, stage model.MigrationStage) {
	s.mu.RLock()
	observers := make([]observer.ErrorObserver, len(s.errorObservers))
	copy(observers, s.errorObservers)
	s.mu.RUnlock()

	for _, o := range observers {
		o.OnError(err, stage)
	}
}
