package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/observer"
)

const storeTimeout = 5 * time.Second

// Store persists checkpoints beyond the lifetime of the process
type Store interface {
	Save(ctx context.Context, migrationID string, seq int, checkpoint model.MigrationCheckpoint) error
	List(ctx context.Context, migrationID string) ([]model.MigrationCheckpoint, error)
	Ping(ctx context.Context) error
	Close()
}

// Ledger is the append-only checkpoint history of one migration run
type Ledger struct {
	migrationID string
	store       Store
	logger      *zap.Logger
	now         func() time.Time

	mu          sync.RWMutex
	checkpoints []model.MigrationCheckpoint
	observers   []observer.CheckpointObserver
}

// NewLedger creates a ledger; store may be nil
func NewLedger(migrationID string, store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		migrationID: migrationID,
		store:       store,
		logger:      logger,
		now:         time.Now,
		checkpoints: make([]model.MigrationCheckpoint, 0),
	}
}

// SetClock replaces the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// AddObserver registers a checkpoint observer; observers are notified in registration order
func (l *Ledger) AddObserver(o observer.CheckpointObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// CreateCheckpoint appends a checkpoint and notifies observers before returning
func (l *Ledger) CreateCheckpoint(ctx context.Context, stage model.MigrationStage, status model.CheckpointStatus, results map[string]interface{}, errMsg string) model.MigrationCheckpoint {
	l.mu.Lock()
	checkpoint := model.MigrationCheckpoint{
		Stage:             stage,
		Timestamp:         l.now(),
		Status:            status,
		ValidationResults: copyResults(results),
		ErrorMessage:      errMsg,
	}
	l.checkpoints = append(l.checkpoints, checkpoint)
	seq := len(l.checkpoints)
	observers := make([]observer.CheckpointObserver, len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()

	l.logger.Info("Checkpoint recorded",
		zap.String("migration_id", l.migrationID),
		zap.String("stage", string(stage)),
		zap.String("status", string(status)),
		zap.Int("seq", seq))

	if l.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := l.store.Save(storeCtx, l.migrationID, seq, checkpoint); err != nil {
			l.logger.Error("Failed to persist checkpoint",
				zap.String("migration_id", l.migrationID),
				zap.Int("seq", seq),
				zap.Error(err))
		}
		cancel()
	}

	for _, o := range observers {
		o.OnCheckpoint(checkpoint)
	}
	return checkpoint
}

// Checkpoints returns a copy of the history
func (l *Ledger) Checkpoints() []model.MigrationCheckpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.MigrationCheckpoint, len(l.checkpoints))
	copy(out, l.checkpoints)
	return out
}

// Last returns the most recent checkpoint
func (l *Ledger) Last() (model.MigrationCheckpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.checkpoints) == 0 {
		return model.MigrationCheckpoint{}, false
	}
	return l.checkpoints[len(l.checkpoints)-1], true
}

// CountFailed returns the number of failed checkpoints recorded for a stage
func (l *Ledger) CountFailed(stage model.MigrationStage) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, c := range l.checkpoints {
		if c.Stage == stage && c.Status == model.CheckpointFailed {
			n++
		}
	}
	return n
}

// Len returns the number of checkpoints
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.checkpoints)
}

func copyResults(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
