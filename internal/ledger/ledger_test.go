package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/observer"
)

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Save(ctx context.Context, migrationID string, seq int, checkpoint model.MigrationCheckpoint) error {
	args := m.Called(ctx, migrationID, seq, checkpoint)
	return args.Error(0)
}

func (m *MockStore) List(ctx context.Context, migrationID string) ([]model.MigrationCheckpoint, error) {
	args := m.Called(ctx, migrationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.MigrationCheckpoint), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Close() {
	m.Called()
}

func TestLedger_AppendsInOrder(t *testing.T) {
	l := NewLedger("m-1", nil, zap.NewNop())
	ctx := context.Background()

	l.CreateCheckpoint(ctx, model.StagePreparation, model.CheckpointInProgress, nil, "")
	l.CreateCheckpoint(ctx, model.StagePreparation, model.CheckpointPassed, map[string]interface{}{"tables": 3}, "")
	l.CreateCheckpoint(ctx, model.StageSchemaSync, model.CheckpointInProgress, nil, "")
	l.CreateCheckpoint(ctx, model.StageSchemaSync, model.CheckpointFailed, nil, "boom")

	checkpoints := l.Checkpoints()
	require.Len(t, checkpoints, 4)
	for i := 1; i < len(checkpoints); i++ {
		assert.GreaterOrEqual(t, checkpoints[i].Stage.Order(), checkpoints[i-1].Stage.Order())
	}
	assert.Equal(t, 3, checkpoints[1].ValidationResults["tables"])
	assert.Equal(t, "boom", checkpoints[3].ErrorMessage)

	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, model.CheckpointFailed, last.Status)
	assert.Equal(t, 4, l.Len())
}

func TestLedger_EmptyLast(t *testing.T) {
	l := NewLedger("m-1", nil, zap.NewNop())
	_, ok := l.Last()
	assert.False(t, ok)
	assert.Empty(t, l.Checkpoints())
}

func TestLedger_CheckpointsAreCopies(t *testing.T) {
	l := NewLedger("m-1", nil, zap.NewNop())
	results := map[string]interface{}{"rows": 10}
	l.CreateCheckpoint(context.Background(), model.StageValidation, model.CheckpointPassed, results, "")

	// Mutating the caller's map or a returned slice does not change history
	results["rows"] = 99
	got := l.Checkpoints()
	got[0].Status = model.CheckpointFailed

	again := l.Checkpoints()
	assert.Equal(t, 10, again[0].ValidationResults["rows"])
	assert.Equal(t, model.CheckpointPassed, again[0].Status)
}

func TestLedger_ObserversInRegistrationOrder(t *testing.T) {
	l := NewLedger("m-1", nil, zap.NewNop())

	var order []string
	l.AddObserver(observer.CheckpointObserverFunc(func(c model.MigrationCheckpoint) {
		order = append(order, "first:"+string(c.Status))
	}))
	l.AddObserver(observer.CheckpointObserverFunc(func(c model.MigrationCheckpoint) {
		order = append(order, "second:"+string(c.Status))
	}))

	l.CreateCheckpoint(context.Background(), model.StageCutover, model.CheckpointInProgress, nil, "")
	l.CreateCheckpoint(context.Background(), model.StageCutover, model.CheckpointPassed, nil, "")

	assert.Equal(t, []string{
		"first:in_progress", "second:in_progress",
		"first:passed", "second:passed",
	}, order)
}

func TestLedger_CountFailed(t *testing.T) {
	l := NewLedger("m-1", nil, zap.NewNop())
	ctx := context.Background()

	l.CreateCheckpoint(ctx, model.StageValidation, model.CheckpointFailed, nil, "mismatch")
	l.CreateCheckpoint(ctx, model.StageValidation, model.CheckpointPassed, nil, "")
	l.CreateCheckpoint(ctx, model.StageValidation, model.CheckpointFailed, nil, "mismatch")
	l.CreateCheckpoint(ctx, model.StageCutover, model.CheckpointFailed, nil, "switch")

	assert.Equal(t, 2, l.CountFailed(model.StageValidation))
	assert.Equal(t, 1, l.CountFailed(model.StageCutover))
	assert.Equal(t, 0, l.CountFailed(model.StageCleanup))
}

func TestLedger_MirrorsToStore(t *testing.T) {
	store := new(MockStore)
	l := NewLedger("m-42", store, zap.NewNop())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return fixed })

	store.On("Save", mock.Anything, "m-42", 1, mock.MatchedBy(func(c model.MigrationCheckpoint) bool {
		return c.Stage == model.StagePreparation && c.Timestamp.Equal(fixed)
	})).Return(nil).Once()
	store.On("Save", mock.Anything, "m-42", 2, mock.Anything).Return(errors.New("connection reset")).Once()

	l.CreateCheckpoint(context.Background(), model.StagePreparation, model.CheckpointInProgress, nil, "")
	// A store failure does not lose the in-memory checkpoint
	cp := l.CreateCheckpoint(context.Background(), model.StagePreparation, model.CheckpointPassed, nil, "")

	assert.Equal(t, model.CheckpointPassed, cp.Status)
	assert.Equal(t, 2, l.Len())
	store.AssertExpectations(t)
}

func TestLedger_ConcurrentReaders(t *testing.T) {
	l := NewLedger("m-1", nil, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Checkpoints()
				l.CountFailed(model.StageValidation)
			}
		}()
	}
	for i := 0; i < 100; i++ {
		l.CreateCheckpoint(ctx, model.StageValidation, model.CheckpointFailed, nil, "x")
	}
	wg.Wait()

	assert.Equal(t, 100, l.CountFailed(model.StageValidation))
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv("MIGRATOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MIGRATOR_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn, 2, 1, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.Ping(ctx))

	migrationID := uuid.New().String()
	l := NewLedger(migrationID, store, zap.NewNop())
	l.CreateCheckpoint(ctx, model.StagePreparation, model.CheckpointInProgress, nil, "")
	l.CreateCheckpoint(ctx, model.StagePreparation, model.CheckpointFailed, map[string]interface{}{"table": "orders"}, "cannot connect")

	stored, err := store.List(ctx, migrationID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, model.StagePreparation, stored[1].Stage)
	assert.Equal(t, model.CheckpointFailed, stored[1].Status)
	assert.Equal(t, "orders", stored[1].ValidationResults["table"])
	assert.Equal(t, "cannot connect", stored[1].ErrorMessage)
}
