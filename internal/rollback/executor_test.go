package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/cutover"
	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/ledger"
	"github.com/devrev/pairdb/tablemover/internal/model"
)

// MockTableRestorer is a mock implementation of TableRestorer
type MockTableRestorer struct {
	mock.Mock
}

func (m *MockTableRestorer) RollbackTables() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockTableRestorer) RollbackTable(ctx context.Context, table string) error {
	args := m.Called(ctx, table)
	return args.Error(0)
}

// MockSwitch is a mock implementation of cutover.Switch
type MockSwitch struct {
	mock.Mock
}

func (m *MockSwitch) Prepare(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *MockSwitch) Cutover(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *MockSwitch) Revert(ctx context.Context) error   { return m.Called(ctx).Error(0) }
func (m *MockSwitch) Finalize(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockSwitch) Applied() bool                      { return m.Called().Bool(0) }
func (m *MockSwitch) Engaged() bool                      { return m.Called().Bool(0) }

var _ cutover.Switch = (*MockSwitch)(nil)

func TestExecutor_AllTablesRolledBack(t *testing.T) {
	tables := new(MockTableRestorer)
	l := ledger.NewLedger("m-1", nil, zap.NewNop())

	tables.On("RollbackTables").Return([]string{"customers", "orders"})
	tables.On("RollbackTable", mock.Anything, "orders").Return(nil).Once()
	tables.On("RollbackTable", mock.Anything, "customers").Return(nil).Once()

	e := NewExecutor(tables, l, nil, zap.NewNop())
	ok, err := e.ExecuteRollback(context.Background(), model.StageValidation)

	require.NoError(t, err)
	assert.True(t, ok)
	tables.AssertExpectations(t)

	last, found := l.Last()
	require.True(t, found)
	assert.Equal(t, model.StageValidation, last.Stage)
	assert.Equal(t, model.CheckpointPassed, last.Status)
	assert.Equal(t, []string{"orders", "customers"}, last.ValidationResults["tables_rolled_back"])
	assert.Equal(t, 1, l.Len())
}

func TestExecutor_PartialFailure(t *testing.T) {
	tables := new(MockTableRestorer)
	l := ledger.NewLedger("m-1", nil, zap.NewNop())

	tables.On("RollbackTables").Return([]string{"customers", "orders", "products"})
	tables.On("RollbackTable", mock.Anything, "products").Return(nil)
	tables.On("RollbackTable", mock.Anything, "orders").Return(errors.New("lock wait timeout"))
	tables.On("RollbackTable", mock.Anything, "customers").Return(errors.New("connection lost"))

	e := NewExecutor(tables, l, nil, zap.NewNop())
	ok, err := e.ExecuteRollback(context.Background(), model.StageInitialDataSync)

	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, migerrors.ErrCodeRollbackFailed, migerrors.CodeOf(err))
	assert.Len(t, multierr.Errors(errors.Unwrap(err)), 2)

	// Every table was attempted despite earlier failures
	tables.AssertNumberOfCalls(t, "RollbackTable", 3)

	last, _ := l.Last()
	assert.Equal(t, model.StageInitialDataSync, last.Stage)
	assert.Equal(t, model.CheckpointFailed, last.Status)
	assert.Contains(t, last.ErrorMessage, "lock wait timeout")
	assert.Equal(t, []string{"orders", "customers"}, last.ValidationResults["tables_failed"])
}

func TestExecutor_NoCapturedTables(t *testing.T) {
	tables := new(MockTableRestorer)
	l := ledger.NewLedger("m-1", nil, zap.NewNop())
	tables.On("RollbackTables").Return([]string{})

	e := NewExecutor(tables, l, nil, zap.NewNop())
	ok, err := e.ExecuteRollback(context.Background(), model.StagePreparation)

	require.NoError(t, err)
	assert.True(t, ok)
	last, _ := l.Last()
	assert.Equal(t, model.CheckpointPassed, last.Status)
}

func TestExecutor_RevertsEngagedSwitch(t *testing.T) {
	tables := new(MockTableRestorer)
	traffic := new(MockSwitch)
	l := ledger.NewLedger("m-1", nil, zap.NewNop())

	tables.On("RollbackTables").Return([]string{"orders"})
	tables.On("RollbackTable", mock.Anything, "orders").Return(nil)
	traffic.On("Applied").Return(false)
	traffic.On("Engaged").Return(true)
	traffic.On("Revert", mock.Anything).Return(nil).Once()

	e := NewExecutor(tables, l, traffic, zap.NewNop())
	ok, err := e.ExecuteRollback(context.Background(), model.StageCutoverPreparation)

	require.NoError(t, err)
	assert.True(t, ok)
	traffic.AssertExpectations(t)

	last, _ := l.Last()
	assert.Equal(t, true, last.ValidationResults["traffic_reverted"])
}

func TestExecutor_RevertFailureFailsRollback(t *testing.T) {
	tables := new(MockTableRestorer)
	traffic := new(MockSwitch)
	l := ledger.NewLedger("m-1", nil, zap.NewNop())

	tables.On("RollbackTables").Return([]string{"orders"})
	tables.On("RollbackTable", mock.Anything, "orders").Return(nil)
	traffic.On("Applied").Return(false)
	traffic.On("Engaged").Return(true)
	traffic.On("Revert", mock.Anything).Return(errors.New("redis down"))

	e := NewExecutor(tables, l, traffic, zap.NewNop())
	ok, err := e.ExecuteRollback(context.Background(), model.StageCutover)

	assert.False(t, ok)
	require.Error(t, err)
	tables.AssertCalled(t, "RollbackTable", mock.Anything, "orders")

	last, _ := l.Last()
	assert.Equal(t, model.CheckpointFailed, last.Status)
	assert.Equal(t, false, last.ValidationResults["traffic_reverted"])
}

func TestExecutor_SkipsRevertWhenNotEngaged(t *testing.T) {
	tables := new(MockTableRestorer)
	traffic := new(MockSwitch)
	l := ledger.NewLedger("m-1", nil, zap.NewNop())

	tables.On("RollbackTables").Return([]string{})
	traffic.On("Applied").Return(false)
	traffic.On("Engaged").Return(false)

	e := NewExecutor(tables, l, traffic, zap.NewNop())
	ok, err := e.ExecuteRollback(context.Background(), model.StageSchemaSync)

	require.NoError(t, err)
	assert.True(t, ok)
	traffic.AssertNotCalled(t, "Revert", mock.Anything)
}

func TestExecutor_RefusesOnceTrafficOnTarget(t *testing.T) {
	tables := new(MockTableRestorer)
	traffic := new(MockSwitch)
	l := ledger.NewLedger("m-1", nil, zap.NewNop())

	tables.On("RollbackTables").Return([]string{"customers", "orders"})
	traffic.On("Applied").Return(true)

	e := NewExecutor(tables, l, traffic, zap.NewNop())
	ok, err := e.ExecuteRollback(context.Background(), model.StagePostCutoverValidation)

	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, migerrors.ErrCodeRollbackRefused, migerrors.CodeOf(err))
	tables.AssertNotCalled(t, "RollbackTable", mock.Anything, mock.Anything)
	traffic.AssertNotCalled(t, "Revert", mock.Anything)

	last, _ := l.Last()
	assert.Equal(t, model.StagePostCutoverValidation, last.Stage)
	assert.Equal(t, model.CheckpointFailed, last.Status)
	assert.Equal(t, []string{"customers", "orders"}, last.ValidationResults["tables_kept"])
	assert.Empty(t, last.ValidationResults["tables_rolled_back"])
}
