package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardStages_Order(t *testing.T) {
	stages := ForwardStages()
	require.Len(t, stages, 8)
	assert.Equal(t, StagePreparation, stages[0])
	assert.Equal(t, StageCleanup, stages[7])

	for i := 1; i < len(stages); i++ {
		assert.Less(t, stages[i-1].Order(), stages[i].Order())
		assert.Equal(t, stages[i], stages[i-1].Next())
	}
	assert.Equal(t, StageCompleted, StageCleanup.Next())
}

func TestMigrationStage_Terminal(t *testing.T) {
	assert.True(t, StageCompleted.IsTerminal())
	assert.True(t, StageFailed.IsTerminal())
	assert.False(t, StageCutover.IsTerminal())
	assert.Equal(t, StageFailed, StageFailed.Next())
	assert.Equal(t, StageCompleted, StageCompleted.Next())
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("post_cutover_validation")
	require.NoError(t, err)
	assert.Equal(t, StagePostCutoverValidation, s)

	_, err = ParseStage("rollback")
	assert.Error(t, err)
}

func TestProgressPercentage(t *testing.T) {
	tests := []struct {
		name     string
		migrated int64
		total    int64
		want     float64
	}{
		{name: "partial", migrated: 400, total: 1000, want: 40.0},
		{name: "empty run", migrated: 0, total: 0, want: 0},
		{name: "done", migrated: 1000, total: 1000, want: 100},
		{name: "source grew during copy", migrated: 1200, total: 1000, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := MigrationMetrics{RecordsMigrated: tt.migrated, TotalRecords: tt.total}
			assert.InDelta(t, tt.want, m.ProgressPercentage(), 0.0001)
		})
	}
}

func TestCheckpoint_MapRoundTrip(t *testing.T) {
	original := MigrationCheckpoint{
		Stage:     StageValidation,
		Timestamp: time.Date(2025, 3, 1, 12, 30, 0, 123456789, time.UTC),
		Status:    CheckpointFailed,
		ValidationResults: map[string]interface{}{
			"invalid_tables": []string{"orders"},
			"attempt":        2,
		},
		ErrorMessage: "validation failed for tables: orders",
	}

	rebuilt, err := CheckpointFromMap(original.ToMap())
	require.NoError(t, err)

	assert.Equal(t, original.Stage, rebuilt.Stage)
	assert.Equal(t, original.Status, rebuilt.Status)
	assert.Equal(t, original.ValidationResults, rebuilt.ValidationResults)
	assert.Equal(t, original.ErrorMessage, rebuilt.ErrorMessage)
	assert.True(t, original.Timestamp.Equal(rebuilt.Timestamp))
}

func TestCheckpoint_MapRoundTripWithoutError(t *testing.T) {
	original := MigrationCheckpoint{
		Stage:             StagePreparation,
		Timestamp:         time.Now().UTC(),
		Status:            CheckpointPassed,
		ValidationResults: map[string]interface{}{},
	}

	m := original.ToMap()
	_, hasError := m["error_message"]
	assert.False(t, hasError)

	rebuilt, err := CheckpointFromMap(m)
	require.NoError(t, err)
	assert.Empty(t, rebuilt.ErrorMessage)
}

func TestCheckpointFromMap_Invalid(t *testing.T) {
	_, err := CheckpointFromMap(map[string]interface{}{"stage": "validation", "status": "unknown"})
	assert.Error(t, err)

	_, err = CheckpointFromMap(map[string]interface{}{"status": "passed"})
	assert.Error(t, err)
}

func TestCheckpoint_JSON(t *testing.T) {
	c := MigrationCheckpoint{Stage: StageCutover, Status: CheckpointPassed, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":"cutover"`)
	assert.NotContains(t, string(data), "error_message")
}

func TestPrimaryKeyColumns(t *testing.T) {
	cols := []ColumnDescriptor{
		{Name: "id", PrimaryKey: true},
		{Name: "name"},
	}
	assert.Equal(t, []string{"id"}, PrimaryKeyColumns(cols))
	assert.Equal(t, []string{"id", "name"}, ColumnNames(cols))
}

func TestValidationResult_CoversSource(t *testing.T) {
	tests := []struct {
		name   string
		result ValidationResult
		want   bool
	}{
		{"identical", ValidationResult{SourceCount: 10, TargetCount: 10}, true},
		{"target has newer rows", ValidationResult{SourceCount: 10, TargetCount: 11, ExtraCount: 1}, true},
		{"target short", ValidationResult{SourceCount: 10, TargetCount: 9}, false},
		{"missing offset by extra", ValidationResult{SourceCount: 10, TargetCount: 10, MissingCount: 1, ExtraCount: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.CoversSource())
		})
	}
}
