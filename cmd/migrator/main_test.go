package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/tablemover/internal/config"
	"github.com/devrev/pairdb/tablemover/internal/model"
)

func TestPrintStatus(t *testing.T) {
	status := model.MigrationStatus{
		MigrationID:    "m-1",
		CurrentStage:   model.StageFailed,
		RollbackReason: "error count 5 reached threshold 5",
	}

	var jsonOut bytes.Buffer
	require.NoError(t, printStatus(&jsonOut, status, "json"))
	var decoded model.MigrationStatus
	require.NoError(t, json.Unmarshal(jsonOut.Bytes(), &decoded))
	assert.Equal(t, "m-1", decoded.MigrationID)
	assert.Equal(t, model.StageFailed, decoded.CurrentStage)

	var yamlOut bytes.Buffer
	require.NoError(t, printStatus(&yamlOut, status, "yaml"))
	var fromYAML map[string]interface{}
	require.NoError(t, yaml.Unmarshal(yamlOut.Bytes(), &fromYAML))
	assert.Equal(t, "m-1", fromYAML["migration_id"])
	assert.Equal(t, "failed", fromYAML["current_stage"])
	assert.Equal(t, "error count 5 reached threshold 5", fromYAML["rollback_reason"])
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = newLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = newLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
