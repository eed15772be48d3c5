package model

import (
	"fmt"
	"time"
)

// CheckpointStatus represents the outcome recorded by a checkpoint
type CheckpointStatus string

const (
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointPassed     CheckpointStatus = "passed"
	CheckpointFailed     CheckpointStatus = "failed"
)

// MigrationCheckpoint is an immutable record of a stage entry or exit
type MigrationCheckpoint struct {
	Stage             MigrationStage         `json:"stage" yaml:"stage"`
	Timestamp         time.Time              `json:"timestamp" yaml:"timestamp"`
	Status            CheckpointStatus       `json:"status" yaml:"status"`
	ValidationResults map[string]interface{} `json:"validation_results" yaml:"validation_results"`
	ErrorMessage      string                 `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// ToMap converts the checkpoint into plain serializable data
func (c MigrationCheckpoint) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"stage":              string(c.Stage),
		"timestamp":          c.Timestamp.Format(time.RFC3339Nano),
		"status":             string(c.Status),
		"validation_results": copyResults(c.ValidationResults),
	}
	if c.ErrorMessage != "" {
		m["error_message"] = c.ErrorMessage
	}
	return m
}

// CheckpointFromMap rebuilds a checkpoint produced by ToMap
func CheckpointFromMap(m map[string]interface{}) (MigrationCheckpoint, error) {
	var c MigrationCheckpoint

	stageName, ok := m["stage"].(string)
	if !ok {
		return c, fmt.Errorf("checkpoint stage missing or not a string")
	}
	stage, err := ParseStage(stageName)
	if err != nil {
		return c, err
	}
	c.Stage = stage

	status, ok := m["status"].(string)
	if !ok {
		return c, fmt.Errorf("checkpoint status missing or not a string")
	}
	switch CheckpointStatus(status) {
	case CheckpointInProgress, CheckpointPassed, CheckpointFailed:
		c.Status = CheckpointStatus(status)
	default:
		return c, fmt.Errorf("unknown checkpoint status %q", status)
	}

	if ts, ok := m["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return c, fmt.Errorf("failed to parse checkpoint timestamp: %w", err)
		}
		c.Timestamp = parsed
	}

	if results, ok := m["validation_results"].(map[string]interface{}); ok {
		c.ValidationResults = copyResults(results)
	} else {
		c.ValidationResults = map[string]interface{}{}
	}

	if msg, ok := m["error_message"].(string); ok {
		c.ErrorMessage = msg
	}

	return c, nil
}

func copyResults(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
