package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	migerrors "github.com/devrev/pairdb/tablemover/internal/errors"
	"github.com/devrev/pairdb/tablemover/internal/model"
	"github.com/devrev/pairdb/tablemover/internal/tracker"
)

type stageResult int

const (
	stagePassed stageResult = iota
	stageFailed
	stageSkipped
)

// runStage executes one stage handler between an in_progress and a terminal
// checkpoint. A stop request observed here skips the stage without recording anything.
func (s *MigrationService) runStage(ctx context.Context, stage model.MigrationStage) stageResult {
	if s.shouldStop.Load() {
		s.logger.Info("Stop requested, not entering stage", zap.String("stage", string(stage)))
		return stageSkipped
	}

	s.mu.Lock()
	s.lastExecuted = stage
	s.executedAny = true
	s.mu.Unlock()

	s.logger.Info("Starting stage", zap.String("stage", string(stage)))
	start := s.now()
	s.ledger.CreateCheckpoint(ctx, stage, model.CheckpointInProgress, nil, "")

	results, err := s.invoke(ctx, stage)
	if results == nil {
		results = make(map[string]interface{})
	}
	results["duration_seconds"] = s.now().Sub(start).Seconds()

	if err != nil {
		var me *migerrors.MigrationError
		if errors.As(err, &me) && me.Stage == "" {
			me.WithStage(string(stage))
		}
		retryable := migerrors.IsRetryable(err)
		results["retryable"] = retryable
		s.ledger.CreateCheckpoint(ctx, stage, model.CheckpointFailed, results, err.Error())
		// Partial copies are counted per table by the data sync stage
		if migerrors.CodeOf(err) != migerrors.ErrCodePartialCopy {
			s.tracker.Update(tracker.AddErrors(1))
		}
		s.notifyError(err, stage)
		s.logger.Error("Stage failed",
			zap.String("stage", string(stage)),
			zap.String("code", migerrors.CodeOf(err).String()),
			zap.Bool("retryable", retryable),
			zap.Error(err))
		return stageFailed
	}

	s.ledger.CreateCheckpoint(ctx, stage, model.CheckpointPassed, results, "")
	s.logger.Info("Stage completed successfully",
		zap.String("stage", string(stage)),
		zap.Float64("duration_seconds", results["duration_seconds"].(float64)))
	return stagePassed
}

// invoke calls the stage handler, turning a panic into an unexpected error
func (s *MigrationService) invoke(ctx context.Context, stage model.MigrationStage) (results map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in stage handler",
				zap.String("stage", string(stage)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = migerrors.Unexpected(fmt.Sprintf("panic in stage %s: %v", stage, r), nil)
		}
	}()

	handler, ok := s.handlers[stage]
	if !ok || handler == nil {
		return nil, migerrors.Unexpected(fmt.Sprintf("no handler for stage %s", stage), nil)
	}
	return handler(ctx)
}
