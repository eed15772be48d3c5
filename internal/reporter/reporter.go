// Package reporter renders migration progress for operators.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/model"
)

// Reporter prints one progress line per metrics update and optionally
// appends each snapshot as a JSON line to a log file.
type Reporter struct {
	mu      sync.Mutex
	console io.Writer
	logFile *os.File
	logger  *zap.Logger
}

// New creates a reporter. A nil console disables console output; an empty
// logPath disables the log file.
func New(console io.Writer, logPath string, logger *zap.Logger) (*Reporter, error) {
	r := &Reporter{
		console: console,
		logger:  logger,
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open progress log %s: %w", logPath, err)
		}
		r.logFile = f
	}
	return r, nil
}

// OnProgress renders the snapshot
func (r *Reporter) OnProgress(metrics model.MigrationMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.console != nil {
		if _, err := fmt.Fprintln(r.console, FormatLine(metrics)); err != nil {
			r.logger.Warn("Failed to write progress line", zap.Error(err))
		}
	}

	if r.logFile != nil {
		data, err := json.Marshal(progressEntry{
			Timestamp:       metrics.CurrentTime,
			Stage:           metrics.Stage,
			ProgressPercent: metrics.ProgressPercentage(),
			Metrics:         metrics,
		})
		if err != nil {
			r.logger.Warn("Failed to marshal progress entry", zap.Error(err))
			return
		}
		data = append(data, '\n')
		if _, err := r.logFile.Write(data); err != nil {
			r.logger.Warn("Failed to append progress entry", zap.Error(err))
		}
	}
}

// Close flushes and closes the log file
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logFile == nil {
		return nil
	}
	err := multierr.Append(r.logFile.Sync(), r.logFile.Close())
	r.logFile = nil
	return err
}

// FormatLine renders a snapshot as a single console line
func FormatLine(m model.MigrationMetrics) string {
	line := fmt.Sprintf("stage=%s progress=%.1f%% records=%d/%d tables=%d/%d",
		m.Stage, m.ProgressPercentage(), m.RecordsMigrated, m.TotalRecords, m.TablesProcessed, m.TotalTables)
	if m.MigrationSpeed > 0 {
		line += fmt.Sprintf(" speed=%.1f/s", m.MigrationSpeed)
	}
	if m.EstimatedCompletion != nil {
		line += " eta=" + m.EstimatedCompletion.Format(time.RFC3339)
	}
	if m.ErrorCount > 0 || m.WarningCount > 0 {
		line += fmt.Sprintf(" errors=%d warnings=%d", m.ErrorCount, m.WarningCount)
	}
	return line
}

type progressEntry struct {
	Timestamp       time.Time              `json:"timestamp"`
	Stage           model.MigrationStage   `json:"stage"`
	ProgressPercent float64                `json:"progress_percent"`
	Metrics         model.MigrationMetrics `json:"metrics"`
}
