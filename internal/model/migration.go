package model

import (
	"fmt"
	"time"
)

// MigrationStage represents the stage of a migration run
type MigrationStage string

const (
	// StagePreparation connects both databases and sizes the run
	StagePreparation MigrationStage = "preparation"
	// StageSchemaSync creates every source table on the target
	StageSchemaSync MigrationStage = "schema_sync"
	// StageInitialDataSync bulk-copies rows table by table
	StageInitialDataSync MigrationStage = "initial_data_sync"
	// StageValidation compares source and target contents
	StageValidation MigrationStage = "validation"
	// StageCutoverPreparation re-checks invariants and freezes writes
	StageCutoverPreparation MigrationStage = "cutover_preparation"
	// StageCutover switches traffic to the target
	StageCutover MigrationStage = "cutover"
	// StagePostCutoverValidation re-validates after the switch
	StagePostCutoverValidation MigrationStage = "post_cutover_validation"
	// StageCleanup releases resources, never gates success
	StageCleanup MigrationStage = "cleanup"
	// StageCompleted is the successful terminal stage
	StageCompleted MigrationStage = "completed"
	// StageFailed is the unsuccessful terminal stage
	StageFailed MigrationStage = "failed"
)

var stageOrder = []MigrationStage{
	StagePreparation,
	StageSchemaSync,
	StageInitialDataSync,
	StageValidation,
	StageCutoverPreparation,
	StageCutover,
	StagePostCutoverValidation,
	StageCleanup,
	StageCompleted,
	StageFailed,
}

// ForwardStages returns the executable stages in run order
func ForwardStages() []MigrationStage {
	stages := make([]MigrationStage, 0, len(stageOrder)-2)
	for _, s := range stageOrder {
		if s.IsTerminal() {
			continue
		}
		stages = append(stages, s)
	}
	return stages
}

// AllStages returns every stage including the terminal ones
func AllStages() []MigrationStage {
	stages := make([]MigrationStage, len(stageOrder))
	copy(stages, stageOrder)
	return stages
}

// Order returns the position of the stage in the run. Unknown stages return -1.
func (s MigrationStage) Order() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s. Terminal stages return themselves.
func (s MigrationStage) Next() MigrationStage {
	switch s {
	case StageCompleted, StageFailed:
		return s
	case StageCleanup:
		return StageCompleted
	}
	i := s.Order()
	if i < 0 {
		return StageFailed
	}
	return stageOrder[i+1]
}

// IsTerminal reports whether no stage follows s
func (s MigrationStage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// String implements fmt.Stringer
func (s MigrationStage) String() string {
	return string(s)
}

// ParseStage converts a stage name into a MigrationStage
func ParseStage(name string) (MigrationStage, error) {
	s := MigrationStage(name)
	if s.Order() < 0 {
		return "", fmt.Errorf("unknown migration stage %q", name)
	}
	return s, nil
}

// TableStatus represents the copy status of a single table
type TableStatus string

const (
	TableStatusPending    TableStatus = "pending"
	TableStatusInProgress TableStatus = "in_progress"
	TableStatusCompleted  TableStatus = "completed"
	TableStatusFailed     TableStatus = "failed"
)

// MigrationProgress is the outcome of copying one table
type MigrationProgress struct {
	Table           string      `json:"table"`
	Status          TableStatus `json:"status"`
	MigratedRecords int64       `json:"migrated_records"`
	TotalRecords    int64       `json:"total_records"`
	DurationSeconds float64     `json:"duration_seconds"`
	Error           string      `json:"error,omitempty"`
}

// RecordCheck describes how record-level existence was verified
type RecordCheck string

const (
	// RecordCheckKeys compares primary key sets
	RecordCheckKeys RecordCheck = "keys"
	// RecordCheckCountOnly is used for tables without a single-column primary key
	RecordCheckCountOnly RecordCheck = "count_only"
)

// ValidationResult compares one table across source and target
type ValidationResult struct {
	Table          string      `json:"table"`
	IsValid        bool        `json:"is_valid"`
	SourceCount    int64       `json:"source_count"`
	TargetCount    int64       `json:"target_count"`
	MissingRecords []string    `json:"missing_records"`
	ExtraRecords   []string    `json:"extra_records"`
	MissingCount   int64       `json:"missing_count"`
	ExtraCount     int64       `json:"extra_count"`
	RecordCheck    RecordCheck `json:"record_check"`
}

// CoversSource reports whether every source record is present on the target.
// Records only the target holds are allowed; they are application writes made
// after traffic moved to the target.
func (r ValidationResult) CoversSource() bool {
	return r.MissingCount == 0 && r.TargetCount >= r.SourceCount
}

// SyncResult counts the target rows changed while bringing a table in line with the source
type SyncResult struct {
	Table    string `json:"table"`
	Inserted int64  `json:"inserted"`
	Updated  int64  `json:"updated"`
	Deleted  int64  `json:"deleted"`
	// Refreshed is set when the table has no single-column key and was copied again in full
	Refreshed bool `json:"refreshed"`
}

// Changed returns the number of target rows touched
func (r SyncResult) Changed() int64 {
	return r.Inserted + r.Updated + r.Deleted
}

// RollbackData is captured once per table before the target is modified
type RollbackData struct {
	Table         string    `json:"table"`
	TargetExisted bool      `json:"target_existed"`
	CapturedAt    time.Time `json:"captured_at"`
}

// ColumnDescriptor describes one column of a table
type ColumnDescriptor struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Nullable   bool    `json:"nullable"`
	Default    *string `json:"default,omitempty"`
	PrimaryKey bool    `json:"primary_key"`
	Position   int     `json:"position"`
}

// PrimaryKeyColumns returns the primary key columns in declaration order
func PrimaryKeyColumns(columns []ColumnDescriptor) []string {
	var keys []string
	for _, c := range columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// ColumnNames returns the column names in declaration order
func ColumnNames(columns []ColumnDescriptor) []string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	return names
}
