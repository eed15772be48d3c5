package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies migration failures
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Stage failures
	ErrCodeConnectivity       ErrorCode = 1000
	ErrCodeSchemaTranslation  ErrorCode = 1001
	ErrCodePartialCopy        ErrorCode = 1002
	ErrCodeValidationMismatch ErrorCode = 1003
	ErrCodeSchemaDrift        ErrorCode = 1004
	ErrCodeCutover            ErrorCode = 1005

	// Controller failures
	ErrCodeUnexpected      ErrorCode = 2000
	ErrCodeRollbackFailed  ErrorCode = 2001
	ErrCodeConfiguration   ErrorCode = 2002
	ErrCodeStopped         ErrorCode = 2003
	ErrCodeRollbackRefused ErrorCode = 2004
)

// String returns the snake_case name of the code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeConnectivity:
		return "connectivity"
	case ErrCodeSchemaTranslation:
		return "schema_translation"
	case ErrCodePartialCopy:
		return "partial_copy"
	case ErrCodeValidationMismatch:
		return "validation_mismatch"
	case ErrCodeSchemaDrift:
		return "schema_drift"
	case ErrCodeCutover:
		return "cutover"
	case ErrCodeUnexpected:
		return "unexpected"
	case ErrCodeRollbackFailed:
		return "rollback_failed"
	case ErrCodeConfiguration:
		return "configuration"
	case ErrCodeStopped:
		return "stopped"
	case ErrCodeRollbackRefused:
		return "rollback_refused"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// MigrationError represents a structured error with code and context
type MigrationError struct {
	Code    ErrorCode
	Message string
	Stage   string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *MigrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *MigrationError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a later attempt of the same operation may succeed.
// Connectivity failures are not retried within a run.
func (e *MigrationError) Retryable() bool {
	switch e.Code {
	case ErrCodePartialCopy, ErrCodeValidationMismatch:
		return true
	default:
		return false
	}
}

// NewMigrationError creates a new MigrationError
func NewMigrationError(code ErrorCode, message string, cause error) *MigrationError {
	return &MigrationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *MigrationError) WithDetail(key string, value interface{}) *MigrationError {
	e.Details[key] = value
	return e
}

// WithStage records the stage the error was raised in
func (e *MigrationError) WithStage(stage string) *MigrationError {
	e.Stage = stage
	return e
}

// CodeOf returns the code of the first MigrationError in err's chain,
// ErrCodeOK for nil and ErrCodeUnexpected for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var me *MigrationError
	if stderrors.As(err, &me) {
		return me.Code
	}
	return ErrCodeUnexpected
}

// Convenience constructors for common errors

func Connectivity(database string, cause error) *MigrationError {
	return NewMigrationError(ErrCodeConnectivity, fmt.Sprintf("cannot connect to %s database", database), cause).
		WithDetail("database", database)
}

func SchemaTranslation(table string, cause error) *MigrationError {
	return NewMigrationError(ErrCodeSchemaTranslation, fmt.Sprintf("cannot create schema for table %s", table), cause).
		WithDetail("table", table)
}

func PartialCopy(table string, migrated, total int64, cause error) *MigrationError {
	return NewMigrationError(ErrCodePartialCopy, fmt.Sprintf("table %s copied %d of %d records", table, migrated, total), cause).
		WithDetail("table", table).
		WithDetail("migrated_records", migrated).
		WithDetail("total_records", total)
}

func ValidationMismatch(table string, sourceCount, targetCount int64) *MigrationError {
	return NewMigrationError(ErrCodeValidationMismatch,
		fmt.Sprintf("table %s diverged: source=%d target=%d", table, sourceCount, targetCount), nil).
		WithDetail("table", table).
		WithDetail("source_count", sourceCount).
		WithDetail("target_count", targetCount)
}

func SchemaDrift(table string) *MigrationError {
	return NewMigrationError(ErrCodeSchemaDrift, fmt.Sprintf("schema of table %s changed since schema sync", table), nil).
		WithDetail("table", table)
}

func Cutover(action string, cause error) *MigrationError {
	return NewMigrationError(ErrCodeCutover, fmt.Sprintf("cutover %s failed", action), cause).
		WithDetail("action", action)
}

func Unexpected(message string, cause error) *MigrationError {
	return NewMigrationError(ErrCodeUnexpected, message, cause)
}

func RollbackFailed(cause error) *MigrationError {
	return NewMigrationError(ErrCodeRollbackFailed, "rollback failed", cause)
}

func RollbackRefused(reason string) *MigrationError {
	return NewMigrationError(ErrCodeRollbackRefused, "rollback refused: "+reason, nil)
}

func Stopped(stage string) *MigrationError {
	return NewMigrationError(ErrCodeStopped, fmt.Sprintf("migration stopped before stage %s", stage), nil).
		WithStage(stage)
}

// IsRetryable reports whether err is a MigrationError that a later attempt may clear
func IsRetryable(err error) bool {
	var me *MigrationError
	return stderrors.As(err, &me) && me.Retryable()
}

func Configuration(message string) *MigrationError {
	return NewMigrationError(ErrCodeConfiguration, message, nil)
}
