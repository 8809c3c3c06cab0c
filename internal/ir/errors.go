package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeValidation marks a record that failed schema or domain rules.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeIntegrity marks a malformed version vector. The entity goes to
	// manual review.
	ErrCodeIntegrity ErrorCode = "CONFLICT_INTEGRITY_VIOLATION"

	// ErrCodeTransient marks a connector failure that may succeed on retry.
	ErrCodeTransient ErrorCode = "TRANSIENT_CONNECTOR_ERROR"

	// ErrCodePersistent marks a connector failure that will not succeed on
	// retry (auth, schema rejection).
	ErrCodePersistent ErrorCode = "PERSISTENT_CONNECTOR_ERROR"

	// ErrCodeStoreCommit marks a failed state store transaction. Runs abort on it.
	ErrCodeStoreCommit ErrorCode = "STORE_COMMIT_FAILURE"

	// ErrCodeRunInProgress means another run holds one of the connector locks.
	ErrCodeRunInProgress ErrorCode = "RUN_IN_PROGRESS"

	// ErrCodeConfig marks invalid configuration or schema files.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// SyncError is the error type shared by every engine component.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	EntityID  string
	Connector string
	BatchID   string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	var ctx []string
	if e.Connector != "" {
		ctx = append(ctx, "connector="+e.Connector)
	}
	if e.EntityID != "" {
		ctx = append(ctx, "entity="+e.EntityID)
	}
	if e.BatchID != "" {
		ctx = append(ctx, "batch="+e.BatchID)
	}

	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if len(ctx) > 0 {
		msg += " (" + strings.Join(ctx, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a SyncError for a rejected record.
func NewValidationError(entityID, connector, message string) *SyncError {
	return &SyncError{Code: ErrCodeValidation, Message: message, EntityID: entityID, Connector: connector}
}

// NewIntegrityViolation creates a SyncError for a malformed version vector.
func NewIntegrityViolation(entityID, connector, message string) *SyncError {
	return &SyncError{Code: ErrCodeIntegrity, Message: message, EntityID: entityID, Connector: connector}
}

// NewTransientError wraps a retryable connector failure.
func NewTransientError(connector string, err error) *SyncError {
	return &SyncError{Code: ErrCodeTransient, Message: "connector call failed", Connector: connector, Err: err}
}

// NewPersistentError wraps a non-retryable connector failure.
func NewPersistentError(connector string, err error) *SyncError {
	return &SyncError{Code: ErrCodePersistent, Message: "connector call failed permanently", Connector: connector, Err: err}
}

// NewStoreCommitError wraps a failed state store write.
func NewStoreCommitError(batchID string, err error) *SyncError {
	return &SyncError{Code: ErrCodeStoreCommit, Message: "state store commit failed", BatchID: batchID, Err: err}
}

// NewRunInProgressError reports a connector that is locked by another run.
func NewRunInProgressError(connector string) *SyncError {
	return &SyncError{Code: ErrCodeRunInProgress, Message: "another sync run holds the connector lock", Connector: connector}
}

// NewConfigError wraps an invalid configuration.
func NewConfigError(message string, err error) *SyncError {
	return &SyncError{Code: ErrCodeConfig, Message: message, Err: err}
}

// CodeOf returns the code of the first SyncError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTransient reports whether err is a retryable connector error.
func IsTransient(err error) bool { return CodeOf(err) == ErrCodeTransient }

// IsPersistent reports whether err is a non-retryable connector error.
func IsPersistent(err error) bool { return CodeOf(err) == ErrCodePersistent }

// IsIntegrity reports whether err is a vector integrity violation.
func IsIntegrity(err error) bool { return CodeOf(err) == ErrCodeIntegrity }

// IsStoreFailure reports whether err is a state store commit failure.
func IsStoreFailure(err error) bool { return CodeOf(err) == ErrCodeStoreCommit }

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool { return CodeOf(err) == ErrCodeValidation }

// IsRunInProgress reports whether err is a lock contention error.
func IsRunInProgress(err error) bool { return CodeOf(err) == ErrCodeRunInProgress }

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return CodeOf(err) == ErrCodeConfig }
