// Package errors provides custom error types for the sync core
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	// ErrCodeUnavailable means the coordination backend is unreachable.
	// The instance keeps working locally; no data is lost.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"

	// ErrCodeElectionTimeout means this instance lost the leader election race.
	ErrCodeElectionTimeout ErrorCode = "ELECTION_TIMEOUT"

	// ErrCodeTransferFailure means a download or upload failed mid-cycle.
	ErrCodeTransferFailure ErrorCode = "TRANSFER_FAILURE"

	// ErrCodeCorruptRemote means the downloaded authoritative copy failed
	// schema validation.
	ErrCodeCorruptRemote ErrorCode = "CORRUPT_REMOTE"

	// ErrCodeMetadataCorrupt means the local sync metadata file is unreadable.
	ErrCodeMetadataCorrupt ErrorCode = "METADATA_CORRUPT"

	// ErrCodeDuplicateRemote means racing writers produced extra copies of
	// the authoritative database in the shared store.
	ErrCodeDuplicateRemote ErrorCode = "DUPLICATE_REMOTE"

	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSync     Operation = "sync"
	OpElect    Operation = "elect"
	OpDownload Operation = "download"
	OpUpload   Operation = "upload"
	OpMerge    Operation = "merge"
	OpValidate Operation = "validate"
	OpTrack    Operation = "track"
	OpLoad     Operation = "load"
	OpClear    Operation = "clear"
	OpSave     Operation = "save"
	OpCleanup  Operation = "cleanup"
	OpRelease  Operation = "release"
	OpClose    Operation = "close"
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "oplog", "dirstore")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried on a later trigger
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewUnavailableError reports an unreachable coordination backend.
func NewUnavailableError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeUnavailable,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// NewElectionTimeoutError reports a lost leader election.
func NewElectionTimeoutError(component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeElectionTimeout,
		Op:        OpElect,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// NewTransferError reports a failed download or upload.
func NewTransferError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeTransferFailure,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// NewCorruptRemoteError reports an authoritative copy that failed validation.
func NewCorruptRemoteError(cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeCorruptRemote,
		Op:        OpValidate,
		Component: "manager",
		Err:       cause,
		Retryable: false,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// CodeOf returns the ErrorCode of err, or the empty code when err is not a
// SyncError.
func CodeOf(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}
