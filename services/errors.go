package services

import (
	"errors"
	"fmt"
)

// ErrorKind groups error codes by how a caller should react.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindIntegrity      ErrorKind = "integrity"
	KindPrecondition   ErrorKind = "precondition"
	KindInfrastructure ErrorKind = "infrastructure"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
)

const (
	CodeInvalidImageID       = "INVALID_IMAGE_ID"
	CodeInvalidChecksum      = "INVALID_CHECKSUM"
	CodeInvalidSize          = "INVALID_SIZE"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeOrderNotFound        = "ORDER_NOT_FOUND"
	CodeOrderMismatch        = "ORDER_MISMATCH"
	CodeImmutableField       = "IMMUTABLE_FIELD"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeChecksumMismatch     = "CHECKSUM_MISMATCH"
	CodeSizeMismatch         = "SIZE_MISMATCH"
	CodeMetadataNotUploaded  = "METADATA_NOT_UPLOADED"
	CodeBinaryNotUploaded    = "BINARY_NOT_UPLOADED"
	CodeResumeOffsetMismatch = "RESUME_OFFSET_MISMATCH"
	CodeRetryExhausted       = "RETRY_EXHAUSTED"
	CodeCancelled            = "CANCELLED"
	CodeStorageError         = "STORAGE_ERROR"
	CodeTransferInterrupted  = "TRANSFER_INTERRUPTED"
	CodeTransferInProgress   = "TRANSFER_IN_PROGRESS"
	CodeNotFound             = "NOT_FOUND"
	CodeServerImageMismatch  = "SERVER_IMAGE_MISMATCH"
	CodeInternal             = "INTERNAL_ERROR"
)

// SyncError is returned by every pipeline operation that fails for a reason
// the caller can act on.
type SyncError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, code, format string, args ...interface{}) *SyncError {
	return &SyncError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationError(code, format string, args ...interface{}) *SyncError {
	return newError(KindValidation, code, format, args...)
}

func preconditionError(code, format string, args ...interface{}) *SyncError {
	return newError(KindPrecondition, code, format, args...)
}

func integrityError(code, format string, args ...interface{}) *SyncError {
	return newError(KindIntegrity, code, format, args...)
}

func notFoundError(format string, args ...interface{}) *SyncError {
	return newError(KindNotFound, CodeNotFound, format, args...)
}

func infraError(code string, err error, format string, args ...interface{}) *SyncError {
	e := newError(KindInfrastructure, code, format, args...)
	e.Err = err
	return e
}

// AsSyncError extracts a SyncError from err, if any.
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrorCode returns the code of a SyncError, or INTERNAL_ERROR otherwise.
func ErrorCode(err error) string {
	if se, ok := AsSyncError(err); ok {
		return se.Code
	}
	return CodeInternal
}
