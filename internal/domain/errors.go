// Package domain holds the shared value types and error taxonomy of the
// repository manager core.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a missing resource.
	ErrNotFound = errors.New("not found")
	// ErrRecordNotFound signals a missing record.
	ErrRecordNotFound = errors.New("record not found")
	// ErrSetNotConfigured signals an unknown setSpec.
	ErrSetNotConfigured = errors.New("set not configured")
	// ErrDuplicateSet signals a setSpec that is already configured.
	ErrDuplicateSet = errors.New("set already configured")
	// ErrProtectedSet signals an attempt to delete an internally managed set.
	ErrProtectedSet = errors.New("set is managed internally and cannot be deleted")
)

// DuplicateDirectoryError reports a directory already registered to another set.
type DuplicateDirectoryError struct {
	Directory string
	SetSpec   string // the set that already owns the directory
}

func (e *DuplicateDirectoryError) Error() string {
	return fmt.Sprintf("directory %q is already configured for set %q", e.Directory, e.SetSpec)
}

// RecordUpdateError reports a failed put/delete/reindex operation. It carries
// a human-readable message only; callers must not branch on its content.
type RecordUpdateError struct {
	msg string
	err error
}

// NewRecordUpdateError creates a RecordUpdateError with the given message.
func NewRecordUpdateError(format string, args ...any) *RecordUpdateError {
	return &RecordUpdateError{msg: fmt.Sprintf(format, args...)}
}

// WrapRecordUpdateError creates a RecordUpdateError wrapping a cause.
func WrapRecordUpdateError(err error, format string, args ...any) *RecordUpdateError {
	return &RecordUpdateError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *RecordUpdateError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *RecordUpdateError) Unwrap() error { return e.err }

// PutCollectionCode is the machine-readable failure code of PutCollection.
type PutCollectionCode string

// PutCollection failure codes.
const (
	CodeCollectionExistsInAnotherFormat PutCollectionCode = "COLLECTION_EXISTS_IN_ANOTHER_FORMAT"
	CodeBadFormatSpecifier              PutCollectionCode = "BAD_FORMAT_SPECIFIER"
	CodeBadKey                          PutCollectionCode = "BAD_KEY"
	CodeBadTitle                        PutCollectionCode = "BAD_TITLE"
	CodeBadAdditionalMetadata           PutCollectionCode = "BAD_ADDITIONAL_METADATA"
	CodeIOError                         PutCollectionCode = "IO_ERROR"
	CodeInternalError                   PutCollectionCode = "INTERNAL_ERROR"
)

// PutCollectionError reports a failed PutCollection with a structured code.
type PutCollectionError struct {
	Code PutCollectionCode
	msg  string
}

// NewPutCollectionError creates a PutCollectionError.
func NewPutCollectionError(code PutCollectionCode, format string, args ...any) *PutCollectionError {
	return &PutCollectionError{Code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *PutCollectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// OAICode is the OAI-PMH protocol error code.
type OAICode string

// OAI-PMH protocol error codes.
const (
	OAIBadArgument             OAICode = "badArgument"
	OAIBadVerb                 OAICode = "badVerb"
	OAICannotDisseminateFormat OAICode = "cannotDisseminateFormat"
	OAIIDDoesNotExist          OAICode = "idDoesNotExist"
	OAINoRecordsMatch          OAICode = "noRecordsMatch"
	OAINoSetHierarchy          OAICode = "noSetHierarchy"
	OAIBadResumptionToken      OAICode = "badResumptionToken"
)

// OAIError is a protocol-level error translated into a wire-level
// <error code=...> response by the transport layer.
type OAIError struct {
	Code OAICode
	msg  string
}

// NewOAIError creates an OAIError.
func NewOAIError(code OAICode, format string, args ...any) *OAIError {
	return &OAIError{Code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *OAIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// Message returns the human-readable part of the error.
func (e *OAIError) Message() string { return e.msg }
