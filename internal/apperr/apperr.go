// Package apperr defines the stable, machine-readable error codes surfaced to callers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups error codes by what the caller has to do about them.
type Kind string

const (
	// KindValidation is a caller mistake. Never retried.
	KindValidation Kind = "validation"
	// KindPrecondition means a prerequisite step is missing.
	KindPrecondition Kind = "precondition"
	// KindPortal originates from the portal UI and usually needs a human.
	KindPortal Kind = "portal"
	// KindInternal is a fault on our side.
	KindInternal Kind = "internal"
)

// Code is a stable error code.
type Code string

const (
	PlanNotFound                 Code = "plan_not_found"
	InvalidConfirmToken          Code = "invalid_confirm_token"
	RealUploadGuardrailViolation Code = "REAL_UPLOAD_GUARDRAIL_VIOLATION"
	InvalidGuardrailParams       Code = "invalid_guardrail_params"
	InvalidRequest               Code = "invalid_request"

	MissingStorageState      Code = "missing_storage_state"
	HeadfulRunNotFound       Code = "headful_run_not_found"
	RealUploaderNotRequested Code = "real_uploader_not_requested"
	RealUploaderUnavailable  Code = "real_uploader_unavailable"
	HeadfulRunAlreadyActive  Code = "headful_run_already_active"
	HeadfulActionInProgress  Code = "headful_action_in_progress"
	ExecutionInProgress      Code = "execution_in_progress"

	WrongPage           Code = "wrong_page"
	PortalUploadFailed  Code = "portal_upload_failed"
	DocumentFileMissing Code = "document_file_missing"

	Internal Code = "internal_error"
)

var kinds = map[Code]Kind{
	PlanNotFound:                 KindValidation,
	InvalidConfirmToken:          KindValidation,
	RealUploadGuardrailViolation: KindValidation,
	InvalidGuardrailParams:       KindValidation,
	InvalidRequest:               KindValidation,
	MissingStorageState:          KindPrecondition,
	HeadfulRunNotFound:           KindPrecondition,
	RealUploaderNotRequested:     KindPrecondition,
	RealUploaderUnavailable:      KindPrecondition,
	HeadfulRunAlreadyActive:      KindPrecondition,
	HeadfulActionInProgress:      KindPrecondition,
	ExecutionInProgress:          KindPrecondition,
	WrongPage:                    KindPortal,
	PortalUploadFailed:           KindPortal,
	DocumentFileMissing:          KindPrecondition,
	Internal:                     KindInternal,
}

// KindOf returns the kind a code belongs to.
func KindOf(c Code) Kind {
	if k, ok := kinds[c]; ok {
		return k
	}
	return KindInternal
}

// Error is an error with a stable code.
type Error struct {
	Code        Code
	Message     string
	Details     map[string]string
	EvidenceRef string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the kind of the error's code.
func (e *Error) Kind() Kind { return KindOf(e.Code) }

// New creates an error with a code and a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails returns the error with structured details attached.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// WithEvidence returns the error with an evidence reference attached.
func (e *Error) WithEvidence(ref string) *Error {
	e.EvidenceRef = ref
	return e
}

// As extracts an *Error from err. Errors without a code become internal errors.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(Internal, err, "internal error")
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}
