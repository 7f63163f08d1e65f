package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for the caller.
type ErrorClass string

const (
	// ErrorClassValidation indicates a bad invocation, descriptor or input.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates an unknown execution or pipeline.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassUnauthorized indicates the caller is neither the owner nor an admin.
	ErrorClassUnauthorized ErrorClass = "unauthorized"

	// ErrorClassStateConflict indicates the execution is in the wrong
	// lifecycle state for the requested action.
	ErrorClassStateConflict ErrorClass = "state_conflict"

	// ErrorClassResource indicates a filesystem, process or database failure.
	// Details are logged; callers only get a generic message.
	ErrorClassResource ErrorClass = "resource"
)

// ErrorCode is the numeric CARMIN error code returned to API clients.
type ErrorCode int

const (
	CodeUnexpectedError                      ErrorCode = 1
	CodeInvalidModelProvided                 ErrorCode = 10
	CodeUnauthorized                         ErrorCode = 45
	CodeInvalidPath                          ErrorCode = 50
	CodePathExists                           ErrorCode = 55
	CodePathDoesNotExist                     ErrorCode = 56
	CodeExecutionIdentifierMustNotBeSet      ErrorCode = 100
	CodeExecutionNotFound                    ErrorCode = 105
	CodeInvalidInputFile                     ErrorCode = 110
	CodeInvalidPipelineIdentifier            ErrorCode = 115
	CodeInvalidQueryParameter                ErrorCode = 120
	CodeCannotModifyParameter                ErrorCode = 125
	CodeCannotReplayExecution                ErrorCode = 130
	CodeInvalidInvocation                    ErrorCode = 135
	CodeCannotKillNotRunningExecution        ErrorCode = 140
	CodeCannotKillFinishingExecution         ErrorCode = 145
	CodeCannotGetResultNotCompletedExecution ErrorCode = 150
	CodeUnsupportedDescriptorType            ErrorCode = 155
	CodeInvalidExecutionTimeout              ErrorCode = 160
)

var codeMessages = map[ErrorCode]string{
	CodeUnexpectedError:                      "An unexpected error occured. Please contact the system administrator.",
	CodeInvalidModelProvided:                 "Invalid model provided: %s",
	CodeUnauthorized:                         "Unauthorized access",
	CodeInvalidPath:                          "Invalid pathname",
	CodePathExists:                           "File/directory already exists",
	CodePathDoesNotExist:                     "File/directory does not exist",
	CodeExecutionIdentifierMustNotBeSet:      "'executionIdentifier' must not be set. It will be assigned by the system upon execution initialization.",
	CodeExecutionNotFound:                    "Execution '%s' not found.",
	CodeInvalidInputFile:                     "Input file '%s' does not exist.",
	CodeInvalidPipelineIdentifier:            "Invalid 'pipelineIdentifier'",
	CodeInvalidQueryParameter:                "Invalid value '%s' for query parameter '%s'.",
	CodeCannotModifyParameter:                "'%s' cannot be modified on an existing Execution.",
	CodeCannotReplayExecution:                "Cannot replay an execution with status '%s'.",
	CodeInvalidInvocation:                    "Invalid invocation: %s",
	CodeCannotKillNotRunningExecution:        "Cannot kill an execution with status '%s'.",
	CodeCannotKillFinishingExecution:         "Execution '%s' is finishing and cannot be killed.",
	CodeCannotGetResultNotCompletedExecution: "Cannot get the results of an execution with status '%s'.",
	CodeUnsupportedDescriptorType:            "Unsupported descriptor type '%s'.",
	CodeInvalidExecutionTimeout:              "Invalid timeout: %s",
}

// Message formats the client message of a code.
func (c ErrorCode) Message(args ...interface{}) string {
	format, ok := codeMessages[c]
	if !ok {
		format = codeMessages[CodeUnexpectedError]
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the CARMIN error code.
	Code ErrorCode `json:"errorCode"`

	// Message is the client-facing message.
	Message string `json:"errorMessage"`

	// Resource is the execution or pipeline identifier involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the facade operation that failed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error. It is never shown to clients.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s:%d] %s", e.Class, e.Code, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code ErrorCode, err error, args ...interface{}) *EngineError {
	return &EngineError{
		Class:   class,
		Code:    code,
		Message: code.Message(args...),
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(code ErrorCode, err error, args ...interface{}) *EngineError {
	return newError(ErrorClassValidation, code, err, args...)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(code ErrorCode, err error, args ...interface{}) *EngineError {
	return newError(ErrorClassNotFound, code, err, args...)
}

// NewUnauthorizedError creates a new authorization error.
func NewUnauthorizedError(err error) *EngineError {
	return newError(ErrorClassUnauthorized, CodeUnauthorized, err)
}

// NewStateConflictError creates a new state conflict error.
func NewStateConflictError(code ErrorCode, err error, args ...interface{}) *EngineError {
	return newError(ErrorClassStateConflict, code, err, args...)
}

// NewResourceError creates a new resource error carrying the generic
// unexpected-error message.
func NewResourceError(err error) *EngineError {
	return newError(ErrorClassResource, CodeUnexpectedError, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	return hasClass(err, ErrorClassNotFound)
}

// IsUnauthorized returns true if the error is classified as unauthorized.
func IsUnauthorized(err error) bool {
	return hasClass(err, ErrorClassUnauthorized)
}

// IsStateConflict returns true if the error is classified as a state conflict.
func IsStateConflict(err error) bool {
	return hasClass(err, ErrorClassStateConflict)
}

// IsResource returns true if the error is classified as a resource failure.
func IsResource(err error) bool {
	return hasClass(err, ErrorClassResource)
}

// CodeOf returns the CARMIN code of err, or CodeUnexpectedError when err is
// not an EngineError.
func CodeOf(err error) ErrorCode {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnexpectedError
}

// ClassOf returns the class of err, defaulting to resource.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassResource
}
