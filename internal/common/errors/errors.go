// Package errors provides custom error types for the task hub.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// Reason codes surfaced to callers alongside HTTP status.
const (
	ReasonInvalidTaskTemplate     = "invalid_task_template"
	ReasonInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	ReasonACLDenied               = "acl_denied"
	ReasonAgentQuotaExceeded      = "AGENT_QUOTA_EXCEEDED"
	ReasonDepFailed               = "dep_failed"
	ReasonDependencyFailed        = "DEPENDENCY_FAILED"
	ReasonSignatureMissing        = "ARTIFACT_SIGNATURE_MISSING"
	ReasonSignatureAlgorithm      = "ARTIFACT_SIGNATURE_ALGORITHM_INVALID"
	ReasonSignatureExpired        = "ARTIFACT_SIGNATURE_EXPIRED"
	ReasonSignatureInvalid        = "ARTIFACT_SIGNATURE_INVALID"
	ReasonMissingRequiredField    = "MISSING_REQUIRED_FIELD"
	ReasonInvalidFieldOrder       = "INVALID_FIELD_ORDER"
	ReasonInvalidFieldFormat      = "INVALID_FIELD_FORMAT"
	ReasonInvalidStatus           = "INVALID_STATUS"
	ReasonInvalidUUID             = "INVALID_UUID"
	ReasonInvalidSHA256           = "INVALID_SHA256"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	ReasonCode string `json:"reason_code,omitempty"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithReason attaches a reason code and returns the error for chaining.
func (e *AppError) WithReason(reason string) *AppError {
	e.ReasonCode = reason
	return e
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Forbidden creates a new forbidden error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrCodeForbidden,
		ReasonCode: ReasonACLDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error. Conflicts surface as 500 because the
// caller may retry after the local idempotency re-read fallback fails.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// QuotaExceeded creates the error returned when no agent can accept a task.
func QuotaExceeded(ownerRole string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		ReasonCode: ReasonAgentQuotaExceeded,
		Message:    fmt.Sprintf("no eligible agent with free capacity for owner_role '%s'", ownerRole),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidTransition creates the error returned on a disallowed state change.
func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		ReasonCode: ReasonInvalidStatusTransition,
		Message:    fmt.Sprintf("invalid status transition %s -> %s", from, to),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ArtifactError creates a 400 error carrying an artifact validation reason code.
func ArtifactError(reason, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		ReasonCode: reason,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			ReasonCode: appErr.ReasonCode,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConflict
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetReasonCode returns the reason code carried by an error, if any.
func GetReasonCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ReasonCode
	}
	return ""
}
