// Package errors provides custom error types and error handling utilities.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	// Client errors (4xx).
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInvalidRequest = "INVALID_REQUEST"

	// Server errors (5xx).
	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
	CodePrediction  = "PREDICTION_ERROR"
	CodeEvaluation  = "EVALUATION_ERROR"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for this error.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors.

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// PredictionError creates a prediction failure. The message is shown to
// clients verbatim.
func PredictionError(message string, err error) *AppError {
	return Wrap(CodePrediction, message, err)
}

// EvaluationError creates an evaluation failure.
func EvaluationError(message string, err error) *AppError {
	return Wrap(CodeEvaluation, message, err)
}

// InvalidRequestError creates an invalid request error.
func InvalidRequestError(message string) *AppError {
	return New(CodeInvalidRequest, message)
}

// RateLimitedError creates a rate limited error with retry information.
func RateLimitedError(retryAfterSeconds int) *AppError {
	err := New(CodeRateLimited, "rate limit exceeded")
	if retryAfterSeconds > 0 {
		err = err.WithDetail("retry_after", fmt.Sprintf("%d", retryAfterSeconds))
	}
	return err
}

// As returns the first *AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ErrorResponse is the standard JSON error response structure.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON error response to the ResponseWriter.
// This is the low-level function used by WriteError.
func WriteJSON(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Ignore encoding errors - headers already sent
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteError writes an error response with proper sanitization.
// If err is an *AppError, it uses the code and status from the error.
// For other errors, it sanitizes the message to prevent leaking internal details.
func WriteError(w http.ResponseWriter, err error) {
	if appErr, ok := As(err); ok {
		WriteJSON(w, appErr.HTTPStatus(), ErrorResponse{
			Error:   appErr.Message,
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		})
		return
	}

	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal server error",
		Code:    CodeInternal,
		Message: "An unexpected error occurred",
	})
}

// WriteErrorWithStatus writes an error with a specific HTTP status code.
// The error message is sanitized based on the status code:
// - 4xx errors: message is shown to client
// - 5xx errors: message is sanitized (internal details hidden)
func WriteErrorWithStatus(w http.ResponseWriter, status int, err error) {
	if appErr, ok := As(err); ok {
		WriteJSON(w, status, ErrorResponse{
			Error:   appErr.Message,
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		})
		return
	}

	if status >= 400 && status < 500 {
		WriteJSON(w, status, ErrorResponse{
			Error:   err.Error(),
			Code:    codeForStatus(status),
			Message: err.Error(),
		})
		return
	}

	WriteJSON(w, status, ErrorResponse{
		Error:   "internal server error",
		Code:    CodeInternal,
		Message: "An unexpected error occurred",
	})
}

// codeForStatus returns an error code for common HTTP status codes.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidRequest
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	case http.StatusGatewayTimeout:
		return CodeTimeout
	default:
		return CodeInternal
	}
}
