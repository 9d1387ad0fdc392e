// Package apiframework defines the error taxonomy surfaced by the chat
// client. Every failure leaving the sync layer is classified into one of
// these categories so callers can branch on errors.Is without inspecting
// transport details.
package apiframework

import (
	"errors"
	"fmt"
)

// Standard error constants
var (
	// ErrUnauthenticated covers 401 and 403 responses. The session is
	// invalid and the user must log in again.
	ErrUnauthenticated = errors.New("chatops: unauthenticated")
	// ErrNetworkFailure covers transport-level failures where no response
	// was received.
	ErrNetworkFailure = errors.New("chatops: network failure")
	// ErrTimeout covers requests that exceeded their deadline.
	ErrTimeout = errors.New("chatops: request timed out")
	// ErrServerError covers 5xx and otherwise unexpected status codes.
	ErrServerError = errors.New("chatops: server error")
	// ErrDecodeFailure covers response bodies that could not be parsed.
	ErrDecodeFailure = errors.New("chatops: response decode failure")
	// ErrValidationFailure covers invalid input rejected before any
	// request is made.
	ErrValidationFailure = errors.New("chatops: validation failure")
	// ErrConnectionError covers failures of the realtime channel.
	ErrConnectionError = errors.New("chatops: realtime connection error")
)

// ErrorType/ErrorCode mappings for the standard errors
var errorMappings = map[error]struct {
	errorType string
	errorCode string
}{
	ErrUnauthenticated:   {"authentication_error", "unauthenticated"},
	ErrNetworkFailure:    {"network_error", "network_failure"},
	ErrTimeout:           {"network_error", "timeout"},
	ErrServerError:       {"api_error", "server_error"},
	ErrDecodeFailure:     {"api_error", "decode_failure"},
	ErrValidationFailure: {"invalid_request_error", "validation_failure"},
	ErrConnectionError:   {"realtime_error", "connection_error"},
}

func getErrorMapping(err error) (string, string) {
	for standardErr, mapping := range errorMappings {
		if errors.Is(err, standardErr) {
			return mapping.errorType, mapping.errorCode
		}
	}
	return "", ""
}

// APIError is a classified failure with enough context for logs and for
// user-facing messages. It unwraps to one of the standard error constants.
type APIError struct {
	err       error
	message   string
	param     string
	errorType string
	errorCode string
	status    int
}

func (e *APIError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("%s (status %d)", e.message, e.status)
	}
	return e.message
}

func (e *APIError) Unwrap() error { return e.err }

// Status returns the HTTP status code that produced the error, or 0 when
// no response was involved.
func (e *APIError) Status() int { return e.status }

// Param names the request field that failed validation, if any.
func (e *APIError) Param() string { return e.param }

func (e *APIError) ErrorType() string { return e.errorType }
func (e *APIError) ErrorCode() string { return e.errorCode }

// NewAPIError creates an APIError wrapping one of the standard error
// constants. If message is empty, it falls back to the underlying error's
// message.
func NewAPIError(err error, message, param string) *APIError {
	errorType, errorCode := getErrorMapping(err)
	if message == "" {
		message = err.Error()
	}
	return &APIError{
		err:       err,
		message:   message,
		param:     param,
		errorType: errorType,
		errorCode: errorCode,
	}
}

// Specific error constructors

func Unauthenticated(message ...string) *APIError {
	msg := "Session is not authenticated"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	return NewAPIError(ErrUnauthenticated, msg, "")
}

func NetworkFailure(cause error) *APIError {
	apiErr := NewAPIError(ErrNetworkFailure, "Network request failed", "")
	if cause != nil {
		apiErr.message = fmt.Sprintf("Network request failed: %v", cause)
	}
	return apiErr
}

func Timeout(message ...string) *APIError {
	msg := "Request timed out"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	return NewAPIError(ErrTimeout, msg, "")
}

func ServerError(status int, message ...string) *APIError {
	msg := "Server returned an error"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	apiErr := NewAPIError(ErrServerError, msg, "")
	apiErr.status = status
	return apiErr
}

func DecodeFailure(cause error) *APIError {
	apiErr := NewAPIError(ErrDecodeFailure, "Failed to decode server response", "")
	if cause != nil {
		apiErr.message = fmt.Sprintf("Failed to decode server response: %v", cause)
	}
	return apiErr
}

func ValidationFailure(param string, message ...string) *APIError {
	msg := "Invalid parameter value"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	return NewAPIError(ErrValidationFailure, msg, param)
}

func ConnectionError(message ...string) *APIError {
	msg := "Realtime connection failed"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	return NewAPIError(ErrConnectionError, msg, "")
}
