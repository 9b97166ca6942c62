package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ServiceError is the base error type for failures raised by model backends.
type ServiceError struct {
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// ConnectionError indicates the backend could not be reached at all.
type ConnectionError struct{ ServiceError }

// TimeoutError indicates the backend did not answer within the deadline.
type TimeoutError struct{ ServiceError }

// UpstreamError indicates the backend answered with an error status.
type UpstreamError struct {
	ServiceError
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s (status=%d)", e.ServiceError.Error(), e.StatusCode)
}

// NewConnectionError wraps a transport failure.
func NewConnectionError(msg string, cause error) *ConnectionError {
	return &ConnectionError{ServiceError{Message: msg, Cause: cause}}
}

// NewTimeoutError wraps a deadline failure.
func NewTimeoutError(msg string, cause error) *TimeoutError {
	return &TimeoutError{ServiceError{Message: msg, Cause: cause}}
}

// NewUpstreamError wraps a non-success status answered by the service.
func NewUpstreamError(msg string, statusCode int, cause error) *UpstreamError {
	return &UpstreamError{ServiceError: ServiceError{Message: msg, Cause: cause}, StatusCode: statusCode}
}

// IsUnavailable reports whether err belongs to the service-unavailable
// condition: connection failures, timeouts, and retryable upstream statuses
// (429 and 5xx) all fold into it. The kernel reacts to any of these by
// suspending the affected unit and re-polling the availability signal instead
// of surfacing a fatal error.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var toErr *TimeoutError
	if errors.As(err, &toErr) {
		return true
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode == 408 || upErr.StatusCode == 429 || upErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// ClassifyStatus maps an HTTP status code answered by a backend into the
// kernel's taxonomy: nil for success codes, UpstreamError otherwise.
func ClassifyStatus(provider string, statusCode int, cause error) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	return NewUpstreamError(fmt.Sprintf("%s upstream error", provider), statusCode, cause)
}
