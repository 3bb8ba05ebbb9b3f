// Package client is a typed Go client for the MLflow tracking REST API.
//
// It is a thin layer: one method per endpoint, request/response structs that
// mirror the wire format, and a single error type for non-2xx responses.
// Pagination, batching limits, and lifecycle helpers live in the parent
// mlflow package.
package client

import (
	"errors"
	"fmt"
)

// Error codes returned by the tracking server that callers commonly branch on.
const (
	CodeResourceDoesNotExist  = "RESOURCE_DOES_NOT_EXIST"
	CodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	CodeInvalidParameterValue = "INVALID_PARAMETER_VALUE"
)

// Error represents an error from the MLflow API with the HTTP status code
// and the server's error_code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mlflow: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsResourceDoesNotExist reports whether err is an API error with code
// RESOURCE_DOES_NOT_EXIST. The high-level handles use it to turn lookups of
// missing experiments and runs into nil results.
func IsResourceDoesNotExist(err error) bool {
	return hasCode(err, CodeResourceDoesNotExist)
}

// IsResourceAlreadyExists reports whether err is an API error with code
// RESOURCE_ALREADY_EXISTS.
func IsResourceAlreadyExists(err error) bool {
	return hasCode(err, CodeResourceAlreadyExists)
}

// IsInvalidParameter reports whether err is an API error with code
// INVALID_PARAMETER_VALUE.
func IsInvalidParameter(err error) bool {
	return hasCode(err, CodeInvalidParameterValue)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
