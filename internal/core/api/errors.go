package api

import (
	"errors"
	"fmt"
)

// ErrInvalidCredentials is returned when the cloud rejects the password or
// refresh token, or when a request still fails with 401 after one refresh.
var ErrInvalidCredentials = errors.New("api: invalid credentials")

// RequestError describes a failed REST call that is not a credential problem.
// StatusCode is zero for transport-level failures.
type RequestError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api: %s %s: HTTP %d: %v", e.Method, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("api: %s %s: %v", e.Method, e.Endpoint, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// errorBody is the vendor's OAuth-style error payload.
type errorBody struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Message     string `json:"message"`
}

func (b errorBody) String() string {
	switch {
	case b.Code != "" && b.Description != "":
		return b.Code + ": " + b.Description
	case b.Message != "":
		return b.Message
	default:
		return b.Code
	}
}
