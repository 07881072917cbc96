// ABOUTME: Typed error kinds surfaced to RPC callers with stable codes
// ABOUTME: Maps kinds onto gRPC status codes and HTTP statuses at transport boundaries

package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is a stable, machine-readable error kind.
type Code string

const (
	// CodeInvalidRequest covers malformed params, protected-session deletion,
	// decisions that are not pending and unknown levels.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeForbidden covers nested subagent spawns, cross-agent spawns
	// without an allow-list entry and callers missing a required role.
	CodeForbidden Code = "FORBIDDEN"

	// CodeUnavailable covers run start failures, deletes blocked by a live run
	// and store I/O failures.
	CodeUnavailable Code = "UNAVAILABLE"
)

// Error is an error with a stable code and a human-readable message.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithHint returns a copy of e carrying hint.
func (e *Error) WithHint(hint string) *Error {
	c := *e
	c.Hint = hint
	return &c
}

// InvalidRequest builds a CodeInvalidRequest error.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds a CodeForbidden error.
func Forbidden(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// Unavailable builds a CodeUnavailable error.
func Unavailable(format string, args ...any) *Error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf(format, args...)}
}

// Wrap turns cause into a CodeUnavailable error with message.
// Already-typed errors are returned unchanged.
func Wrap(cause error, message string) error {
	if cause == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(cause, &apiErr) {
		return cause
	}
	return &Error{Code: CodeUnavailable, Message: message, cause: cause}
}

// As extracts the typed error from err, converting untyped errors to CodeUnavailable.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{Code: CodeUnavailable, Message: err.Error(), cause: err}
}

// CodeOf returns the code of err, or empty for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return As(err).Code
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// GRPCStatus converts err into a gRPC status error.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	apiErr := As(err)
	var c codes.Code
	switch apiErr.Code {
	case CodeInvalidRequest:
		c = codes.InvalidArgument
	case CodeForbidden:
		c = codes.PermissionDenied
	default:
		c = codes.Unavailable
	}
	return status.Error(c, apiErr.Message)
}

// FromGRPC converts a gRPC status error back into a typed error.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &Error{Code: CodeInvalidRequest, Message: st.Message()}
	case codes.PermissionDenied:
		return &Error{Code: CodeForbidden, Message: st.Message()}
	case codes.Unavailable:
		return &Error{Code: CodeUnavailable, Message: st.Message()}
	default:
		return err
	}
}
