// Package errors provides the error taxonomy shared by the Flight server and client.
package errors

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error codes.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeUnimplemented  = "UNIMPLEMENTED"
	CodeSourceError    = "SOURCE_ERROR"
	CodeProtocolError  = "PROTOCOL_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeCanceled       = "CANCELED"
)

// FlightError carries a taxonomy code, a message and an optional cause.
type FlightError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *FlightError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *FlightError) Unwrap() error {
	return e.Cause
}

// Is matches any FlightError with the same code.
func (e *FlightError) Is(target error) bool {
	t, ok := target.(*FlightError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the error details.
func (e *FlightError) WithDetails(details map[string]interface{}) *FlightError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *FlightError) WithDetail(key string, value interface{}) *FlightError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound      = &FlightError{Code: CodeNotFound, Message: "not found"}
	ErrUnimplemented = &FlightError{Code: CodeUnimplemented, Message: "not implemented"}
	ErrSource        = &FlightError{Code: CodeSourceError, Message: "batch source failed"}
	ErrProtocol      = &FlightError{Code: CodeProtocolError, Message: "protocol violation"}
	ErrInternal      = &FlightError{Code: CodeInternal, Message: "internal error"}
)

// New creates a new FlightError with the given code and message.
func New(code, message string) *FlightError {
	return &FlightError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new FlightError with a formatted message.
func Newf(code, format string, args ...interface{}) *FlightError {
	return &FlightError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a FlightError.
func Wrap(err error, code, message string) *FlightError {
	if err == nil {
		return nil
	}
	return &FlightError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *FlightError {
	if err == nil {
		return nil
	}
	return &FlightError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Protocol is shorthand for a PROTOCOL_ERROR with a formatted message.
func Protocol(format string, args ...interface{}) *FlightError {
	return Newf(CodeProtocolError, format, args...)
}

func hasCode(err error, code string) bool {
	var flightErr *FlightError
	if errors.As(err, &flightErr) {
		return flightErr.Code == code
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsUnimplemented checks if an error is an unimplemented error.
func IsUnimplemented(err error) bool { return hasCode(err, CodeUnimplemented) }

// IsSourceError checks if an error came from a batch source.
func IsSourceError(err error) bool { return hasCode(err, CodeSourceError) }

// IsProtocolError checks if an error is a wire protocol violation.
func IsProtocolError(err error) bool { return hasCode(err, CodeProtocolError) }

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool { return hasCode(err, CodeInternal) }

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool { return hasCode(err, CodeInvalidRequest) }

// As returns the outermost FlightError in err's chain.
func As(err error) (*FlightError, bool) {
	var flightErr *FlightError
	if errors.As(err, &flightErr) {
		return flightErr, true
	}
	return nil, false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var flightErr *FlightError
	if errors.As(err, &flightErr) {
		return flightErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var flightErr *FlightError
	if errors.As(err, &flightErr) {
		return flightErr.Message
	}
	return err.Error()
}

var codeToGRPC = map[string]codes.Code{
	CodeNotFound:       codes.NotFound,
	CodeUnimplemented:  codes.Unimplemented,
	CodeSourceError:    codes.Unavailable,
	CodeProtocolError:  codes.DataLoss,
	CodeInternal:       codes.Internal,
	CodeInvalidRequest: codes.InvalidArgument,
	CodeCanceled:       codes.Canceled,
}

// ToStatus converts an error into a gRPC status error. Errors that already
// carry a status pass through unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var flightErr *FlightError
	if !errors.As(err, &flightErr) {
		return status.Error(codes.Internal, err.Error())
	}
	code, ok := codeToGRPC[flightErr.Code]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, flightErr.Error())
}

// FromStatus converts a gRPC status error received by a client back into
// a FlightError. Non-status errors are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var code string
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.NotFound:
		code = CodeNotFound
	case codes.Unimplemented:
		code = CodeUnimplemented
	case codes.Unavailable:
		code = CodeSourceError
	case codes.DataLoss:
		code = CodeProtocolError
	case codes.InvalidArgument:
		code = CodeInvalidRequest
	case codes.Canceled, codes.DeadlineExceeded:
		code = CodeCanceled
	default:
		code = CodeInternal
	}
	return &FlightError{Code: code, Message: st.Message(), Cause: err}
}
