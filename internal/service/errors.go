package service

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodePreconditionFailed ErrorCode = "PRECONDITION_FAILED"
	CodeInsufficientStock  ErrorCode = "INSUFFICIENT_STOCK"
	CodeDuplicatePayment   ErrorCode = "DUPLICATE_PAYMENT"
	CodeAmountMismatch     ErrorCode = "AMOUNT_MISMATCH"
	CodeGatewayError       ErrorCode = "GATEWAY_ERROR"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure of an order operation.
// A failed operation never leaves a partial mutation behind.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the same request may succeed later
func (e *Error) Retryable() bool {
	return e.Code == CodeGatewayError || e.Code == CodeConflict
}

// HTTPStatus maps the error code to a response status
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePreconditionFailed, CodeInsufficientStock, CodeDuplicatePayment, CodeConflict:
		return http.StatusConflict
	case CodeAmountMismatch:
		return http.StatusUnprocessableEntity
	case CodeGatewayError:
		return http.StatusBadGateway
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

func preconditionFailed(format string, args ...interface{}) *Error {
	return newError(CodePreconditionFailed, fmt.Sprintf(format, args...))
}

func invalidArgument(format string, args ...interface{}) *Error {
	return newError(CodeInvalidArgument, fmt.Sprintf(format, args...))
}

// ErrOrderNotFound is also returned to callers who are not a party of the order
var ErrOrderNotFound = newError(CodeNotFound, "order not found")

// AsError extracts the typed error from err
func AsError(err error) (*Error, bool) {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}

// CodeOf returns the code of err, CodeInternal for untyped errors
func CodeOf(err error) ErrorCode {
	if svcErr, ok := AsError(err); ok {
		return svcErr.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
