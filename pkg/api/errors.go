package api

import (
	"errors"
	"net/http"
)

// ErrorCode classifies engine errors. Codes are strings so they read well in
// logs and JSON responses.
type ErrorCode string

const (
	// CodeValidation indicates a malformed request or missing identifying fields.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeUnauthorized indicates a missing, unknown or disabled API key.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeConflict indicates a state conflict such as an already active enrollment.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeNotFound indicates a referenced record does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeDelivery indicates the messaging provider rejected or failed a send.
	CodeDelivery ErrorCode = "DELIVERY_FAILED"

	// CodeDatabase indicates a store read or write failed.
	CodeDatabase ErrorCode = "DATABASE_ERROR"

	// CodeInternal indicates an unexpected failure.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded error. Op names the operation that failed.
type Error struct {
	Code ErrorCode
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Code == e.Code
}

var (
	ErrValidation          = &Error{Code: CodeValidation}
	ErrAuth                = &Error{Code: CodeUnauthorized}
	ErrDuplicateEnrollment = &Error{Code: CodeConflict}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrDelivery            = &Error{Code: CodeDelivery}
	ErrPersistence         = &Error{Code: CodeDatabase}
	ErrInternal            = &Error{Code: CodeInternal}
)

// NewError builds a coded error.
func NewError(code ErrorCode, op, msg string, err error) *Error {
	return &Error{Code: code, Op: op, Msg: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to the status code used by the webhook boundary.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
