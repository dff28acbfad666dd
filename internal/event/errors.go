package event

import (
	"errors"
	"fmt"
)

// Code categorizes instrumentation failures. None of them is fatal to the
// host application; each one degrades to a logged, best-effort outcome.
type Code string

const (
	// CodeInvalidEventKind marks bad caller input. The event is dropped.
	CodeInvalidEventKind Code = "INVALID_EVENT_KIND"

	// CodePersistence marks a failed storage write. The event is dropped.
	CodePersistence Code = "PERSISTENCE_ERROR"

	// CodeTransport marks a network or server failure. The batch stays queued.
	CodeTransport Code = "TRANSPORT_FAILURE"
)

// Error is the structured error carried through the outcome paths.
type Error struct {
	Code    Code
	Message string

	// Key is the event key involved, when there is one.
	Key string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key=%s)", msg, e.Key)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewInvalidEventKind reports a record rejected before it reached the store.
func NewInvalidEventKind(key, message string, err error) *Error {
	return &Error{Code: CodeInvalidEventKind, Message: message, Key: key, Err: err}
}

// NewPersistenceError reports a store operation that failed.
func NewPersistenceError(op string, err error) *Error {
	return &Error{Code: CodePersistence, Message: op, Err: err}
}

// NewTransportFailure reports a batch the transport could not deliver.
func NewTransportFailure(message string, err error) *Error {
	return &Error{Code: CodeTransport, Message: message, Err: err}
}

// IsInvalidEventKind reports whether err is an invalid input error.
// Uses errors.As to handle wrapped errors.
func IsInvalidEventKind(err error) bool {
	return hasCode(err, CodeInvalidEventKind)
}

// IsPersistenceError reports whether err is a storage error.
func IsPersistenceError(err error) bool {
	return hasCode(err, CodePersistence)
}

// IsTransportFailure reports whether err is a delivery failure.
func IsTransportFailure(err error) bool {
	return hasCode(err, CodeTransport)
}

func hasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
