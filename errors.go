package outflow

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every error the library raises. The set is closed:
// adapters and the bus never surface anything else across their contracts.
type ErrorCode string

const (
	// Configuration errors.
	CodeDuplicateListener    ErrorCode = "duplicate_listener"
	CodeUnsupportedOperation ErrorCode = "unsupported_operation"

	// Validation errors.
	CodeBatchSizeLimit ErrorCode = "batch_size_limit"

	// Operational errors.
	CodeTimeout            ErrorCode = "timeout"
	CodeBackpressure       ErrorCode = "backpressure"
	CodeMaintenance        ErrorCode = "maintenance"
	CodeMaxRetriesExceeded ErrorCode = "max_retries_exceeded"
	CodeOperational        ErrorCode = "operational"

	// Handler failure with retries remaining.
	CodeHandler ErrorCode = "handler"
)

// Error is the root of the taxonomy. Two errors match under errors.Is when
// their codes are equal, so sentinels below work as targets regardless of
// the message or attached event.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error

	// Event is the event involved, when there is one.
	Event *Event

	// Retries is the retry count at the time of a max-retries failure.
	Retries int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Sentinel instances for errors.Is checks.
var (
	ErrDuplicateListener    = &Error{Code: CodeDuplicateListener, Message: "listener already registered"}
	ErrUnsupportedOperation = &Error{Code: CodeUnsupportedOperation, Message: "operation not supported"}
	ErrBatchSizeLimit       = &Error{Code: CodeBatchSizeLimit, Message: "batch size limit exceeded"}
	ErrTimeout              = &Error{Code: CodeTimeout, Message: "timed out"}
	ErrBackpressure         = &Error{Code: CodeBackpressure, Message: "buffer full"}
	ErrMaintenance          = &Error{Code: CodeMaintenance, Message: "maintenance failed"}
	ErrMaxRetriesExceeded   = &Error{Code: CodeMaxRetriesExceeded, Message: "max retries exceeded"}
	ErrOperational          = &Error{Code: CodeOperational, Message: "operational failure"}
	ErrHandler              = &Error{Code: CodeHandler, Message: "handler failed"}
)

// NewDuplicateListener reports a second registration for an event type.
func NewDuplicateListener(eventType string) *Error {
	return &Error{
		Code:    CodeDuplicateListener,
		Message: fmt.Sprintf("handler already registered for type %q", eventType),
	}
}

// NewUnsupportedOperation reports an adapter capability that is absent.
func NewUnsupportedOperation(op string) *Error {
	return &Error{
		Code:    CodeUnsupportedOperation,
		Message: fmt.Sprintf("adapter does not support %s", op),
	}
}

// NewBatchSizeLimit reports a publish batch over the backend's cap.
func NewBatchSizeLimit(size, limit int) *Error {
	return &Error{
		Code:    CodeBatchSizeLimit,
		Message: fmt.Sprintf("batch of %d exceeds limit of %d", size, limit),
	}
}

// NewTimeout reports an operation that did not complete in its window.
func NewTimeout(what string) *Error {
	return &Error{Code: CodeTimeout, Message: what}
}

// NewBackpressure reports a full buffer rejecting new work.
func NewBackpressure(what string) *Error {
	return &Error{Code: CodeBackpressure, Message: what}
}

// NewMaintenance wraps a failure of an adapter maintenance hook.
func NewMaintenance(cause error) *Error {
	return &Error{Code: CodeMaintenance, Message: "maintenance failed", Cause: cause}
}

// NewMaxRetriesExceeded reports the terminal failure of an event. Retries is
// the retry count after the final attempt.
func NewMaxRetriesExceeded(cause error, ev *Event, retries int) *Error {
	return &Error{
		Code:    CodeMaxRetriesExceeded,
		Message: fmt.Sprintf("event delivery abandoned after %d attempts", retries),
		Cause:   cause,
		Event:   ev,
		Retries: retries,
	}
}

// NewOperational wraps an uncategorized failure from polling or settlement.
func NewOperational(message string, cause error) *Error {
	return &Error{Code: CodeOperational, Message: message, Cause: cause}
}

// NewHandlerError wraps a handler failure while retries remain.
func NewHandlerError(cause error, ev *Event) *Error {
	return &Error{Code: CodeHandler, Message: "handler failed", Cause: cause, Event: ev}
}

// AsOperational returns err unchanged when it already belongs to the
// taxonomy, and wraps it as operational otherwise. The polling loop uses it
// so uncategorized I/O errors reach the sink classified.
func AsOperational(message string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewOperational(message, err)
}
