package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable identifier callers branch on.
type ErrorCode string

const (
	CodeValidation      ErrorCode = "VALIDATION"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeDuplicateID     ErrorCode = "DUPLICATE_ID"
	CodeConflict        ErrorCode = "CONFLICT"
	CodeAlreadyAcquired ErrorCode = "ALREADY_ACQUIRED"
	CodeAuthorization   ErrorCode = "AUTHORIZATION"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeExecution       ErrorCode = "EXECUTION_FAILED"
	CodeNoTaskAvailable ErrorCode = "NO_TASK_AVAILABLE"
	CodeInternal        ErrorCode = "INTERNAL"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrValidation      = &Error{Code: CodeValidation}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrDuplicateID     = &Error{Code: CodeDuplicateID}
	ErrConflict        = &Error{Code: CodeConflict}
	ErrAlreadyAcquired = &Error{Code: CodeAlreadyAcquired}
	ErrAuthorization   = &Error{Code: CodeAuthorization}
	ErrTimeout         = &Error{Code: CodeTimeout}
	ErrExecution       = &Error{Code: CodeExecution}
	ErrNoTaskAvailable = &Error{Code: CodeNoTaskAvailable}
	ErrInternal        = &Error{Code: CodeInternal}
)

type Error struct {
	Code    ErrorCode
	TaskID  string
	Message string
	Err     error
}

func NewError(code ErrorCode, taskID, msg string) *Error {
	return &Error{Code: code, TaskID: taskID, Message: msg}
}

// Wrap attaches a code and task id to a collaborator error.
func Wrap(code ErrorCode, taskID string, err error, msg string) *Error {
	return &Error{Code: code, TaskID: taskID, Message: msg, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("task %s: %s", e.TaskID, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, CodeInternal for
// any other non-nil error and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// TaskIDOf returns the task id attached to err, if any.
func TaskIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.TaskID
	}
	return ""
}
