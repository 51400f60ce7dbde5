package command

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand = errors.New("no handler registered for command")
	ErrRejected       = errors.New("command rejected")
)

// RejectionError is a deterministic refusal: the command is invalid or the
// aggregate state forbids it. Rejections are never retried and never recorded
// for idempotent replay. It matches ErrRejected under errors.Is.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%v: %s", ErrRejected, e.Reason)
}

func (e *RejectionError) Is(target error) bool { return target == ErrRejected }

// Reject builds a RejectionError; handlers use it to refuse a command.
func Reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}
