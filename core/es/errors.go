package es

import (
	"errors"
	"fmt"
)

var (
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrUnknownEventType    = errors.New("unknown event type")
	ErrNoUpcaster          = errors.New("no upcaster registered")
	ErrStoreNoEvents       = errors.New("no events to store")
)

// ConflictError reports an optimistic append that lost the race. Actual is
// the stream version at the time the store rejected the append, so the
// caller can reload and redecide. It matches ErrConcurrencyConflict under
// errors.Is.
type ConflictError struct {
	Stream   StreamID
	Expected Version
	Actual   Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(
		"%v: stream=%s expected=%d actual=%d",
		ErrConcurrencyConflict, e.Stream.Key(), e.Expected, e.Actual,
	)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// AsConflict unwraps err into a *ConflictError if it carries one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
