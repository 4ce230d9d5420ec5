package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation        ErrorKind = "VALIDATION_ERROR"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindInvalidState      ErrorKind = "INVALID_STATE"
	KindCapacityExceeded  ErrorKind = "CAPACITY_EXCEEDED"
	KindInvalidTransition ErrorKind = "INVALID_TRANSITION"
)

// Error is the caller-facing error of the booking core. Two Errors match
// under errors.Is when their kinds are equal, so the sentinels below can
// be used to test for a kind.
type Error struct {
	Kind    ErrorKind
	Message string
	// Available is the remaining capacity for CAPACITY_EXCEEDED, if known.
	Available *int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrCapacityExceeded  = &Error{Kind: KindCapacityExceeded}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
)

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func CapacityExceeded(resourceID string, available int) *Error {
	return &Error{
		Kind:      KindCapacityExceeded,
		Message:   fmt.Sprintf("resource %s has %d units available", resourceID, available),
		Available: &available,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
