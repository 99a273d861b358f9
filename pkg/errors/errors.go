package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns an error with the given message. It's a drop-in replacement
// for fmt.Errorf when there's no underlying error to wrap.
func New(format string, a ...interface{}) error {
	return fmt.Errorf(format, a...)
}

// contextError adds a short description of what was being attempted when
// the underlying error occurred.
type contextError struct {
	base    error
	context string
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.base)
}

func (err contextError) Unwrap() error {
	return err.base
}

// WithContext wraps `err` with `context`. If `err` is nil, it returns nil so
// that callers can wrap the result of a call unconditionally.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{base: err, context: context}
}

// FriendlyError is an error whose message is meant to be shown directly to
// the user, rather than a chain of internal context.
type FriendlyError struct {
	msg string
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

// NewFriendlyError creates a FriendlyError from a format string.
func NewFriendlyError(format string, a ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, a...)}
}

type friendlyMessager interface {
	FriendlyMessage() string
}

// GetFriendlyMessage returns the user-facing message of the first error in
// the chain that has one. If there's none, the full error string is used.
func GetFriendlyMessage(err error) string {
	var friendly friendlyMessager
	if As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goerrors.As(err, target)
}
