// Package apperr defines the error taxonomy shared by the scheduler and the
// delivery layer.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR"
	KindNotFound      Kind = "NOT_FOUND"
	KindConfiguration Kind = "CONFIGURATION_ERROR"
	KindTransient     Kind = "TRANSIENT_DELIVERY_ERROR"
	KindTerminal      Kind = "TERMINAL_DELIVERY_ERROR"
)

var (
	ErrNoProvider    = errors.New("no enabled email provider")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrCancelled     = errors.New("job cancelled")
	ErrFlowNotFound  = errors.New("flow not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrUnknownKind   = errors.New("unknown flow kind")
	ErrNoSteps       = errors.New("flow has no steps")
	ErrDuplicateJob  = errors.New("job already enqueued")
	ErrInvalidPeriod = errors.New("invalid stats period")
)

type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfter is set for rate-limited transient errors.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(err error, id string) *Error {
	return &Error{Kind: KindNotFound, Message: id, Err: err}
}

func Configuration(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}

func Transient(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

func Terminal(message string, err error) *Error {
	return &Error{Kind: KindTerminal, Message: message, Err: err}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindTransient,
		Message:    "send deferred",
		Err:        ErrRateLimited,
		RetryAfter: retryAfter,
	}
}

// KindOf returns the kind of the first *Error in err's chain. Unclassified
// errors are treated as transient delivery failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

func IsValidation(err error) bool {
	return is(err, KindValidation)
}

func IsNotFound(err error) bool {
	return is(err, KindNotFound)
}

func IsConfiguration(err error) bool {
	return is(err, KindConfiguration)
}

func IsTerminal(err error) bool {
	return is(err, KindTerminal)
}

// IsTransient reports whether a retry may succeed. Unclassified errors count
// as transient.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
