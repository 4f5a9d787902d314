// Package fault defines the error taxonomy shared by the speech client, the
// playback state machine and the engine control surface.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure so callers and observers can react without
// string matching.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindAuth         Kind = "auth"
	KindBadRequest   Kind = "bad_request"
	KindRateLimit    Kind = "rate_limited"
	KindTransient    Kind = "transient"
	KindDecode       Kind = "decode"
	KindTimeout      Kind = "timeout"
	KindPrecondition Kind = "precondition"
	KindDevice       Kind = "device"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == KindRateLimit || k == KindTransient
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string

	// RetryAfter is the provider's back-off hint for KindRateLimit.
	RetryAfter time.Duration
	// Attempts is the number of provider calls made before giving up.
	Attempts int

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the human readable part of err without the op/kind prefix.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
