// Package failure classifies pipeline errors so callers can decide whether a
// run may be re-triggered safely.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the category of a pipeline error.
type Kind int

const (
	// KindRecoverable covers timeouts, transport resets and transient 5xx
	// responses. Retried inside the component, then escalated.
	KindRecoverable Kind = iota
	// KindValidation marks a single malformed record. It is skipped, never
	// fatal to its batch.
	KindValidation
	// KindConstraint is a duplicate natural key on insert. Treated as success.
	KindConstraint
	// KindFatal is missing credentials, schema mismatch or bad configuration.
	// Surfaced immediately, no retry, no cursor or offset mutation.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRecoverable:
		return "recoverable"
	case KindValidation:
		return "validation"
	case KindConstraint:
		return "constraint"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable wraps err as a recoverable failure of op.
func Recoverable(op string, err error) error {
	return &Error{Kind: KindRecoverable, Op: op, Err: err}
}

// Validation wraps err as a malformed-record failure of op.
func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Constraint wraps err as a benign duplicate-key conflict.
func Constraint(op string, err error) error {
	return &Error{Kind: KindConstraint, Op: op, Err: err}
}

// Fatal wraps err as a fatal failure of op.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Fatalf builds a fatal failure from a format string.
func Fatalf(op, format string, args ...any) error {
	return Fatal(op, fmt.Errorf(format, args...))
}

// KindOf reports the kind of err. Unclassified errors, including context
// deadlines, are recoverable; nil has no kind and reports recoverable too, so
// callers should check for nil first.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindRecoverable
}

// IsFatal reports whether err must stop the run without retry.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// IsRecoverable reports whether err may be retried.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	// Caller cancellation is not something a retry can fix.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindRecoverable
}

// IsConstraint reports whether err is a benign duplicate-key conflict.
func IsConstraint(err error) bool {
	return err != nil && KindOf(err) == KindConstraint
}
