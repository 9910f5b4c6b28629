// Package apierr defines the sentinel error taxonomy shared by the state
// store, executor and Control API so callers can classify failures with
// errors.Is/errors.As regardless of which layer produced them.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies a supervisor error for HTTP status mapping and logging.
type Kind string

const (
	KindUpdatesLocked        Kind = "UpdatesLocked"
	KindNotFound             Kind = "NotFound"
	KindValidation           Kind = "Validation"
	KindRuntimeError         Kind = "RuntimeError"
	KindInternalInconsistency Kind = "InternalInconsistency"
	// KindAppNotFound is an unknown appId (409, distinct from a known
	// app's missing service, which is KindNotFound/404).
	KindAppNotFound Kind = "AppNotFound"
	// KindOutOfScope is an appId the caller's key is not scoped to
	// (401, distinct from KindAppNotFound). Scope is checked before the
	// app's existence, so an unknown appId outside the scope is also
	// reported as OutOfScope.
	KindOutOfScope Kind = "OutOfScope"
)

// Error is a classified supervisor error wrapping an underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, apierr.UpdatesLocked("")) style sentinel checks work
// without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// UpdatesLocked reports that an advisory or in-process lock blocked the
// requested mutation.
func UpdatesLocked(format string, args ...any) *Error {
	return newf(KindUpdatesLocked, format, args...)
}

// NotFound reports that a referenced app, service, image, network or
// volume does not exist.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// Validation reports malformed or self-contradictory caller input.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// RuntimeError reports a failure surfaced by the container runtime
// adapter or host primitives while carrying out a step.
func RuntimeError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindRuntimeError, Msg: fmt.Sprintf(format, args...), Err: err}
}

// AppNotFound reports that the referenced appId does not exist at all,
// as opposed to NotFound, which reports a missing service within a
// known app.
func AppNotFound(format string, args ...any) *Error {
	return newf(KindAppNotFound, format, args...)
}

// OutOfScope reports that the caller's API key does not grant access to
// the referenced appId, whether or not that app exists.
func OutOfScope(format string, args ...any) *Error {
	return newf(KindOutOfScope, format, args...)
}

// InternalInconsistency reports a state the supervisor should never
// observe if its own invariants hold (e.g. a step for an app absent from
// both target and current state).
func InternalInconsistency(format string, args ...any) *Error {
	return newf(KindInternalInconsistency, format, args...)
}

// Wrap attaches kind to an existing error without discarding it.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
