// Package flockerrors implements the error taxonomy used across the
// control service and agents: Validation, Conflict, Transient backend,
// Permanent backend, Protocol, and Fatal local. REST handlers and the
// convergence loop branch on these categories via errors.As rather than
// on ad hoc string matching.
package flockerrors

import "fmt"

// Category identifies one of the taxonomy's error classes.
type Category string

const (
	CategoryValidation       Category = "validation"
	CategoryConflict         Category = "conflict"
	CategoryTransientBackend Category = "transient_backend"
	CategoryPermanentBackend Category = "permanent_backend"
	CategoryProtocol         Category = "protocol"
	CategoryFatalLocal       Category = "fatal_local"
)

// Error is the common shape for every categorized error in the core.
type Error struct {
	Category Category
	Op       string // operation that failed, e.g. "create_volume"
	Message  string
	Err      error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, flockerrors.ErrConflict) style category checks
// by comparing Category on both sides when the target is also an *Error
// with an empty Op/Message (a category sentinel).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Category == e.Category && t.Op == "" && t.Message == ""
}

// Category sentinels for errors.Is(err, flockerrors.ErrConflict).
var (
	ErrValidation       = &Error{Category: CategoryValidation}
	ErrConflict         = &Error{Category: CategoryConflict}
	ErrTransientBackend = &Error{Category: CategoryTransientBackend}
	ErrPermanentBackend = &Error{Category: CategoryPermanentBackend}
	ErrProtocol         = &Error{Category: CategoryProtocol}
	ErrFatalLocal       = &Error{Category: CategoryFatalLocal}
)

// Validation wraps err as a Validation-category error rejected from the
// REST layer; never retried.
func Validation(op, message string, err error) *Error {
	return &Error{Category: CategoryValidation, Op: op, Message: message, Err: err}
}

// Conflict wraps err as a Conflict-category error: tag mismatch,
// duplicate name, lease violation. Never retried by the core.
func Conflict(op, message string, err error) *Error {
	return &Error{Category: CategoryConflict, Op: op, Message: message, Err: err}
}

// TransientBackend wraps err as a retryable backend failure: rate limit,
// 5xx from the cloud API, timeout. The convergence loop retries these on
// the next iteration.
func TransientBackend(op, message string, err error) *Error {
	return &Error{Category: CategoryTransientBackend, Op: op, Message: message, Err: err}
}

// PermanentBackend wraps err as a non-retryable backend failure: unknown
// volume id, revoked credentials. Logged and surfaced via the per-dataset
// failure counter, but not retried aggressively.
func PermanentBackend(op, message string, err error) *Error {
	return &Error{Category: CategoryPermanentBackend, Op: op, Message: message, Err: err}
}

// Protocol wraps err as a protocol-layer failure: disconnect, framing
// error. The connection is dropped and reopened.
func Protocol(op, message string, err error) *Error {
	return &Error{Category: CategoryProtocol, Op: op, Message: message, Err: err}
}

// FatalLocal wraps err as a condition where continuing risks silent
// data-integrity loss: unreadable configuration, unloadable certificate,
// duplicate node_uuid. The process exits.
func FatalLocal(op, message string, err error) *Error {
	return &Error{Category: CategoryFatalLocal, Op: op, Message: message, Err: err}
}

// CategoryOf extracts the Category of err if it (or something it wraps)
// is a *Error, and reports whether one was found.
func CategoryOf(err error) (Category, bool) {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if fe == nil {
		return "", false
	}
	return fe.Category, true
}
