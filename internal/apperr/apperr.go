// Package apperr defines the error kinds the core reports to its callers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that must react differently to each.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindLeaseMismatch Kind = "lease_mismatch"
	KindConflict      Kind = "conflict"
	KindStore         Kind = "store"
	KindAuditWrite    Kind = "audit_write"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of Op or Message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrLeaseMismatch = &Error{Kind: KindLeaseMismatch}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrStore         = &Error{Kind: KindStore}
	ErrAuditWrite    = &Error{Kind: KindAuditWrite}
)

// Validation reports missing or malformed input for field.
func Validation(field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: field + ": " + fmt.Sprintf(format, args...)}
}

// NotFound reports an absent entity.
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// LeaseMismatch reports that workerID no longer holds the lease on jobID.
func LeaseMismatch(jobID, workerID string) error {
	return &Error{Kind: KindLeaseMismatch, Message: fmt.Sprintf("job %s is not leased by %s", jobID, workerID)}
}

// Conflict reports a request that contradicts current state.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Store wraps a persistence failure. Already classified errors pass through.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// AuditWrite wraps a failed audit append.
func AuditWrite(op string, err error) error {
	return &Error{Kind: KindAuditWrite, Op: op, Message: "audit write failed", Err: err}
}

// KindOf classifies err. Unclassified errors are treated as store failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}
