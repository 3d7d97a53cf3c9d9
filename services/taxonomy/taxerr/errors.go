// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taxerr defines the error kinds shared by the taxonomy store.
//
// Every failure that crosses a package boundary is an *Error carrying a Kind.
// Callers branch on the kind with errors.Is against the sentinels below:
//
//	if errors.Is(err, taxerr.ErrCycleDetected) {
//	    // reject the move
//	}
package taxerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a taxonomy store failure.
type Kind int

const (
	// KindStorage is a transaction or IO failure. The transaction was rolled back.
	KindStorage Kind = iota

	// KindValidationFailed means the DAG was invalid before or after a migration.
	KindValidationFailed

	// KindCycleDetected means a MOVE_NODE would have introduced a cycle.
	KindCycleDetected

	// KindInvalidTarget means a rollback target is not below the current version
	// or does not exist.
	KindInvalidTarget

	// KindNotFound means a referenced node or parent does not exist.
	KindNotFound
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "StorageError"
	case KindValidationFailed:
		return "ValidationFailed"
	case KindCycleDetected:
		return "CycleDetected"
	case KindInvalidTarget:
		return "InvalidTarget"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrStorage          = errors.New("storage error")
	ErrValidationFailed = errors.New("validation failed")
	ErrCycleDetected    = errors.New("cycle detected")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrNotFound         = errors.New("not found")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidationFailed:
		return ErrValidationFailed
	case KindCycleDetected:
		return ErrCycleDetected
	case KindInvalidTarget:
		return ErrInvalidTarget
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrStorage
	}
}

// Error is a classified taxonomy failure.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation that failed, e.g. "create_version".
	Op string

	// Message is the human-readable summary returned to callers.
	Message string

	// Details holds validator errors for KindValidationFailed.
	Details []string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Validation builds a KindValidationFailed error carrying the validator's error list.
func Validation(op string, details []string) *Error {
	return &Error{
		Kind:    KindValidationFailed,
		Op:      op,
		Message: "taxonomy DAG validation failed",
		Details: append([]string(nil), details...),
	}
}

// Cycle builds a KindCycleDetected error.
func Cycle(op, format string, args ...any) *Error {
	return &Error{Kind: KindCycleDetected, Op: op, Message: fmt.Sprintf(format, args...)}
}

// InvalidTarget builds a KindInvalidTarget error.
func InvalidTarget(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidTarget, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps an unexpected failure as KindStorage.
//
// An err that is already an *Error is returned unchanged so the original
// classification survives being passed up through transaction callbacks.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: KindStorage, Op: op, Message: "storage failure", Err: err}
}

// KindOf returns the kind of err. Unclassified errors are KindStorage.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindStorage
}
