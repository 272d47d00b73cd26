// Package errors provides the typed error used across the consistency engines.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable, machine readable identifier for an error class.
type ErrorCode string

const (
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeContention        ErrorCode = "CONTENTION"
	ErrCodeResumeIneligible  ErrorCode = "RESUME_INELIGIBLE"
	ErrCodeRefreshFailure    ErrorCode = "REFRESH_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConfigFailure     ErrorCode = "CONFIG_FAILURE"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	KindOther            Kind = ""
	KindInvalid          Kind = "invalid"
	KindNotFound         Kind = "not_found"
	KindContention       Kind = "contention"
	KindResumeIneligible Kind = "resume_ineligible"
	KindRefresh          Kind = "refresh"
	KindPersistence      Kind = "persistence"
	KindInternal         Kind = "internal"
)

// Op names the operation during which the error occurred, e.g. "lease.Acquire".
type Op string

// Component names the engine or subsystem that produced the error.
type Component string

const (
	OpLoad     Op = "load"
	OpSave     Op = "save"
	OpDelete   Op = "delete"
	OpValidate Op = "validate"
	OpRefresh  Op = "refresh"
	OpResume   Op = "resume"
	OpClose    Op = "close"
)

// Error is the error type returned by every package in this module.
type Error struct {
	// Operation during which the error occurred
	Op Op

	// Component that generated the error (e.g., "record-store", "storage/sqlite")
	Component string

	// Kind classifies the error
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]any
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	} else {
		b.WriteString("operation")
	}
	b.WriteString(" failed")
	if e.Component != "" {
		fmt.Fprintf(&b, " in %s", e.Component)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error from its arguments. Arguments are interpreted by type:
//
//	Op, Component, Kind, ErrorCode  set the matching field
//	error                           becomes the wrapped error
//	string                          becomes the wrapped error when none is given,
//	                                otherwise it is recorded as metadata["detail"]
//	map[string]any                  is merged into Metadata
//
// The Code and Retryable fields are derived from Kind when not given.
func E(args ...any) error {
	e := &Error{}
	var details []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *Error:
			e.Err = a
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case string:
			details = append(details, a)
		case map[string]any:
			if e.Metadata == nil {
				e.Metadata = make(map[string]any, len(a))
			}
			for k, v := range a {
				e.Metadata[k] = v
			}
		}
	}
	if len(details) > 0 {
		if e.Err == nil {
			e.Err = errors.New(strings.Join(details, "; "))
		} else {
			if e.Metadata == nil {
				e.Metadata = make(map[string]any, 1)
			}
			e.Metadata["detail"] = strings.Join(details, "; ")
		}
	}
	if e.Code == "" {
		e.Code = codeForKind(e.Kind)
	}
	e.Retryable = e.Kind == KindRefresh || e.Kind == KindPersistence
	return e
}

func codeForKind(k Kind) ErrorCode {
	switch k {
	case KindInvalid:
		return ErrCodeValidationFailure
	case KindContention:
		return ErrCodeContention
	case KindResumeIneligible:
		return ErrCodeResumeIneligible
	case KindRefresh:
		return ErrCodeRefreshFailure
	case KindPersistence:
		return ErrCodeStorageFailure
	}
	return ""
}

// NewValidationError creates a validation error for the given operation.
func NewValidationError(op Op, component string, cause error) *Error {
	return &Error{
		Code:      ErrCodeValidationFailure,
		Kind:      KindInvalid,
		Op:        op,
		Component: component,
		Err:       cause,
	}
}

// NewStorageError creates a persistence error. Storage errors are retryable.
func NewStorageError(op Op, component string, cause error) *Error {
	return &Error{
		Code:      ErrCodeStorageFailure,
		Kind:      KindPersistence,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// NewRefreshError creates a refresh (network) error. Refresh errors are retryable.
func NewRefreshError(op Op, component string, cause error) *Error {
	return &Error{
		Code:      ErrCodeRefreshFailure,
		Kind:      KindRefresh,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// NewConfigError creates an error for malformed configuration.
func NewConfigError(component string, cause error) *Error {
	return &Error{
		Code:      ErrCodeConfigFailure,
		Kind:      KindInvalid,
		Op:        OpValidate,
		Component: component,
		Err:       cause,
	}
}

// Is reports whether err is an *Error of the given kind.
func Is(kind Kind, err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind != KindOther {
		return e.Kind == kind
	}
	return Is(kind, e.Err)
}

// KindOf returns the kind of the first *Error in err's chain, or KindOther.
func KindOf(err error) Kind {
	var e *Error
	for errors.As(err, &e) {
		if e.Kind != KindOther {
			return e.Kind
		}
		err = e.Err
	}
	return KindOther
}

// IsRetryable checks if an error is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
