package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures of the intervention engine
type Kind string

const (
	KindAnalysisTimeout   Kind = "analysis_timeout"
	KindAnalysisError     Kind = "analysis_error"
	KindGenerationTimeout Kind = "generation_timeout"
	KindGenerationError   Kind = "generation_error"
	KindPersistenceError  Kind = "persistence_error"
	KindConfigError       Kind = "config_error"
)

// Sentinels for errors.Is checks
var (
	ErrAnalysisTimeout   = &Error{Kind: KindAnalysisTimeout}
	ErrAnalysisError     = &Error{Kind: KindAnalysisError}
	ErrGenerationTimeout = &Error{Kind: KindGenerationTimeout}
	ErrGenerationError   = &Error{Kind: KindGenerationError}
	ErrPersistence       = &Error{Kind: KindPersistenceError}
	ErrConfig            = &Error{Kind: KindConfigError}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain, or "" if there is none
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// FromCall maps an external call failure to the timeout kind when the deadline expired,
// otherwise to the error kind
func FromCall(timeoutKind, errorKind Kind, op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return New(timeoutKind, op, err)
	}
	return New(errorKind, op, err)
}

// Configf builds a ConfigError
func Configf(format string, args ...interface{}) *Error {
	return New(KindConfigError, "", fmt.Errorf(format, args...))
}
