// Package apperrors defines the tagged error type shared by every stage of
// the analysis pipeline. Callers dispatch on Kind rather than on concrete types.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the category of a pipeline error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindSecurity
	KindTimeout
	KindCLIExecution
	KindParse
	KindConfiguration
	KindCache
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSecurity:
		return "security"
	case KindTimeout:
		return "timeout"
	case KindCLIExecution:
		return "cli_execution"
	case KindParse:
		return "parse"
	case KindConfiguration:
		return "configuration"
	case KindCache:
		return "cache"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Code returns the stable upper-case code recorded in status entries.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindSecurity:
		return "SECURITY_ERROR"
	case KindTimeout:
		return "TIMEOUT_ERROR"
	case KindCLIExecution:
		return "CLI_EXECUTION_ERROR"
	case KindParse:
		return "PARSE_ERROR"
	case KindConfiguration:
		return "CONFIGURATION_ERROR"
	case KindCache:
		return "CACHE_ERROR"
	case KindInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error is the single error type carried through the pipeline.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "engine.Invoke".
	Op      string
	Message string
	// Details holds field-level context such as the offending field or exit code.
	Details map[string]any
	// Retryable marks an otherwise non-retryable kind as safe to retry.
	Retryable bool
	// Fatal vetoes any retry, regardless of kind.
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: KindSecurity}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail attaches a key/value and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// -- Constructors --

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validation reports bad caller input. Never retried.
func Validation(op, field, format string, args ...any) *Error {
	e := newError(KindValidation, op, format, args...)
	if field != "" {
		e.WithDetail("field", field)
	}
	return e
}

// Security reports a rejected executable or unsafe content. Always fatal.
func Security(op, format string, args ...any) *Error {
	e := newError(KindSecurity, op, format, args...)
	e.Fatal = true
	return e
}

// Timeout reports an engine invocation that exceeded its deadline.
func Timeout(op string, err error, format string, args ...any) *Error {
	e := newError(KindTimeout, op, format, args...)
	e.Err = err
	return e
}

// CLIExecution reports a subprocess that failed to start or exited non-zero.
func CLIExecution(op string, err error, format string, args ...any) *Error {
	e := newError(KindCLIExecution, op, format, args...)
	e.Err = err
	return e
}

// Parse reports engine output that could not be interpreted.
func Parse(op string, err error, format string, args ...any) *Error {
	e := newError(KindParse, op, format, args...)
	e.Err = err
	return e
}

// Configuration reports invalid settings detected at startup.
func Configuration(op, format string, args ...any) *Error {
	e := newError(KindConfiguration, op, format, args...)
	e.Fatal = true
	return e
}

// Wrap tags err with a kind, preserving an existing *Error untouched.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// -- Dispatch --

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Code returns the status code string for err.
func Code(err error) string {
	return KindOf(err).Code()
}

// IsRetryable is the single retry classification used by the retry controller.
// Timeouts and subprocess failures are retried; other kinds only when they are
// explicitly marked retryable and not fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Fatal {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindCLIExecution:
		return true
	case KindValidation, KindSecurity, KindParse, KindConfiguration:
		return false
	default:
		return e.Retryable
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
