// Package errors defines the structured errors e2eenv reports to users: a
// category, a message, ordered context lines, a cause and fix suggestions.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// ErrorType represents the category of error
type ErrorType int

const (
	// Config errors
	ErrConfigNotFound ErrorType = iota
	ErrConfigInvalid
	ErrConfigExists

	// Setup errors
	ErrNoPortAvailable
	ErrInvalidPortRange
	ErrPatchFailed
	ErrRestoreFailed
	ErrManifestCorrupted
	ErrEnvWriteFailed

	// Startup errors
	ErrProcessStartFailed
	ErrProcessExited
	ErrReadinessTimeout
	ErrHealthTimeout

	// Test errors
	ErrTestsFailed
	ErrInterrupted

	// General errors
	ErrCommandFailed
	ErrPermissionDenied
	ErrHookFailed
)

// Category groups error types by the run stage that produces them
func (t ErrorType) Category() string {
	switch {
	case t <= ErrConfigExists:
		return "config"
	case t <= ErrEnvWriteFailed:
		return "setup"
	case t <= ErrHealthTimeout:
		return "startup"
	case t <= ErrInterrupted:
		return "test"
	default:
		return "general"
	}
}

// Error is a user-facing error. Context lines keep the order they were added in.
type Error struct {
	Type    ErrorType
	Message string
	Context map[string]string
	Cause   error
	Fixes   []string

	contextKeys []string
}

// New creates a new Error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Context: make(map[string]string),
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext sets a context line. Setting a key again replaces its value in place.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	if _, seen := e.Context[key]; !seen {
		e.contextKeys = append(e.contextKeys, key)
	}
	e.Context[key] = value
	return e
}

// WithCause sets the underlying error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithFix adds a fix suggestion
func (e *Error) WithFix(fix string) *Error {
	e.Fixes = append(e.Fixes, fix)
	return e
}

// WithFixes adds several fix suggestions
func (e *Error) WithFixes(fixes ...string) *Error {
	e.Fixes = append(e.Fixes, fixes...)
	return e
}

// Format renders the error for a terminal
func (e *Error) Format() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "%s %s\n", color.RedString("Error [%s]:", e.Type.Category()), e.Message)

	if len(e.Context) > 0 {
		buf.WriteString("\n")
		for _, k := range e.keys() {
			fmt.Fprintf(&buf, "  %s: %s\n", k, e.Context[k])
		}
	}

	if e.Cause != nil {
		fmt.Fprintf(&buf, "\nCause: %s\n", e.Cause)
	}

	if len(e.Fixes) > 0 {
		fmt.Fprintf(&buf, "\n%s\n", color.YellowString("How to fix:"))
		for _, fix := range e.Fixes {
			fmt.Fprintf(&buf, "  • %s\n", fix)
		}
	}

	return buf.String()
}

// keys returns context keys in insertion order, including any set directly on the map
func (e *Error) keys() []string {
	keys := make([]string, 0, len(e.Context))
	listed := make(map[string]bool, len(e.contextKeys))
	for _, k := range e.contextKeys {
		if _, ok := e.Context[k]; ok && !listed[k] {
			keys = append(keys, k)
			listed[k] = true
		}
	}
	for k := range e.Context {
		if !listed[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

// IsType reports whether any error in err's chain is an *Error of the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}
