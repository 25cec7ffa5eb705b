package scraper

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the shared failure taxonomy every backend translates into.
type ErrorKind string

// Supported error kinds.
const (
	KindInitialization     ErrorKind = "initialization_error"
	KindElementNotFound    ErrorKind = "element_not_found"
	KindElementInteraction ErrorKind = "element_interaction_error"
	KindBackend            ErrorKind = "backend_error"
	KindTimeout            ErrorKind = "timeout"
	KindManifestInvalid    ErrorKind = "manifest_invalid"
	KindNotFound           ErrorKind = "not_found"
)

// ParseErrorKind validates a kind reported by plugin code.
func ParseErrorKind(raw string) (ErrorKind, bool) {
	switch kind := ErrorKind(raw); kind {
	case KindInitialization, KindElementNotFound, KindElementInteraction,
		KindBackend, KindTimeout, KindManifestInvalid, KindNotFound:
		return kind, true
	default:
		return "", false
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInitialization     = &PluginError{Kind: KindInitialization}
	ErrElementNotFound    = &PluginError{Kind: KindElementNotFound}
	ErrElementInteraction = &PluginError{Kind: KindElementInteraction}
	ErrBackend            = &PluginError{Kind: KindBackend}
	ErrTimeout            = &PluginError{Kind: KindTimeout}
	ErrManifestInvalid    = &PluginError{Kind: KindManifestInvalid}
	ErrNotFound           = &PluginError{Kind: KindNotFound}
)

// PluginError is the only error type that crosses the plugin host boundary.
type PluginError struct {
	Kind      ErrorKind
	Plugin    string
	Op        string
	Retryable bool
	Err       error
}

// NewError builds a PluginError with the default retry hint for the kind.
func NewError(kind ErrorKind, op string, err error) *PluginError {
	return &PluginError{Kind: kind, Op: op, Retryable: kind.retryable(), Err: err}
}

// Errorf is NewError with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *PluginError {
	return NewError(kind, op, fmt.Errorf(format, args...))
}

func (e *PluginError) Error() string {
	msg := string(e.Kind)
	if e.Plugin != "" {
		msg = e.Plugin + ": " + msg
	}
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *PluginError) Unwrap() error { return e.Err }

// Is matches another PluginError by kind so the package sentinels work with
// errors.Is.
func (e *PluginError) Is(target error) bool {
	var other *PluginError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// WithPlugin returns a copy tagged with the plugin id.
func (e *PluginError) WithPlugin(id string) *PluginError {
	clone := *e
	clone.Plugin = id
	return &clone
}

// Permanent returns a copy that the scheduler will not retry.
func (e *PluginError) Permanent() *PluginError {
	clone := *e
	clone.Retryable = false
	return &clone
}

func (k ErrorKind) retryable() bool {
	switch k {
	case KindBackend, KindTimeout, KindElementNotFound, KindElementInteraction:
		return true
	default:
		return false
	}
}

// AsPluginError extracts a PluginError, translating anything else into a
// BackendError (or Timeout for context expiry) so callers see one taxonomy.
func AsPluginError(op string, err error) *PluginError {
	if err == nil {
		return nil
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, op, err)
	}
	return NewError(KindBackend, op, err)
}

// KindOf reports the taxonomy kind of err, or "" when err is nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsPluginError("", err).Kind
}

// IsRetryable reports whether the queue should schedule another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return AsPluginError("", err).Retryable
}
