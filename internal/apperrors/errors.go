// Package apperrors defines the closed error-kind taxonomy shared by every
// component of the audit engine and the EngineError type used to carry it
// across package boundaries.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes an engine error for machine-readable handling. The set
// is closed: new kinds require a code change here, not an open string.
type Kind string

const (
	KindAuditorUnavailable  Kind = "AuditorUnavailable"
	KindAuditorTimeout      Kind = "AuditorTimeout"
	KindAuditorParseError   Kind = "AuditorParseError"
	KindAuditorCrash        Kind = "AuditorCrash"
	KindQueueTimeout        Kind = "QueueTimeout"
	KindQueueFull           Kind = "QueueFull"
	KindSessionNotFound     Kind = "SessionNotFound"
	KindSessionCorrupt      Kind = "SessionCorrupt"
	KindSessionComplete     Kind = "SessionComplete"
	KindConfigInvalid       Kind = "ConfigInvalid"
	KindInputInvalid        Kind = "InputInvalid"
	KindContextLifecycle    Kind = "ContextLifecycleError"
)

// EngineError is the single error type returned across component
// boundaries. It carries a Kind for programmatic dispatch, a short Code
// (defaults to the Kind string but may be refined), a human Message,
// optional structured Details, a wrapped Cause, and retry hints.
type EngineError struct {
	Kind       Kind
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	Timestamp  time.Time
	Retryable  bool
	RetryAfter *time.Duration
}

// New creates an EngineError of the given kind.
func New(kind Kind, message string) *EngineError {
	return &EngineError{
		Kind:      kind,
		Code:      string(kind),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap enables errors.Is / errors.As against the wrapped Cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches another *EngineError by Kind, so errors.Is(err,
// apperrors.New(KindQueueTimeout, "")) style sentinel checks work without
// comparing messages.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// WithCause attaches an underlying error and returns the receiver.
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}

// WithDetail attaches a structured detail and returns the receiver.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCode overrides the default Code (which otherwise mirrors Kind).
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithRetry marks the error retryable with a suggested delay.
func (e *EngineError) WithRetry(after time.Duration) *EngineError {
	e.Retryable = true
	e.RetryAfter = &after
	return e
}

// OfKind reports whether err is an *EngineError of the given kind.
func OfKind(err error, kind Kind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}
