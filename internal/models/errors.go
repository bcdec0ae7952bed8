package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrLeaseConflict means another worker won the race for a claim. Callers skip and move on.
	ErrLeaseConflict = errors.New("lease conflict")
	// ErrLeaseLost means the caller no longer owns an unexpired lease on the job.
	ErrLeaseLost = errors.New("lease lost")
	// ErrStoreUnavailable wraps transport or I/O failures of the durable store.
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrJobNotFound      = errors.New("job not found")
	ErrUnknownJobType   = errors.New("unknown job type")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrMetricNotFound   = errors.New("metric not found")
	// ErrJobCancelled is returned by the executor when a cancel request is observed between steps.
	ErrJobCancelled = errors.New("job cancelled")
)

// FieldError describes a single invalid payload field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is raised before any external call is made, so it never carries cost.
type ValidationError struct {
	Message string
	Fields  []FieldError
	Err     error
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Message)
	}
	if e.Message == "" {
		return "validation failed: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Message, strings.Join(parts, "; "))
}

// NewValidationError builds a ValidationError with an optional list of field errors.
func NewValidationError(message string, fields ...FieldError) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalErrorKind classifies failures of the external AI service.
type ExternalErrorKind string

const (
	ErrKindAuth               ExternalErrorKind = "auth"
	ErrKindRateLimit          ExternalErrorKind = "rate_limit"
	ErrKindServiceUnavailable ExternalErrorKind = "service_unavailable"
	ErrKindTimeout            ExternalErrorKind = "timeout"
	ErrKindBadRequest         ExternalErrorKind = "bad_request"
	ErrKindConnection         ExternalErrorKind = "connection"
)

// ExternalError is a classified failure from an external collaborator.
type ExternalError struct {
	Kind       ExternalErrorKind
	Provider   string
	StatusCode int
	// RetryAfter is the server supplied retry hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *ExternalError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" (")
		b.WriteString(e.Provider)
		if e.StatusCode != 0 {
			fmt.Fprintf(&b, " %d", e.StatusCode)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying with backoff.
func (e *ExternalError) Transient() bool {
	switch e.Kind {
	case ErrKindServiceUnavailable, ErrKindTimeout, ErrKindConnection:
		return true
	}
	return false
}

// NewExternalError builds a classified external error.
func NewExternalError(kind ExternalErrorKind, provider string, status int, err error) *ExternalError {
	return &ExternalError{Kind: kind, Provider: provider, StatusCode: status, Err: err}
}

// AsExternalError unwraps err into an ExternalError if it is one.
func AsExternalError(err error) (*ExternalError, bool) {
	var ee *ExternalError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) ExternalErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrKindAuth
	case status == 429:
		return ErrKindRateLimit
	case status == 408 || status == 504:
		return ErrKindTimeout
	case status >= 500:
		return ErrKindServiceUnavailable
	case status >= 400:
		return ErrKindBadRequest
	default:
		return ErrKindConnection
	}
}
