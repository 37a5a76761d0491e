package execution

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an execution error.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindToolNotFound     Kind = "tool_not_found"
	KindVersionNotFound  Kind = "version_not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindQueueFull        Kind = "queue_full"
	KindRateLimited      Kind = "rate_limited"
	KindResourceLimit    Kind = "resource_limit_exceeded"
	KindSecurity         Kind = "security_violation"
	KindInvalidConfig    Kind = "invalid_config"
	KindExecution        Kind = "execution_error"
	KindTimeout          Kind = "timed_out"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
	KindNotFound         Kind = "not_found"
)

// Sentinel errors. *Error values unwrap to the sentinel of their kind.
var (
	ErrInvalidParameters  = errors.New("invalid parameters")
	ErrToolNotFound       = errors.New("tool not found")
	ErrVersionNotFound    = errors.New("tool version not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrQueueFull          = errors.New("queue full")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrResourceLimit      = errors.New("resource limit exceeded")
	ErrSecurityViolation  = errors.New("security violation")
	ErrInvalidConfig      = errors.New("invalid tool configuration")
	ErrExecution          = errors.New("execution failed")
	ErrTimedOut           = errors.New("execution timed out")
	ErrCancelled          = errors.New("execution cancelled")
	ErrInternal           = errors.New("internal error")
	ErrNotFound           = errors.New("execution not found")
	ErrDepthExceeded      = errors.New("nested execution depth exceeded")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrExecutorStopped    = errors.New("executor stopped")
	ErrTenantLimitReached = errors.New("tenant in-flight limit reached")
)

var kindSentinels = map[Kind]error{
	KindValidation:       ErrInvalidParameters,
	KindToolNotFound:     ErrToolNotFound,
	KindVersionNotFound:  ErrVersionNotFound,
	KindPermissionDenied: ErrPermissionDenied,
	KindQueueFull:        ErrQueueFull,
	KindRateLimited:      ErrRateLimited,
	KindResourceLimit:    ErrResourceLimit,
	KindSecurity:         ErrSecurityViolation,
	KindInvalidConfig:    ErrInvalidConfig,
	KindExecution:        ErrExecution,
	KindTimeout:          ErrTimedOut,
	KindCancelled:        ErrCancelled,
	KindInternal:         ErrInternal,
	KindNotFound:         ErrNotFound,
}

// Error is the classified error returned across the executor boundary and
// stored on failed records.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"` // Handler error detail, if any.

	cause error
}

// NewError builds a classified error wrapping cause.
func NewError(kind Kind, cause error, format string, args ...any) *Error {
	e := &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Detail != "" && e.Detail != e.Message {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind sentinel and the original cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// KindOf returns the kind of err. Unclassified errors map to KindInternal;
// context errors map to their execution counterparts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	switch {
	case errors.Is(err, ErrDepthExceeded), errors.Is(err, ErrInvalidTransition):
		return KindValidation
	case errors.Is(err, ErrTenantLimitReached):
		return KindQueueFull
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// AsError converts any error into *Error, preserving an existing classification.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), cause: err}
}

// AdmissionKind reports whether k is raised before a record is queued.
func AdmissionKind(k Kind) bool {
	switch k {
	case KindValidation, KindToolNotFound, KindVersionNotFound,
		KindPermissionDenied, KindQueueFull, KindRateLimited:
		return true
	}
	return false
}
