// Package errors defines the typed error taxonomy for the mesh session and
// resilience layer. Every rejection crossing a component boundary is one of
// these types; callers branch on codes, not on message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Code identifies an error class.
type Code string

const (
	// CodeAuth indicates a bad, expired, or mis-audienced identity token.
	CodeAuth Code = "auth_error"
	// CodeIntegrity indicates an HMAC or auth-tag mismatch. Treated as
	// tampering, never as a transient failure.
	CodeIntegrity Code = "integrity_error"
	// CodeNotInitialized indicates the crypto engine was used before a local
	// key pair was loaded.
	CodeNotInitialized Code = "not_initialized"
	// CodeSessionNotFound indicates an unknown or expired session id.
	CodeSessionNotFound Code = "session_not_found"
	// CodeRateLimited indicates a local rate-limit denial.
	CodeRateLimited Code = "rate_limited"
	// CodeCircuitOpen indicates a local circuit-breaker rejection.
	CodeCircuitOpen Code = "circuit_open"
	// CodeTimeout indicates the timeout guard fired before the call finished.
	CodeTimeout Code = "timeout"
	// CodePeerUnavailable indicates a directory miss or unhealthy peer.
	CodePeerUnavailable Code = "peer_unavailable"
	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "internal"
	// CodeInvalidArgument indicates a caller-supplied argument is invalid.
	CodeInvalidArgument Code = "invalid_argument"
)

// ================================================================================
// MeshError Interface
// ================================================================================

// MeshError is the structured error carried across component boundaries.
type MeshError interface {
	error

	// Code returns the error class.
	Code() Code

	// RetryAfter returns the suggested wait before retrying, zero when the
	// error carries no hint.
	RetryAfter() time.Duration

	// Unwrap returns the underlying cause for error-chain support.
	Unwrap() error

	// WithCause attaches a cause to the error chain.
	WithCause(cause error) MeshError

	// WithMetadata attaches context metadata.
	WithMetadata(key string, value interface{}) MeshError

	// Metadata returns all attached metadata.
	Metadata() map[string]interface{}
}

type baseError struct {
	code       Code
	message    string
	retryAfter time.Duration
	cause      error
	metadata   map[string]interface{}
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Code() Code                { return e.code }
func (e *baseError) RetryAfter() time.Duration { return e.retryAfter }
func (e *baseError) Unwrap() error             { return e.cause }

func (e *baseError) WithCause(cause error) MeshError {
	e.cause = cause
	return e
}

func (e *baseError) WithMetadata(key string, value interface{}) MeshError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

func (e *baseError) Metadata() map[string]interface{} { return e.metadata }

// Is lets errors.Is match any MeshError with the same code.
func (e *baseError) Is(target error) bool {
	var me MeshError
	if stderrors.As(target, &me) {
		return me.Code() == e.code
	}
	return false
}

// ================================================================================
// Constructors
// ================================================================================

// New creates a MeshError with the given code and formatted message.
func New(code Code, format string, args ...interface{}) MeshError {
	return &baseError{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err under a new code and message.
func Wrap(err error, code Code, format string, args ...interface{}) MeshError {
	return &baseError{code: code, message: fmt.Sprintf(format, args...), cause: err}
}

// ErrAuth creates an authentication error.
func ErrAuth(format string, args ...interface{}) MeshError {
	return New(CodeAuth, format, args...)
}

// ErrIntegrity creates a tamper-detection error.
func ErrIntegrity(format string, args ...interface{}) MeshError {
	return New(CodeIntegrity, format, args...)
}

// ErrNotInitialized creates a not-initialized error.
func ErrNotInitialized(component string) MeshError {
	return New(CodeNotInitialized, "%s used before initialization", component)
}

// ErrSessionNotFound creates a session-not-found error.
func ErrSessionNotFound(sessionID string) MeshError {
	return New(CodeSessionNotFound, "session not found or expired: %s", sessionID).
		WithMetadata("session_id", sessionID)
}

// ErrRateLimited creates a rate-limit denial with a retry-after hint.
func ErrRateLimited(key string, retryAfter time.Duration) MeshError {
	e := New(CodeRateLimited, "rate limit exceeded for %s", key).
		WithMetadata("key", key)
	e.(*baseError).retryAfter = retryAfter
	return e
}

// ErrCircuitOpen creates a breaker rejection with a retry-after hint.
func ErrCircuitOpen(target string, retryAfter time.Duration) MeshError {
	e := New(CodeCircuitOpen, "circuit open for %s", target).
		WithMetadata("target", target)
	e.(*baseError).retryAfter = retryAfter
	return e
}

// ErrTimeout creates a timeout error for the named operation.
func ErrTimeout(operation string, limit time.Duration) MeshError {
	return New(CodeTimeout, "%s timed out after %s", operation, limit).
		WithMetadata("operation", operation)
}

// ErrPeerUnavailable creates a directory-miss error.
func ErrPeerUnavailable(peerID string) MeshError {
	return New(CodePeerUnavailable, "peer not available: %s", peerID).
		WithMetadata("peer_id", peerID)
}

// ErrInternal creates an internal error.
func ErrInternal(format string, args ...interface{}) MeshError {
	return New(CodeInternal, format, args...)
}

// ErrInvalidArgument creates an invalid-argument error.
func ErrInvalidArgument(format string, args ...interface{}) MeshError {
	return New(CodeInvalidArgument, format, args...)
}

// ================================================================================
// Inspection Utilities
// ================================================================================

// AsMeshError attempts to extract a MeshError from err's chain.
func AsMeshError(err error) (MeshError, bool) {
	var me MeshError
	ok := stderrors.As(err, &me)
	return me, ok
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	if me, ok := AsMeshError(err); ok {
		return me.Code() == code
	}
	return false
}

// IsRetryable reports whether err is transient by default. Authentication and
// integrity failures indicate misconfiguration or an attack and are never
// retryable unless a retry policy explicitly allow-lists them.
func IsRetryable(err error) bool {
	me, ok := AsMeshError(err)
	if !ok {
		// Unknown errors are treated as transient transport failures.
		return true
	}
	switch me.Code() {
	case CodeTimeout, CodePeerUnavailable, CodeInternal:
		return true
	default:
		return false
	}
}

// RetryAfterHint returns the retry-after duration carried by err, zero if none.
func RetryAfterHint(err error) time.Duration {
	if me, ok := AsMeshError(err); ok {
		return me.RetryAfter()
	}
	return 0
}

// Is delegates to the standard library for sentinel matching.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As delegates to the standard library.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }
