// Package constants defines system-wide constants for the mesh session and
// resilience layer. All tunables here are defaults; the effective values come
// from internal/config.
package constants

import "time"

// ================================================================================
// Audit Event Types
// ================================================================================

// AuditEventType classifies audit events emitted by the mesh core.
type AuditEventType string

const (
	// AuditEventConnection covers handshakes and session establishment.
	AuditEventConnection AuditEventType = "connection"

	// AuditEventMessage covers encrypted data-channel messages.
	AuditEventMessage AuditEventType = "message"

	// AuditEventKeyRotation covers scheduled and manual key rotations.
	AuditEventKeyRotation AuditEventType = "key_rotation"

	// AuditEventRateLimit covers rate-limit denials.
	AuditEventRateLimit AuditEventType = "rate_limit"

	// AuditEventCircuitBreaker covers breaker state transitions.
	AuditEventCircuitBreaker AuditEventType = "circuit_breaker"

	// AuditEventError covers failures not attributable to the above.
	AuditEventError AuditEventType = "error"
)

// ================================================================================
// Circuit Breaker States
// ================================================================================

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	// BreakerClosed allows all calls through.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen rejects calls locally until the reset timeout elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen admits probe calls after the reset timeout.
	BreakerHalfOpen BreakerState = "half_open"
)

// ================================================================================
// Health Status
// ================================================================================

// HealthStatus is the aggregated or per-check health state.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// Worse reports whether a is a worse status than b, for aggregation.
func (a HealthStatus) Worse(b HealthStatus) bool {
	return healthRank(a) > healthRank(b)
}

func healthRank(s HealthStatus) int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnhealthy:
		return 2
	default:
		return 1
	}
}

// ================================================================================
// Cryptography Defaults
// ================================================================================

const (
	// DefaultRSAKeyBits is the RSA modulus size for service identity keys.
	DefaultRSAKeyBits = 2048

	// DefaultSessionKeyBytes is the symmetric session key length (256 bit).
	DefaultSessionKeyBytes = 32

	// DefaultGCMIVBytes is the AES-GCM IV length.
	DefaultGCMIVBytes = 16

	// DefaultCryptoWorkers bounds concurrent RSA operations.
	DefaultCryptoWorkers = 4

	// DefaultPeerKeyCacheSize bounds the parsed peer public key cache.
	DefaultPeerKeyCacheSize = 256
)

// ================================================================================
// Lifetime Defaults
// ================================================================================

const (
	// DefaultTokenTTL is the lifetime of issued identity tokens.
	DefaultTokenTTL = 1 * time.Hour

	// DefaultSessionTTL is the sliding session lifetime.
	DefaultSessionTTL = 30 * time.Minute

	// DefaultSessionSweepInterval is the ledger janitor cadence. The sweep
	// bounds memory only; lazy expiry on read is the correctness guarantee.
	DefaultSessionSweepInterval = 1 * time.Minute

	// DefaultRotationInterval is the auto key-rotation cadence.
	DefaultRotationInterval = 1 * time.Hour
)

// ================================================================================
// Resilience Defaults
// ================================================================================

const (
	// DefaultRateLimitWindow is the fixed rate-limit window.
	DefaultRateLimitWindow = 1 * time.Minute

	// DefaultRateLimitMax is the maximum calls per window per key.
	DefaultRateLimitMax = 100

	// DefaultRateLimitBlock is how long an exceeding key stays blocked.
	DefaultRateLimitBlock = 5 * time.Minute

	// DefaultFailureThreshold trips the breaker from closed to open.
	DefaultFailureThreshold = 5

	// DefaultSuccessThreshold closes the breaker from half-open.
	DefaultSuccessThreshold = 2

	// DefaultBreakerTimeout is the open-state cooldown.
	DefaultBreakerTimeout = 30 * time.Second

	// DefaultMonitoringWindow is the breaker failure-counting period.
	DefaultMonitoringWindow = 1 * time.Minute

	// DefaultMaxAttempts is the retry attempt cap, first try included.
	DefaultMaxAttempts = 3

	// DefaultInitialDelay is the first retry backoff delay.
	DefaultInitialDelay = 100 * time.Millisecond

	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 10 * time.Second

	// DefaultBackoffMultiplier grows the delay between attempts.
	DefaultBackoffMultiplier = 2.0

	// DefaultCallTimeout guards each wrapped call.
	DefaultCallTimeout = 10 * time.Second

	// DefaultHealthCheckInterval is the monitor loop cadence.
	DefaultHealthCheckInterval = 30 * time.Second
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey is the type for values the mesh places on a context.
type ContextKey string

const (
	// ContextKeyRequestID carries the per-call correlation id.
	ContextKeyRequestID ContextKey = "mesh_request_id"

	// ContextKeyServiceID carries the local service identity.
	ContextKeyServiceID ContextKey = "mesh_service_id"

	// ContextKeyTraceID carries the tracing correlation id.
	ContextKeyTraceID ContextKey = "mesh_trace_id"
)

// ================================================================================
// Log Levels
// ================================================================================

// LogLevel orders logging severities.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)
