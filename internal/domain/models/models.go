// Package models defines the data model shared by all mesh components:
// sessions, key material references, envelopes, directory entries, and
// resilience bookkeeping records.
package models

import (
	"time"

	"github.com/turtacn/meshsec/pkg/constants"
)

// KeyPair is PEM-encoded asymmetric key material for one service identity.
// The key store owns it; the crypto engine borrows it per operation.
type KeyPair struct {
	// PublicKey in PEM format.
	PublicKey string
	// PrivateKey in PEM format. Never leaves the key store boundary except
	// as an opaque handle to the crypto engine.
	PrivateKey string
	// CreatedAt is when the pair was generated.
	CreatedAt time.Time
}

// Session is an established symmetric session with a peer. expiresAt always
// equals lastActivity + ttl (sliding expiration); the ledger refreshes both
// atomically on every successful lookup.
type Session struct {
	ID            string
	PeerServiceID string
	// SessionKey is the shared symmetric key. Owned by the session, never
	// persisted independently.
	SessionKey   []byte
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	Metadata     map[string]string
}

// Expired reports whether the session is past its sliding deadline.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Clone returns a copy safe to hand outside the ledger's lock. The session
// key bytes are shared; callers must not mutate them.
func (s *Session) Clone() *Session {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// TokenPayload is the claim set of an identity token.
type TokenPayload struct {
	Subject   string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	TokenID   string
	// Extra carries caller-supplied claims.
	Extra map[string]interface{}
}

// EncryptedEnvelope is the hybrid or session-mode ciphertext container.
// In hybrid mode EncryptedKey and HMAC are set; in session mode both are
// empty and the key is implicit from the session.
type EncryptedEnvelope struct {
	EncryptedData []byte
	// EncryptedKey is the RSA-OAEP-wrapped one-time AES key (hybrid mode).
	EncryptedKey []byte
	IV           []byte
	AuthTag      []byte
	// HMAC is computed over EncryptedData with the pre-encryption AES key.
	// It is verified before any symmetric decryption is attempted.
	HMAC []byte
}

// CircuitBreakerRecord is the per-target breaker bookkeeping.
type CircuitBreakerRecord struct {
	State         constants.BreakerState
	FailureCount  int
	SuccessCount  int
	LastFailure   time.Time
	NextAttemptAt time.Time
}

// RateLimitRecord is the per-key fixed-window bookkeeping.
type RateLimitRecord struct {
	Count         int
	WindowResetAt time.Time
	// BlockedUntil is zero unless the key exceeded the window maximum.
	BlockedUntil time.Time
}

// RateLimitResult is the outcome of a rate-limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	// RetryAfter is non-zero when the check was denied.
	RetryAfter time.Duration
}

// ServiceDescriptor is a directory entry for a known peer.
type ServiceDescriptor struct {
	ID   string
	Host string
	Port int
	// PublicKey is the peer's identity key in PEM format, when known.
	PublicKey       string
	Status          constants.HealthStatus
	LastHealthCheck time.Time
}

// HealthCheckResult is the outcome of one named health check.
type HealthCheckResult struct {
	Name    string
	Status  constants.HealthStatus
	Message string
	Elapsed time.Duration
}

// HealthReport aggregates all check results.
type HealthReport struct {
	Status    constants.HealthStatus
	Checks    []HealthCheckResult
	Timestamp time.Time
}

// MeshStats is the pull-based metrics snapshot of one orchestrator instance.
type MeshStats struct {
	ServiceID          string
	ActiveSessions     int
	KnownPeers         int
	ConnectionsTotal   int64
	MessagesTotal      int64
	FailuresTotal      int64
	RateLimitAllowed   int64
	RateLimitBlocked   int64
	BreakerStates      map[string]constants.BreakerState
	AvgCallLatency     time.Duration
	LastRotationAt     time.Time
	LastRotationStatus string
}
