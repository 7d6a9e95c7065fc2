// Package service defines the interfaces between mesh components. The
// orchestrator composes implementations from internal/infrastructure; tests
// substitute fakes at these seams.
package service

import (
	"context"
	"time"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/pkg/constants"
)

// KeyStore generates, persists, and retrieves per-service asymmetric key
// pairs. Pairs are created on first use and never regenerated implicitly;
// Regenerate is an explicit operator action.
type KeyStore interface {
	// Ensure returns the stored key pair for serviceID, generating and
	// persisting a fresh one if none exists.
	Ensure(ctx context.Context, serviceID string, bits int) (*models.KeyPair, error)

	// Load returns the stored key pair, or an error when absent.
	Load(ctx context.Context, serviceID string) (*models.KeyPair, error)

	// Regenerate discards any stored pair and creates a new one.
	Regenerate(ctx context.Context, serviceID string, bits int) (*models.KeyPair, error)

	// Delete removes the stored pair.
	Delete(ctx context.Context, serviceID string) error
}

// CryptoEngine performs hybrid and session-mode encryption, signing, and
// session key generation. It must be loaded with a local key pair before
// Decrypt, Sign, or UnwrapKey are used.
type CryptoEngine interface {
	// LoadKeyPair installs the local identity key pair.
	LoadKeyPair(keyPair *models.KeyPair) error

	// PublicKeyPEM returns the loaded local public key.
	PublicKeyPEM() (string, error)

	// Encrypt hybrid-encrypts plaintext for the recipient's public key.
	Encrypt(ctx context.Context, plaintext []byte, recipientPublicKeyPEM string) (*models.EncryptedEnvelope, error)

	// Decrypt reverses Encrypt using the local private key. Integrity is
	// verified before any plaintext is produced.
	Decrypt(ctx context.Context, envelope *models.EncryptedEnvelope) ([]byte, error)

	// EncryptWithSessionKey encrypts under a pre-shared session key,
	// skipping the RSA key wrap.
	EncryptWithSessionKey(sessionKey, plaintext []byte) (*models.EncryptedEnvelope, error)

	// DecryptWithSessionKey reverses EncryptWithSessionKey.
	DecryptWithSessionKey(sessionKey []byte, envelope *models.EncryptedEnvelope) ([]byte, error)

	// WrapKey RSA-OAEP-encrypts a symmetric key under the recipient's key.
	WrapKey(ctx context.Context, key []byte, recipientPublicKeyPEM string) ([]byte, error)

	// UnwrapKey reverses WrapKey using the local private key.
	UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error)

	// Sign signs data with the local private key.
	Sign(ctx context.Context, data []byte) ([]byte, error)

	// Verify checks a signature against the given public key.
	Verify(ctx context.Context, data, signature []byte, publicKeyPEM string) (bool, error)

	// GenerateSessionKey creates a fresh symmetric session key.
	GenerateSessionKey() ([]byte, error)
}

// TokenService issues and verifies short-lived signed identity tokens.
type TokenService interface {
	// Issue creates a token for the given audience signed with the local
	// private key.
	Issue(ctx context.Context, audience string, ttl time.Duration, extra map[string]interface{}) (string, error)

	// Verify validates a token claimed to come from claimedIssuer. It fails
	// when the signature is invalid, the audience is not the local identity,
	// the token is expired, or the issuer's public key is unknown.
	Verify(ctx context.Context, token, claimedIssuer string) (*models.TokenPayload, error)
}

// SessionLedger tracks established sessions with sliding expiration.
type SessionLedger interface {
	// Create registers a new session with a fresh unique id.
	Create(peerServiceID string, sessionKey []byte, metadata map[string]string) *models.Session

	// Adopt registers a session under an id assigned by the peer, as the
	// initiating side of a handshake does.
	Adopt(sessionID, peerServiceID string, sessionKey []byte, metadata map[string]string) *models.Session

	// Get returns the session and refreshes its sliding deadline. Expired
	// sessions are deleted on lookup and reported absent.
	Get(sessionID string) (*models.Session, bool)

	// FindByPeer returns a live session for the peer, sliding it like Get.
	FindByPeer(peerServiceID string) (*models.Session, bool)

	// Invalidate removes a session unconditionally.
	Invalidate(sessionID string) bool

	// SweepExpired removes all expired sessions and returns the count. The
	// sweep bounds memory; lazy expiry on read is the correctness guarantee.
	SweepExpired() int

	// Len returns the number of tracked sessions, expired ones included.
	Len() int

	// Snapshot returns copies of all live sessions, without sliding them.
	Snapshot() []*models.Session

	// Close stops the background sweeper.
	Close()
}

// RateLimiter enforces a fixed window with block-on-exceed per key.
type RateLimiter interface {
	// Check consumes one permit for key and reports the outcome.
	Check(ctx context.Context, key string) (*models.RateLimitResult, error)

	// Close releases limiter resources.
	Close() error
}

// Directory tracks known peers.
type Directory interface {
	Register(descriptor *models.ServiceDescriptor) error
	Get(serviceID string) (*models.ServiceDescriptor, error)
	List() []*models.ServiceDescriptor
	UpdateHealth(serviceID string, status constants.HealthStatus) error
	Remove(serviceID string) error
}

// AuditPublisher accepts audit events, fire-and-forget.
type AuditPublisher interface {
	Publish(event *models.AuditEvent)
}

// AuditSink consumes dispatched audit events. Sink failures are isolated from
// mesh operation.
type AuditSink interface {
	Write(ctx context.Context, event *models.AuditEvent) error
	Close() error
}

// Transport carries protocol messages to a peer. Implementations are external
// to the mesh core; tests use an in-process transport.
type Transport interface {
	SendHandshake(ctx context.Context, peer *models.ServiceDescriptor, req *models.HandshakeRequest) (*models.HandshakeResponse, error)
	SendMessage(ctx context.Context, peer *models.ServiceDescriptor, msg *models.DataMessage) (*models.DataMessage, error)
}
