// Package crypto implements the hybrid cryptography engine: AES-256-GCM for
// bulk data, RSA-OAEP for key wrapping, an HMAC-SHA-256 integrity layer
// independent of GCM's own tag, and RSA signatures for identity proofs.
//
// RSA operations are CPU-bound and pass through a bounded worker pool so a
// burst of handshakes cannot stall session bookkeeping.
package crypto

import (
	"context"
	stdcrypto "crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

const gcmTagSize = 16

// Engine is the hybrid cryptography engine. It borrows the local key pair
// from the key store via LoadKeyPair and never persists it.
type Engine struct {
	mu           sync.RWMutex
	privateKey   *rsa.PrivateKey
	publicKeyPEM string

	cfg      *config.CryptoConfig
	rsaPool  *semaphore.Weighted
	peerKeys *lru.Cache[string, *rsa.PublicKey]
	log      logger.Logger
}

// NewEngine creates an engine with no key pair loaded. Decrypt, Sign, and
// UnwrapKey fail until LoadKeyPair is called.
func NewEngine(cfg *config.CryptoConfig, log logger.Logger) (*Engine, error) {
	if cfg == nil {
		defaults := config.Default().Crypto
		cfg = &defaults
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = constants.DefaultCryptoWorkers
	}
	cacheSize := cfg.PeerKeyCacheSize
	if cacheSize <= 0 {
		cacheSize = constants.DefaultPeerKeyCacheSize
	}

	peerKeys, err := lru.New[string, *rsa.PublicKey](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create peer key cache")
	}

	return &Engine{
		cfg:      cfg,
		rsaPool:  semaphore.NewWeighted(int64(workers)),
		peerKeys: peerKeys,
		log:      log.WithComponent("crypto"),
	}, nil
}

var _ service.CryptoEngine = (*Engine)(nil)

// LoadKeyPair installs the local identity key pair.
func (e *Engine) LoadKeyPair(keyPair *models.KeyPair) error {
	if keyPair == nil {
		return errors.ErrInvalidArgument("key pair is required")
	}

	block, _ := pem.Decode([]byte(keyPair.PrivateKey))
	if block == nil {
		return errors.ErrInvalidArgument("private key is not valid PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidArgument, "failed to parse private key")
	}

	e.mu.Lock()
	e.privateKey = privateKey
	e.publicKeyPEM = keyPair.PublicKey
	e.mu.Unlock()
	return nil
}

// PublicKeyPEM returns the loaded local public key.
func (e *Engine) PublicKeyPEM() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.publicKeyPEM == "" {
		return "", errors.ErrNotInitialized("crypto engine")
	}
	return e.publicKeyPEM, nil
}

// GenerateSessionKey creates a fresh symmetric session key.
func (e *Engine) GenerateSessionKey() ([]byte, error) {
	size := e.cfg.SessionKeyBytes
	if size <= 0 {
		size = constants.DefaultSessionKeyBytes
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to generate session key")
	}
	return key, nil
}

// Encrypt hybrid-encrypts plaintext for the recipient: a one-time AES key
// GCM-encrypts the data, the key is RSA-OAEP-wrapped under the recipient's
// public key, and an HMAC over the ciphertext (keyed with the pre-encryption
// AES key) adds an integrity layer independent of GCM's tag.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, recipientPublicKeyPEM string) (*models.EncryptedEnvelope, error) {
	aesKey, err := e.GenerateSessionKey()
	if err != nil {
		return nil, err
	}

	envelope, err := sealGCM(aesKey, plaintext)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, aesKey)
	mac.Write(envelope.EncryptedData)
	envelope.HMAC = mac.Sum(nil)

	wrapped, err := e.WrapKey(ctx, aesKey, recipientPublicKeyPEM)
	if err != nil {
		return nil, err
	}
	envelope.EncryptedKey = wrapped

	return envelope, nil
}

// Decrypt reverses Encrypt. The order is strict: RSA-unwrap the AES key,
// recompute and constant-time-compare the HMAC, then GCM-decrypt. Any step
// failing aborts with no partial plaintext.
func (e *Engine) Decrypt(ctx context.Context, envelope *models.EncryptedEnvelope) ([]byte, error) {
	if envelope == nil {
		return nil, errors.ErrInvalidArgument("envelope is required")
	}

	aesKey, err := e.UnwrapKey(ctx, envelope.EncryptedKey)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, aesKey)
	mac.Write(envelope.EncryptedData)
	if !hmac.Equal(mac.Sum(nil), envelope.HMAC) {
		return nil, errors.ErrIntegrity("envelope HMAC mismatch")
	}

	return openGCM(aesKey, envelope)
}

// EncryptWithSessionKey encrypts under a pre-shared session key. Used for the
// high-frequency data channel after handshake; no RSA and no extra HMAC, GCM
// authenticates each leg.
func (e *Engine) EncryptWithSessionKey(sessionKey, plaintext []byte) (*models.EncryptedEnvelope, error) {
	return sealGCM(sessionKey, plaintext)
}

// DecryptWithSessionKey reverses EncryptWithSessionKey.
func (e *Engine) DecryptWithSessionKey(sessionKey []byte, envelope *models.EncryptedEnvelope) ([]byte, error) {
	if envelope == nil {
		return nil, errors.ErrInvalidArgument("envelope is required")
	}
	return openGCM(sessionKey, envelope)
}

// WrapKey RSA-OAEP(SHA-256)-encrypts a symmetric key for the recipient.
func (e *Engine) WrapKey(ctx context.Context, key []byte, recipientPublicKeyPEM string) ([]byte, error) {
	publicKey, err := e.parsePublicKey(recipientPublicKeyPEM)
	if err != nil {
		return nil, err
	}

	if err := e.rsaPool.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.CodeTimeout, "crypto worker pool unavailable")
	}
	defer e.rsaPool.Release(1)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, key, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to wrap key")
	}
	return wrapped, nil
}

// UnwrapKey reverses WrapKey with the local private key.
func (e *Engine) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	privateKey, err := e.localPrivateKey()
	if err != nil {
		return nil, err
	}

	if err := e.rsaPool.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.CodeTimeout, "crypto worker pool unavailable")
	}
	defer e.rsaPool.Release(1)

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, wrapped, nil)
	if err != nil {
		return nil, errors.ErrIntegrity("failed to unwrap key").WithCause(err)
	}
	return key, nil
}

// Sign signs data with the local private key (PKCS#1 v1.5 over SHA-256).
func (e *Engine) Sign(ctx context.Context, data []byte) ([]byte, error) {
	privateKey, err := e.localPrivateKey()
	if err != nil {
		return nil, err
	}

	if err := e.rsaPool.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.CodeTimeout, "crypto worker pool unavailable")
	}
	defer e.rsaPool.Release(1)

	digest := sha256.Sum256(data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, privateKey, stdcrypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to sign data")
	}
	return signature, nil
}

// Verify checks a signature against the given public key.
func (e *Engine) Verify(ctx context.Context, data, signature []byte, publicKeyPEM string) (bool, error) {
	publicKey, err := e.parsePublicKey(publicKeyPEM)
	if err != nil {
		return false, err
	}

	if err := e.rsaPool.Acquire(ctx, 1); err != nil {
		return false, errors.Wrap(err, errors.CodeTimeout, "crypto worker pool unavailable")
	}
	defer e.rsaPool.Release(1)

	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(publicKey, stdcrypto.SHA256, digest[:], signature); err != nil {
		return false, nil
	}
	return true, nil
}

func (e *Engine) localPrivateKey() (*rsa.PrivateKey, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.privateKey == nil {
		return nil, errors.ErrNotInitialized("crypto engine")
	}
	return e.privateKey, nil
}

// parsePublicKey parses a PEM public key, memoizing parsed keys in an LRU
// cache keyed by the PEM text.
func (e *Engine) parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	if key, ok := e.peerKeys.Get(publicKeyPEM); ok {
		return key, nil
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.ErrInvalidArgument("public key is not valid PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidArgument, "failed to parse public key")
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.ErrInvalidArgument("public key is not RSA")
	}

	e.peerKeys.Add(publicKeyPEM, rsaKey)
	return rsaKey, nil
}

// sealGCM AES-GCM-encrypts plaintext with a fresh 16-byte IV, splitting the
// auth tag out of the sealed output.
func sealGCM(key, plaintext []byte) (*models.EncryptedEnvelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidArgument, "invalid symmetric key")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, constants.DefaultGCMIVBytes)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create GCM")
	}

	iv := make([]byte, constants.DefaultGCMIVBytes)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to generate IV")
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - gcmTagSize

	return &models.EncryptedEnvelope{
		EncryptedData: sealed[:split],
		IV:            iv,
		AuthTag:       sealed[split:],
	}, nil
}

// openGCM reverses sealGCM. Tag mismatch is reported as tampering.
func openGCM(key []byte, envelope *models.EncryptedEnvelope) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidArgument, "invalid symmetric key")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(envelope.IV))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create GCM")
	}

	sealed := make([]byte, 0, len(envelope.EncryptedData)+len(envelope.AuthTag))
	sealed = append(sealed, envelope.EncryptedData...)
	sealed = append(sealed, envelope.AuthTag...)

	plaintext, err := gcm.Open(nil, envelope.IV, sealed, nil)
	if err != nil {
		return nil, errors.ErrIntegrity("auth tag verification failed").WithCause(err)
	}
	return plaintext, nil
}
