// Package keystore provides the per-service asymmetric key pair stores:
// in-memory, file-backed, and Vault-backed. All stores hand out PEM-encoded
// material; parsing happens inside the crypto engine.
package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/turtacn/meshsec/internal/domain/models"
)

// GenerateRSAKeyPair creates a PEM-encoded RSA key pair of the given modulus
// size.
func GenerateRSAKeyPair(bits int) (*models.KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	privateKeyBlock := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	publicKeyBlock := &pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	}

	return &models.KeyPair{
		PrivateKey: string(pem.EncodeToMemory(privateKeyBlock)),
		PublicKey:  string(pem.EncodeToMemory(publicKeyBlock)),
		CreatedAt:  time.Now().UTC(),
	}, nil
}
