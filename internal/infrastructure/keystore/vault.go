package keystore

import (
	"context"
	"path"
	"time"

	vault "github.com/hashicorp/vault/api"

	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// VaultStore persists key pairs in HashiCorp Vault's KVv2 engine under
// <mount>/<basePath>/<serviceID>.
type VaultStore struct {
	client   *vault.Client
	mount    string
	basePath string
	log      logger.Logger
}

// NewVaultStore creates a Vault-backed key store. A dev/root token is assumed;
// production deployments would swap in AppRole auth.
func NewVaultStore(cfg *config.KeyStoreConfig, log logger.Logger) (*VaultStore, error) {
	if cfg.VaultAddress == "" {
		return nil, errors.ErrInvalidArgument("key_store.vault_address is required")
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.VaultAddress

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create vault client")
	}
	client.SetToken(cfg.VaultToken)

	return &VaultStore{
		client:   client,
		mount:    cfg.VaultMount,
		basePath: cfg.VaultPath,
		log:      log.WithComponent("keystore"),
	}, nil
}

var _ service.KeyStore = (*VaultStore)(nil)

// Ensure loads the pair from Vault, generating and persisting one if absent.
func (s *VaultStore) Ensure(ctx context.Context, serviceID string, bits int) (*models.KeyPair, error) {
	if pair, err := s.Load(ctx, serviceID); err == nil {
		return pair, nil
	}

	pair, err := GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to generate key pair for %s", serviceID)
	}
	if err := s.write(ctx, serviceID, pair); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "Key pair generated",
		logger.String("service_id", serviceID),
		logger.Int("bits", bits),
	)
	return pair, nil
}

// Load reads the pair from Vault.
func (s *VaultStore) Load(ctx context.Context, serviceID string) (*models.KeyPair, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, s.secretPath(serviceID))
	if err != nil {
		return nil, errors.ErrNotInitialized("key store").
			WithCause(err).
			WithMetadata("service_id", serviceID)
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.ErrNotInitialized("key store").
			WithMetadata("service_id", serviceID)
	}

	pair := &models.KeyPair{}
	if v, ok := secret.Data["private_key"].(string); ok {
		pair.PrivateKey = v
	}
	if v, ok := secret.Data["public_key"].(string); ok {
		pair.PublicKey = v
	}
	if v, ok := secret.Data["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			pair.CreatedAt = t
		}
	}
	if pair.PrivateKey == "" || pair.PublicKey == "" {
		return nil, errors.ErrInternal("vault secret for %s is missing key material", serviceID)
	}
	return pair, nil
}

// Regenerate overwrites any stored pair with a fresh one.
func (s *VaultStore) Regenerate(ctx context.Context, serviceID string, bits int) (*models.KeyPair, error) {
	pair, err := GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to regenerate key pair for %s", serviceID)
	}
	if err := s.write(ctx, serviceID, pair); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "Key pair regenerated", logger.String("service_id", serviceID))
	return pair, nil
}

// Delete removes the stored pair from Vault.
func (s *VaultStore) Delete(ctx context.Context, serviceID string) error {
	if err := s.client.KVv2(s.mount).Delete(ctx, s.secretPath(serviceID)); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to delete key pair for %s", serviceID)
	}
	return nil
}

func (s *VaultStore) write(ctx context.Context, serviceID string, pair *models.KeyPair) error {
	data := map[string]interface{}{
		"private_key": pair.PrivateKey,
		"public_key":  pair.PublicKey,
		"created_at":  pair.CreatedAt.Format(time.RFC3339),
	}
	if _, err := s.client.KVv2(s.mount).Put(ctx, s.secretPath(serviceID), data); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to store key pair for %s", serviceID)
	}
	return nil
}

func (s *VaultStore) secretPath(serviceID string) string {
	return path.Join(s.basePath, serviceID)
}
