package keystore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
)

// FileStore persists key pairs under dir/<serviceID>/{private,public}.pem.
// Private key files are written with 0600 permissions.
type FileStore struct {
	mu  sync.Mutex
	dir string
	log logger.Logger
}

// NewFileStore creates a file-backed key store rooted at dir.
func NewFileStore(dir string, log logger.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.ErrInvalidArgument("key store path is required")
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to create key store directory")
	}
	return &FileStore{dir: dir, log: log.WithComponent("keystore")}, nil
}

var _ service.KeyStore = (*FileStore)(nil)

// Ensure loads the pair from disk, generating and persisting one if absent.
func (s *FileStore) Ensure(ctx context.Context, serviceID string, bits int) (*models.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pair, err := s.read(serviceID); err == nil {
		return pair, nil
	}

	pair, err := GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to generate key pair for %s", serviceID)
	}
	if err := s.write(serviceID, pair); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "Key pair generated",
		logger.String("service_id", serviceID),
		logger.Int("bits", bits),
	)
	return pair, nil
}

// Load reads the pair from disk.
func (s *FileStore) Load(ctx context.Context, serviceID string) (*models.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(serviceID)
}

// Regenerate overwrites any persisted pair with a fresh one.
func (s *FileStore) Regenerate(ctx context.Context, serviceID string, bits int) (*models.KeyPair, error) {
	pair, err := GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to regenerate key pair for %s", serviceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(serviceID, pair); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "Key pair regenerated", logger.String("service_id", serviceID))
	return pair, nil
}

// Delete removes the persisted pair.
func (s *FileStore) Delete(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.serviceDir(serviceID)); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to delete key pair for %s", serviceID)
	}
	return nil
}

func (s *FileStore) serviceDir(serviceID string) string {
	return filepath.Join(s.dir, serviceID)
}

func (s *FileStore) read(serviceID string) (*models.KeyPair, error) {
	dir := s.serviceDir(serviceID)

	privatePEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, errors.ErrNotInitialized("key store").
			WithCause(err).
			WithMetadata("service_id", serviceID)
	}
	publicPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "public key missing for %s", serviceID)
	}

	info, err := os.Stat(filepath.Join(dir, privateKeyFile))
	createdAt := time.Now().UTC()
	if err == nil {
		createdAt = info.ModTime().UTC()
	}

	return &models.KeyPair{
		PrivateKey: string(privatePEM),
		PublicKey:  string(publicPEM),
		CreatedAt:  createdAt,
	}, nil
}

func (s *FileStore) write(serviceID string, pair *models.KeyPair) error {
	dir := s.serviceDir(serviceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to create key directory for %s", serviceID)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), []byte(pair.PrivateKey), 0o600); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to write private key for %s", serviceID)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(pair.PublicKey), 0o644); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to write public key for %s", serviceID)
	}
	return nil
}
