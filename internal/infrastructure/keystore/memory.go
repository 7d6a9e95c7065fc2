package keystore

import (
	"context"
	"sync"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// MemoryStore keeps key pairs in process memory. Suitable for tests and
// single-run deployments where identity keys may be ephemeral.
type MemoryStore struct {
	mu    sync.RWMutex
	pairs map[string]*models.KeyPair
	log   logger.Logger
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore(log logger.Logger) *MemoryStore {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &MemoryStore{
		pairs: make(map[string]*models.KeyPair),
		log:   log.WithComponent("keystore"),
	}
}

var _ service.KeyStore = (*MemoryStore)(nil)

// Ensure returns the stored pair for serviceID, generating one if absent.
func (s *MemoryStore) Ensure(ctx context.Context, serviceID string, bits int) (*models.KeyPair, error) {
	s.mu.RLock()
	pair, ok := s.pairs[serviceID]
	s.mu.RUnlock()
	if ok {
		return pair, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring the write lock.
	if pair, ok := s.pairs[serviceID]; ok {
		return pair, nil
	}

	pair, err := GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to generate key pair for %s", serviceID)
	}
	s.pairs[serviceID] = pair

	s.log.Info(ctx, "Key pair generated",
		logger.String("service_id", serviceID),
		logger.Int("bits", bits),
	)
	return pair, nil
}

// Load returns the stored pair or a not-found error.
func (s *MemoryStore) Load(ctx context.Context, serviceID string) (*models.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, ok := s.pairs[serviceID]
	if !ok {
		return nil, errors.ErrNotInitialized("key store").
			WithMetadata("service_id", serviceID)
	}
	return pair, nil
}

// Regenerate replaces any stored pair with a fresh one. Explicit operator
// action only; Ensure never overwrites.
func (s *MemoryStore) Regenerate(ctx context.Context, serviceID string, bits int) (*models.KeyPair, error) {
	pair, err := GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to regenerate key pair for %s", serviceID)
	}

	s.mu.Lock()
	s.pairs[serviceID] = pair
	s.mu.Unlock()

	s.log.Info(ctx, "Key pair regenerated", logger.String("service_id", serviceID))
	return pair, nil
}

// Delete removes the stored pair.
func (s *MemoryStore) Delete(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	delete(s.pairs, serviceID)
	s.mu.Unlock()
	return nil
}
