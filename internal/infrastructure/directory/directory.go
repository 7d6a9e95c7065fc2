// Package directory tracks the peers a mesh instance knows about: their
// addresses, identity public keys, and last observed health.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/constants"
	"github.com/turtacn/meshsec/pkg/errors"
	"github.com/turtacn/meshsec/pkg/logger"
)

// Registry is the in-memory service directory. Registering an existing id
// overwrites the previous descriptor; peers re-register on key rotation.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*models.ServiceDescriptor
	log      logger.Logger
}

// NewRegistry creates an empty directory.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Registry{
		services: make(map[string]*models.ServiceDescriptor),
		log:      log.WithComponent("directory"),
	}
}

var _ service.Directory = (*Registry)(nil)

// Register adds or replaces a peer descriptor.
func (r *Registry) Register(descriptor *models.ServiceDescriptor) error {
	if descriptor == nil || descriptor.ID == "" {
		return errors.ErrInvalidArgument("service descriptor requires an id")
	}

	d := *descriptor
	if d.Status == "" {
		d.Status = constants.HealthStatusUnknown
	}

	r.mu.Lock()
	_, replaced := r.services[d.ID]
	r.services[d.ID] = &d
	r.mu.Unlock()

	r.log.Info(context.Background(), "Service registered",
		logger.String("service_id", d.ID),
		logger.String("host", d.Host),
		logger.Int("port", d.Port),
		logger.Bool("replaced", replaced),
	)
	return nil
}

// Get returns the descriptor for serviceID.
func (r *Registry) Get(serviceID string) (*models.ServiceDescriptor, error) {
	r.mu.RLock()
	d, ok := r.services[serviceID]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.ErrPeerUnavailable(serviceID)
	}
	copied := *d
	return &copied, nil
}

// List returns all known descriptors, ordered by id for stable output.
func (r *Registry) List() []*models.ServiceDescriptor {
	r.mu.RLock()
	out := make([]*models.ServiceDescriptor, 0, len(r.services))
	for _, d := range r.services {
		copied := *d
		out = append(out, &copied)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateHealth records a health observation for serviceID.
func (r *Registry) UpdateHealth(serviceID string, status constants.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.services[serviceID]
	if !ok {
		return errors.ErrPeerUnavailable(serviceID)
	}
	d.Status = status
	d.LastHealthCheck = time.Now()
	return nil
}

// Remove deletes the descriptor for serviceID.
func (r *Registry) Remove(serviceID string) error {
	r.mu.Lock()
	_, ok := r.services[serviceID]
	delete(r.services, serviceID)
	r.mu.Unlock()

	if !ok {
		return errors.ErrPeerUnavailable(serviceID)
	}
	return nil
}
