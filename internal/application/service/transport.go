package service

import (
	"context"
	"sync"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/errors"
)

// InProcessNetwork routes protocol messages between mesh nodes living in the
// same process. It is the transport used by tests and by embedded
// deployments; networked deployments plug in their own service.Transport.
type InProcessNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*MeshService
}

// NewInProcessNetwork creates an empty network.
func NewInProcessNetwork() *InProcessNetwork {
	return &InProcessNetwork{nodes: make(map[string]*MeshService)}
}

var _ service.Transport = (*InProcessNetwork)(nil)

// Join adds a node to the network under its service id.
func (n *InProcessNetwork) Join(serviceID string, node *MeshService) {
	n.mu.Lock()
	n.nodes[serviceID] = node
	n.mu.Unlock()
}

// Leave removes a node from the network.
func (n *InProcessNetwork) Leave(serviceID string) {
	n.mu.Lock()
	delete(n.nodes, serviceID)
	n.mu.Unlock()
}

// SendHandshake delivers a handshake request to the peer node.
func (n *InProcessNetwork) SendHandshake(ctx context.Context, peer *models.ServiceDescriptor, req *models.HandshakeRequest) (*models.HandshakeResponse, error) {
	node, err := n.node(peer)
	if err != nil {
		return nil, err
	}
	return node.HandleHandshake(ctx, req)
}

// SendMessage delivers a data message to the peer node.
func (n *InProcessNetwork) SendMessage(ctx context.Context, peer *models.ServiceDescriptor, msg *models.DataMessage) (*models.DataMessage, error) {
	node, err := n.node(peer)
	if err != nil {
		return nil, err
	}
	return node.HandleMessage(ctx, msg)
}

func (n *InProcessNetwork) node(peer *models.ServiceDescriptor) (*MeshService, error) {
	if peer == nil {
		return nil, errors.ErrInvalidArgument("peer descriptor is required")
	}
	n.mu.RLock()
	node, ok := n.nodes[peer.ID]
	n.mu.RUnlock()
	if !ok {
		return nil, errors.ErrPeerUnavailable(peer.ID)
	}
	return node, nil
}
