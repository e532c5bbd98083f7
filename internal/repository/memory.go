package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/metalgrid/conductor/internal/model"
)

// MemoryRepository keeps all records in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node // keyed by UUID
	ports map[string]*model.Port // keyed by UUID
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nodes: make(map[string]*model.Node),
		ports: make(map[string]*model.Port),
	}
}

func (r *MemoryRepository) CreateNode(_ context.Context, node *model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node.UUID]; ok {
		return &model.ValidationError{Reason: fmt.Sprintf("node %s already exists", node.UUID)}
	}
	if node.Name != "" {
		for _, existing := range r.nodes {
			if existing.Name == node.Name {
				return &model.ValidationError{Reason: fmt.Sprintf("node name %q is already in use", node.Name)}
			}
		}
	}

	r.nodes[node.UUID] = copyNode(node)
	return nil
}

func (r *MemoryRepository) GetNode(_ context.Context, ident string) (*model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node, ok := r.nodes[ident]; ok {
		return copyNode(node), nil
	}
	for _, node := range r.nodes {
		if node.Name != "" && node.Name == ident {
			return copyNode(node), nil
		}
	}
	return nil, &model.NotFoundError{Kind: "node", Name: ident}
}

func (r *MemoryRepository) ListNodes(_ context.Context) ([]model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]model.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, *copyNode(node))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UUID < nodes[j].UUID })
	return nodes, nil
}

func (r *MemoryRepository) UpdateNode(_ context.Context, node *model.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node.UUID]; !ok {
		return &model.NotFoundError{Kind: "node", Name: node.UUID}
	}
	if node.Name != "" {
		for uuid, existing := range r.nodes {
			if uuid != node.UUID && existing.Name == node.Name {
				return &model.ValidationError{Reason: fmt.Sprintf("node name %q is already in use", node.Name)}
			}
		}
	}

	r.nodes[node.UUID] = copyNode(node)
	return nil
}

func (r *MemoryRepository) DeleteNode(_ context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[uuid]; !ok {
		return &model.NotFoundError{Kind: "node", Name: uuid}
	}
	delete(r.nodes, uuid)

	for portUUID, port := range r.ports {
		if port.NodeUUID == uuid {
			delete(r.ports, portUUID)
		}
	}
	return nil
}

func (r *MemoryRepository) CreatePort(_ context.Context, port *model.Port) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[port.NodeUUID]; !ok {
		return &model.NotFoundError{Kind: "node", Name: port.NodeUUID}
	}
	for _, existing := range r.ports {
		if strings.EqualFold(existing.Address, port.Address) {
			return &model.ValidationError{Reason: fmt.Sprintf("MAC address %s is already registered", port.Address)}
		}
	}

	copied := *port
	r.ports[port.UUID] = &copied
	return nil
}

func (r *MemoryRepository) ListPorts(_ context.Context, nodeUUID string) ([]model.Port, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ports []model.Port
	for _, port := range r.ports {
		if port.NodeUUID == nodeUUID {
			ports = append(ports, *port)
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].UUID < ports[j].UUID })
	return ports, nil
}

func copyNode(node *model.Node) *model.Node {
	copied := *node
	copied.DriverInfo = copyMap(node.DriverInfo)
	copied.Properties = copyMap(node.Properties)
	copied.InstanceInfo = copyMap(node.InstanceInfo)
	return &copied
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
