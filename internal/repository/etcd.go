package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/metalgrid/conductor/internal/config"
	"github.com/metalgrid/conductor/internal/model"
	"github.com/metalgrid/conductor/internal/util"
)

const (
	// etcd key prefixes
	keyNodePrefix = "conductor/nodes/"
	keyPortPrefix = "conductor/ports/"
)

// Connect creates an etcd client from configuration and verifies the
// connection. The client is shared between the node repository and the
// lease store.
func Connect(cfg *config.EtcdConfig, logger *slog.Logger) (*clientv3.Client, error) {
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}

	// Configure TLS if provided
	if cfg.TLS != nil {
		tlsConfig, err := util.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		etcdCfg.TLS = tlsConfig
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("connected to etcd cluster", "endpoints", cfg.Endpoints)

	return client, nil
}

// EtcdRepository persists node and port records as JSON values under
// key prefixes.
type EtcdRepository struct {
	client *clientv3.Client
	logger *slog.Logger
}

// NewEtcdRepository creates an etcd-backed repository over an existing
// client.
func NewEtcdRepository(client *clientv3.Client, logger *slog.Logger) *EtcdRepository {
	return &EtcdRepository{
		client: client,
		logger: logger,
	}
}

func (r *EtcdRepository) CreateNode(ctx context.Context, node *model.Node) error {
	if node.Name != "" {
		existing, err := r.findByName(ctx, node.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return &model.ValidationError{Reason: fmt.Sprintf("node name %q is already in use", node.Name)}
		}
	}

	value, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	key := keyNodePrefix + node.UUID
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to write node to etcd: %w", err)
	}
	if !resp.Succeeded {
		return &model.ValidationError{Reason: fmt.Sprintf("node %s already exists", node.UUID)}
	}

	r.logger.Debug("wrote node to etcd",
		"node", node.UUID,
		"provision_state", node.ProvisionState,
	)

	return nil
}

func (r *EtcdRepository) GetNode(ctx context.Context, ident string) (*model.Node, error) {
	resp, err := r.client.Get(ctx, keyNodePrefix+ident)
	if err != nil {
		return nil, fmt.Errorf("failed to read node from etcd: %w", err)
	}

	if len(resp.Kvs) > 0 {
		var node model.Node
		if err := json.Unmarshal(resp.Kvs[0].Value, &node); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node: %w", err)
		}
		return &node, nil
	}

	// Not a UUID; fall back to a logical name lookup.
	node, err := r.findByName(ctx, ident)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, &model.NotFoundError{Kind: "node", Name: ident}
	}
	return node, nil
}

func (r *EtcdRepository) ListNodes(ctx context.Context) ([]model.Node, error) {
	resp, err := r.client.Get(ctx, keyNodePrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes from etcd: %w", err)
	}

	nodes := make([]model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node %s: %w", string(kv.Key), err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (r *EtcdRepository) UpdateNode(ctx context.Context, node *model.Node) error {
	key := keyNodePrefix + node.UUID

	resp, err := r.client.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return fmt.Errorf("failed to read node from etcd: %w", err)
	}
	if resp.Count == 0 {
		return &model.NotFoundError{Kind: "node", Name: node.UUID}
	}

	value, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	if _, err := r.client.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("failed to write node to etcd: %w", err)
	}
	return nil
}

func (r *EtcdRepository) DeleteNode(ctx context.Context, uuid string) error {
	resp, err := r.client.Delete(ctx, keyNodePrefix+uuid)
	if err != nil {
		return fmt.Errorf("failed to delete node from etcd: %w", err)
	}
	if resp.Deleted == 0 {
		return &model.NotFoundError{Kind: "node", Name: uuid}
	}

	ports, err := r.ListPorts(ctx, uuid)
	if err != nil {
		return err
	}
	for _, port := range ports {
		if _, err := r.client.Delete(ctx, keyPortPrefix+port.UUID); err != nil {
			return fmt.Errorf("failed to delete port from etcd: %w", err)
		}
	}
	return nil
}

func (r *EtcdRepository) CreatePort(ctx context.Context, port *model.Port) error {
	resp, err := r.client.Get(ctx, keyNodePrefix+port.NodeUUID, clientv3.WithCountOnly())
	if err != nil {
		return fmt.Errorf("failed to read node from etcd: %w", err)
	}
	if resp.Count == 0 {
		return &model.NotFoundError{Kind: "node", Name: port.NodeUUID}
	}

	all, err := r.client.Get(ctx, keyPortPrefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list ports from etcd: %w", err)
	}
	for _, kv := range all.Kvs {
		var existing model.Port
		if err := json.Unmarshal(kv.Value, &existing); err != nil {
			continue
		}
		if strings.EqualFold(existing.Address, port.Address) {
			return &model.ValidationError{Reason: fmt.Sprintf("MAC address %s is already registered", port.Address)}
		}
	}

	value, err := json.Marshal(port)
	if err != nil {
		return fmt.Errorf("failed to marshal port: %w", err)
	}
	if _, err := r.client.Put(ctx, keyPortPrefix+port.UUID, string(value)); err != nil {
		return fmt.Errorf("failed to write port to etcd: %w", err)
	}
	return nil
}

func (r *EtcdRepository) ListPorts(ctx context.Context, nodeUUID string) ([]model.Port, error) {
	resp, err := r.client.Get(ctx, keyPortPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list ports from etcd: %w", err)
	}

	var ports []model.Port
	for _, kv := range resp.Kvs {
		var port model.Port
		if err := json.Unmarshal(kv.Value, &port); err != nil {
			return nil, fmt.Errorf("failed to unmarshal port %s: %w", string(kv.Key), err)
		}
		if port.NodeUUID == nodeUUID {
			ports = append(ports, port)
		}
	}
	return ports, nil
}

func (r *EtcdRepository) findByName(ctx context.Context, name string) (*model.Node, error) {
	resp, err := r.client.Get(ctx, keyNodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes from etcd: %w", err)
	}

	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			continue
		}
		if node.Name != "" && node.Name == name {
			return &node, nil
		}
	}
	return nil, nil
}
