package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/metalgrid/conductor/internal/model"
)

const keyLeasePrefix = "conductor/leases/"

// EtcdStore is the lease table shared between conductor instances.
// Leases carry explicit expiry timestamps so a reclaimer on any
// instance can observe a crashed holder's leases, inspect the affected
// nodes and repair their state before the record is dropped.
type EtcdStore struct {
	client *clientv3.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewEtcdStore creates an etcd-backed lease table with the given
// heartbeat TTL.
func NewEtcdStore(client *clientv3.Client, ttl time.Duration, logger *slog.Logger) *EtcdStore {
	return &EtcdStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *EtcdStore) Acquire(ctx context.Context, nodeID, holder string) (*Lease, error) {
	key := keyLeasePrefix + nodeID
	now := time.Now()

	l := &Lease{
		NodeID:     nodeID,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.ttl),
		TTL:        s.ttl,
	}
	value, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease: %w", err)
	}

	// First try to create the key; if it exists, take over only when
	// the recorded lease expired, guarded by the key's mod revision so
	// two takers cannot both win.
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if resp.Succeeded {
		return l, nil
	}

	kvs := resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 0 {
		// Key vanished between txn branches; retry from scratch.
		return s.Acquire(ctx, nodeID, holder)
	}

	var existing Lease
	if err := json.Unmarshal(kvs[0].Value, &existing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	if !existing.Expired(now) {
		return nil, &model.NodeLockedError{NodeID: nodeID, Holder: existing.Holder}
	}

	takeover, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kvs[0].ModRevision)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to take over expired lease: %w", err)
	}
	if !takeover.Succeeded {
		return nil, &model.NodeLockedError{NodeID: nodeID, Holder: existing.Holder}
	}

	s.logger.Info("took over expired lease",
		slog.String("node", nodeID),
		slog.String("previous_holder", existing.Holder),
	)

	return l, nil
}

func (s *EtcdStore) Renew(ctx context.Context, nodeID, holder string) error {
	key := keyLeasePrefix + nodeID

	current, err := s.get(ctx, nodeID)
	if err != nil {
		return err
	}
	if current == nil || current.Holder != holder {
		return &model.NotFoundError{Kind: "lease", Name: nodeID}
	}

	current.ExpiresAt = time.Now().Add(s.ttl)
	value, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}

	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return nil
}

func (s *EtcdStore) Release(ctx context.Context, nodeID, holder string) error {
	current, err := s.get(ctx, nodeID)
	if err != nil {
		return err
	}
	if current == nil || current.Holder != holder {
		return nil
	}

	if _, err := s.client.Delete(ctx, keyLeasePrefix+nodeID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *EtcdStore) Holder(ctx context.Context, nodeID string) (*Lease, error) {
	l, err := s.get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Expired(time.Now()) {
		return nil, nil
	}
	return l, nil
}

func (s *EtcdStore) Expired(ctx context.Context) ([]Lease, error) {
	resp, err := s.client.Get(ctx, keyLeasePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}

	now := time.Now()
	var expired []Lease
	for _, kv := range resp.Kvs {
		var l Lease
		if err := json.Unmarshal(kv.Value, &l); err != nil {
			s.logger.Warn("skipping unreadable lease record",
				slog.String("key", string(kv.Key)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if l.Expired(now) {
			expired = append(expired, l)
		}
	}
	return expired, nil
}

func (s *EtcdStore) get(ctx context.Context, nodeID string) (*Lease, error) {
	resp, err := s.client.Get(ctx, keyLeasePrefix+nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var l Lease
	if err := json.Unmarshal(resp.Kvs[0].Value, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	return &l, nil
}
