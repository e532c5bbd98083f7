// Package lease implements per-node exclusive execution leases. A
// lease grants one conductor worker the right to operate a node; a
// second acquisition attempt fails fast with NodeLockedError instead
// of queuing. Leases expire unless renewed by heartbeats, so a crashed
// holder's nodes can be reclaimed.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/metalgrid/conductor/internal/model"
)

// Lease records an exclusive hold on one node.
type Lease struct {
	NodeID     string        `json:"node_id"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the holder's heartbeat has stopped.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Store is the lease table. At most one un-expired lease exists per
// node at any instant.
type Store interface {
	// Acquire takes the node's lease for holder, failing fast with
	// NodeLockedError while another un-expired lease exists.
	Acquire(ctx context.Context, nodeID, holder string) (*Lease, error)

	// Renew extends the expiry of a lease held by holder.
	Renew(ctx context.Context, nodeID, holder string) error

	// Release drops the lease if holder still owns it. Releasing a
	// lease that is gone is not an error.
	Release(ctx context.Context, nodeID, holder string) error

	// Holder returns the current lease for a node, or nil.
	Holder(ctx context.Context, nodeID string) (*Lease, error)

	// Expired returns all leases whose heartbeat stopped.
	Expired(ctx context.Context) ([]Lease, error)
}

// MemoryStore is the in-process lease table used for single-conductor
// deployments and tests.
type MemoryStore struct {
	ttl    time.Duration
	mu     sync.Mutex
	leases map[string]*Lease
}

// NewMemoryStore creates a lease table with the given heartbeat TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:    ttl,
		leases: make(map[string]*Lease),
	}
}

func (s *MemoryStore) Acquire(_ context.Context, nodeID, holder string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.leases[nodeID]; ok && !existing.Expired(now) {
		return nil, &model.NodeLockedError{NodeID: nodeID, Holder: existing.Holder}
	}

	l := &Lease{
		NodeID:     nodeID,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.ttl),
		TTL:        s.ttl,
	}
	s.leases[nodeID] = l

	out := *l
	return &out, nil
}

func (s *MemoryStore) Renew(_ context.Context, nodeID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[nodeID]
	if !ok || l.Holder != holder {
		return &model.NotFoundError{Kind: "lease", Name: nodeID}
	}

	l.ExpiresAt = time.Now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, nodeID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[nodeID]; ok && l.Holder == holder {
		delete(s.leases, nodeID)
	}
	return nil
}

func (s *MemoryStore) Holder(_ context.Context, nodeID string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[nodeID]
	if !ok || l.Expired(time.Now()) {
		return nil, nil
	}

	out := *l
	return &out, nil
}

func (s *MemoryStore) Expired(_ context.Context) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []Lease
	for _, l := range s.leases {
		if l.Expired(now) {
			expired = append(expired, *l)
		}
	}
	return expired, nil
}

// ExpireNow force-expires a node's lease. Test helper simulating a
// crashed holder whose heartbeat stopped.
func (s *MemoryStore) ExpireNow(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[nodeID]; ok {
		l.ExpiresAt = time.Now().Add(-time.Second)
	}
}
