package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metalgrid/conductor/internal/driver"
	"github.com/metalgrid/conductor/internal/lease"
	"github.com/metalgrid/conductor/internal/metrics"
	"github.com/metalgrid/conductor/internal/model"
)

// task bundles everything a unit of work against one node needs: the
// node record, its resolved driver bundle and the exclusive lease. A
// heartbeat goroutine renews the lease until the task is released.
type task struct {
	node   *model.Node
	bundle *driver.Bundle
	lease  *lease.Lease

	done chan struct{}
}

// acquire takes the node's exclusive lease, then loads the node and
// resolves its driver bundle under it, failing fast with
// NodeLockedError when another worker holds the lease. Loading before
// the lease would hand the caller a snapshot a concurrent holder may
// still be writing.
func (s *service) acquire(ctx context.Context, ident string) (*task, error) {
	// Leases are keyed by UUID, so a name lookup needs one read up
	// front. That read is only trusted for the UUID.
	node, err := s.repo.GetNode(ctx, ident)
	if err != nil {
		return nil, err
	}
	nodeUUID := node.UUID

	// An expired lease means its holder died mid-operation. Taking it
	// over silently would erase the evidence the reclaimer scans for
	// and leave the interrupted operation unfinished, so repair the
	// node first; a spawned takeover then holds the fresh lease and
	// this acquisition fails as busy.
	if stale, err := s.staleLease(ctx, nodeUUID); err != nil {
		return nil, err
	} else if stale != nil {
		if err := s.Recover(ctx, nodeUUID, stale.Holder); err != nil {
			return nil, err
		}
	}

	l, err := s.leases.Acquire(ctx, nodeUUID, s.host)
	if err != nil {
		var locked *model.NodeLockedError
		if errors.As(err, &locked) {
			metrics.LeaseConflicts.Inc()
		}
		return nil, err
	}

	// Reload now that the lease is held; the pre-lease read may
	// predate a previous holder's final save.
	node, err = s.repo.GetNode(ctx, nodeUUID)
	if err != nil {
		_ = s.leases.Release(ctx, nodeUUID, s.host)
		return nil, err
	}

	bundle, err := s.registry.Resolve(node)
	if err != nil {
		_ = s.leases.Release(ctx, nodeUUID, s.host)
		return nil, err
	}

	t := &task{
		node:   node,
		bundle: bundle,
		lease:  l,
		done:   make(chan struct{}),
	}

	go s.heartbeat(t)

	return t, nil
}

// staleLease returns the node's lease if it exists but expired.
func (s *service) staleLease(ctx context.Context, nodeID string) (*lease.Lease, error) {
	expired, err := s.leases.Expired(ctx)
	if err != nil {
		return nil, err
	}
	for i := range expired {
		if expired[i].NodeID == nodeID {
			return &expired[i], nil
		}
	}
	return nil, nil
}

// heartbeat renews the task's lease until release. A renewal failure
// means the lease was reclaimed out from under us; nothing to do but
// stop, the reclaimer owns the node's fate now.
func (s *service) heartbeat(t *task) {
	ticker := time.NewTicker(s.cfg.Lease.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := s.leases.Renew(context.Background(), t.node.UUID, s.host); err != nil {
				s.logger.Warn("lease renewal failed, stopping heartbeat",
					slog.String("node", t.node.UUID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

// release drops the lease and stops the heartbeat. Safe to call once.
func (s *service) release(t *task) {
	close(t.done)
	if err := s.leases.Release(context.Background(), t.node.UUID, s.host); err != nil {
		s.logger.Error("failed to release lease",
			slog.String("node", t.node.UUID),
			slog.String("error", err.Error()),
		)
	}
}

// saveNode persists the task's node record and invalidates cached
// reads for it.
func (s *service) saveNode(ctx context.Context, node *model.Node) error {
	node.UpdatedAt = time.Now()
	if err := s.repo.UpdateNode(ctx, node); err != nil {
		return fmt.Errorf("failed to persist node %s: %w", node.UUID, err)
	}

	s.cache.Delete(validateCacheKey(node.UUID))
	return nil
}

// spawn runs fn as a background operation owning the task. The task is
// released when fn returns unless fn parked the node in a wait state,
// in which case the lease is dropped but the node keeps its cursor for
// a later resume.
func (s *service) spawn(t *task, fn func(ctx context.Context)) {
	s.tasks.Add(1)
	metrics.TasksInFlight.Inc()

	go func() {
		defer s.tasks.Done()
		defer metrics.TasksInFlight.Dec()
		defer s.release(t)

		fn(context.Background())
	}()
}

// Wait blocks until every in-flight background operation completes.
// Used during shutdown so outcomes are persisted before exit.
func (s *service) Wait() {
	s.tasks.Wait()
}
