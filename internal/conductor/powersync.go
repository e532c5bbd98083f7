package conductor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metalgrid/conductor/internal/concurrent"
	"github.com/metalgrid/conductor/internal/config"
	"github.com/metalgrid/conductor/internal/driver"
	"github.com/metalgrid/conductor/internal/lease"
	"github.com/metalgrid/conductor/internal/model"
	"github.com/metalgrid/conductor/internal/repository"
)

// PowerSyncer periodically polls the power interface of every idle
// node and records the observed state on the node record. Nodes with a
// held lease, in maintenance, or still enrolling are skipped. After
// the configured number of consecutive poll failures the node's power
// state is marked as errored; provision state is never touched.
type PowerSyncer struct {
	cfg      *config.PowerSyncConfig
	repo     repository.Repository
	leases   lease.Store
	registry *driver.Registry
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	failures map[string]int // node UUID -> consecutive poll failures
}

// NewPowerSyncer creates a power state sync loop.
func NewPowerSyncer(
	cfg *config.PowerSyncConfig,
	repo repository.Repository,
	leases lease.Store,
	registry *driver.Registry,
	logger *slog.Logger,
) *PowerSyncer {
	return &PowerSyncer{
		cfg:      cfg,
		repo:     repo,
		leases:   leases,
		registry: registry,
		logger:   logger,
		stopCh:   make(chan struct{}),
		failures: make(map[string]int),
	}
}

// Start begins the sync loop in a background goroutine.
func (p *PowerSyncer) Start(ctx context.Context) {
	if !p.cfg.Enabled {
		p.logger.Info("power sync is disabled")
		return
	}

	p.logger.Info("starting power syncer",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("max_parallel", p.cfg.MaxParallel),
	)

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop gracefully stops the sync loop.
func (p *PowerSyncer) Stop() {
	if !p.cfg.Enabled {
		return
	}

	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("power syncer stopped")
}

func (p *PowerSyncer) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.SyncOnce(ctx)
		}
	}
}

// SyncOnce polls every eligible node once with bounded fan-out.
func (p *PowerSyncer) SyncOnce(ctx context.Context) {
	nodes, err := p.repo.ListNodes(ctx)
	if err != nil {
		p.logger.Error("power sync failed to list nodes",
			slog.String("error", err.Error()),
		)
		return
	}

	eligible := make([]model.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Maintenance || node.ProvisionState == model.Enroll {
			continue
		}
		holder, err := p.leases.Holder(ctx, node.UUID)
		if err != nil || holder != nil {
			continue
		}
		eligible = append(eligible, node)
	}

	results := concurrent.ParallelMapWithLimit(ctx, eligible, func(ctx context.Context, node model.Node) (struct{}, error) {
		return struct{}{}, p.syncNode(ctx, &node)
	}, p.cfg.MaxParallel)

	if errs := concurrent.AllErrors(results); len(errs) > 0 {
		p.logger.Warn("power sync pass finished with errors",
			slog.Int("errors", len(errs)),
		)
	}
}

func (p *PowerSyncer) syncNode(ctx context.Context, node *model.Node) error {
	bundle, err := p.registry.Resolve(node)
	if err != nil || bundle.Power == nil {
		return nil
	}

	observed, err := bundle.Power.GetPowerState(ctx, node)
	if err != nil {
		p.mu.Lock()
		p.failures[node.UUID]++
		count := p.failures[node.UUID]
		p.mu.Unlock()

		p.logger.Warn("power state poll failed",
			slog.String("node", node.UUID),
			slog.Int("consecutive_failures", count),
			slog.String("error", err.Error()),
		)

		if count < p.cfg.FailedThreshold {
			return err
		}
		observed = model.PowerError
	} else {
		p.mu.Lock()
		delete(p.failures, node.UUID)
		p.mu.Unlock()
	}

	return p.recordPowerState(ctx, node.UUID, observed)
}

// recordPowerState writes an observed power state onto a freshly read
// node record. The poll ran against a snapshot from the start of the
// pass; writing that snapshot back would revert anything committed in
// between, so only the power field is touched, and only while the node
// is still unleased. A holder that appeared mid-pass owns the record
// now and the observation is discarded.
func (p *PowerSyncer) recordPowerState(ctx context.Context, nodeUUID, observed string) error {
	node, err := p.repo.GetNode(ctx, nodeUUID)
	if err != nil {
		return err
	}
	if holder, err := p.leases.Holder(ctx, nodeUUID); err != nil || holder != nil {
		return err
	}
	if node.PowerState == observed {
		return nil
	}

	if node.PowerState != model.PowerNone && observed != model.PowerError {
		p.logger.Info("power state drift detected",
			slog.String("node", node.UUID),
			slog.String("recorded", node.PowerState),
			slog.String("observed", observed),
		)
	}

	node.PowerState = observed
	node.UpdatedAt = time.Now()
	if err := p.repo.UpdateNode(ctx, node); err != nil {
		p.logger.Error("failed to persist observed power state",
			slog.String("node", node.UUID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
