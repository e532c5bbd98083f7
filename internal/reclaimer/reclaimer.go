// Package reclaimer watches the lease table for holders whose
// heartbeat stopped and hands the affected nodes back to the conductor
// for recovery.
package reclaimer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/metalgrid/conductor/internal/config"
	"github.com/metalgrid/conductor/internal/lease"
	"github.com/metalgrid/conductor/internal/metrics"
)

// Recoverer repairs a node after its lease holder died.
type Recoverer interface {
	Recover(ctx context.Context, nodeID, deadHolder string) error
}

// Reclaimer performs periodic scans for stale leases
type Reclaimer struct {
	cfg       *config.LeaseConfig
	leases    lease.Store
	recoverer Recoverer
	logger    *slog.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	reclaims map[string]int // node UUID -> reclaim count, for repeated-crash visibility
}

// New creates a reclaimer
func New(
	cfg *config.LeaseConfig,
	leases lease.Store,
	recoverer Recoverer,
	logger *slog.Logger,
) *Reclaimer {
	return &Reclaimer{
		cfg:       cfg,
		leases:    leases,
		recoverer: recoverer,
		logger:    logger,
		stopCh:    make(chan struct{}),
		reclaims:  make(map[string]int),
	}
}

// Start begins the reclaim loop in a background goroutine
func (r *Reclaimer) Start(ctx context.Context) {
	r.logger.Info("starting lease reclaimer",
		slog.Duration("interval", r.cfg.ReclaimInterval),
		slog.Duration("lease_ttl", r.cfg.TTL),
	)

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop gracefully stops the reclaimer
func (r *Reclaimer) Stop() {
	r.logger.Info("stopping lease reclaimer")
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("lease reclaimer stopped")
}

// run is the main reclaim loop
func (r *Reclaimer) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.ReclaimOnce(ctx)
		}
	}
}

// ReclaimOnce performs a single scan of the lease table, recovering
// every node whose holder's heartbeat stopped.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) {
	expired, err := r.leases.Expired(ctx)
	if err != nil {
		r.logger.Error("failed to scan for expired leases",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, stale := range expired {
		r.mu.Lock()
		r.reclaims[stale.NodeID]++
		count := r.reclaims[stale.NodeID]
		r.mu.Unlock()

		r.logger.Warn("reclaiming stale lease",
			slog.String("node", stale.NodeID),
			slog.String("dead_holder", stale.Holder),
			slog.Time("expired_at", stale.ExpiresAt),
			slog.Int("reclaim_count", count),
		)

		metrics.LeasesReclaimed.Inc()

		if err := r.recoverer.Recover(ctx, stale.NodeID, stale.Holder); err != nil {
			r.logger.Error("failed to recover node after lease expiry",
				slog.String("node", stale.NodeID),
				slog.String("error", err.Error()),
			)
		}
	}
}
