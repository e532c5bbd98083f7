package reclaimer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/conductor/internal/config"
	"github.com/metalgrid/conductor/internal/lease"
)

type recoverCall struct {
	nodeID     string
	deadHolder string
}

type fakeRecoverer struct {
	mu    sync.Mutex
	calls []recoverCall
}

func (f *fakeRecoverer) Recover(_ context.Context, nodeID, deadHolder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recoverCall{nodeID: nodeID, deadHolder: deadHolder})
	return nil
}

func (f *fakeRecoverer) recovered() []recoverCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recoverCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestReclaimer(store lease.Store, recoverer Recoverer) *Reclaimer {
	cfg := &config.LeaseConfig{
		TTL:               time.Minute,
		HeartbeatInterval: 10 * time.Second,
		ReclaimInterval:   10 * time.Millisecond,
	}
	return New(cfg, store, recoverer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReclaimOnceRecoversExpiredLeases(t *testing.T) {
	store := lease.NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "node-1", "dead-conductor")
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "node-2", "live-conductor")
	require.NoError(t, err)
	store.ExpireNow("node-1")

	recoverer := &fakeRecoverer{}
	r := newTestReclaimer(store, recoverer)
	r.ReclaimOnce(ctx)

	calls := recoverer.recovered()
	require.Len(t, calls, 1, "only the stale lease is reclaimed")
	assert.Equal(t, "node-1", calls[0].nodeID)
	assert.Equal(t, "dead-conductor", calls[0].deadHolder)
}

func TestReclaimOnceNoExpiredLeases(t *testing.T) {
	store := lease.NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "node-1", "live-conductor")
	require.NoError(t, err)

	recoverer := &fakeRecoverer{}
	r := newTestReclaimer(store, recoverer)
	r.ReclaimOnce(ctx)

	assert.Empty(t, recoverer.recovered())
}

func TestReclaimerRunLoop(t *testing.T) {
	store := lease.NewMemoryStore(time.Minute)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "node-1", "dead-conductor")
	require.NoError(t, err)
	store.ExpireNow("node-1")

	recoverer := &fakeRecoverer{}
	r := newTestReclaimer(store, recoverer)
	r.Start(ctx)

	require.Eventually(t, func() bool {
		return len(recoverer.recovered()) > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
}
