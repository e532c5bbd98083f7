package conductor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/conductor/internal/cache"
	"github.com/metalgrid/conductor/internal/model"
	"github.com/metalgrid/conductor/internal/repository"
)

// trackingRepo wraps a repository and runs a callback after each node
// read, so a test can change the store between a read and the work
// that follows it.
type trackingRepo struct {
	repository.Repository
	afterGet func()
}

func (r *trackingRepo) GetNode(ctx context.Context, ident string) (*model.Node, error) {
	node, err := r.Repository.GetNode(ctx, ident)
	if r.afterGet != nil {
		r.afterGet()
	}
	return node, err
}

func TestAcquireReloadsNodeUnderLease(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)

	// Another conductor finishes manage and releases its lease right
	// after this conductor's pre-lease read. The verb must be judged
	// against what that holder committed, not the earlier snapshot.
	var once sync.Once
	repo := &trackingRepo{Repository: e.repo}
	repo.afterGet = func() {
		once.Do(func() {
			n, err := e.repo.GetNode(ctx, node.UUID)
			require.NoError(t, err)
			n.ProvisionState = model.Manageable
			require.NoError(t, e.repo.UpdateNode(ctx, n))
		})
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(repo, e.leases, e.raw.registry, cache.New(time.Minute), e.cfg, "conductor-test", log)

	// provide is illegal from enroll but legal from manageable.
	require.NoError(t, svc.ChangeProvisionState(ctx, node.UUID, model.VerbProvide))
	svc.Wait()

	assert.Equal(t, model.Available, e.node(t, node.UUID).ProvisionState)
}
