package conductor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/conductor/internal/model"
)

func TestDriverVendorMethods(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	methods, err := e.svc.DriverVendorMethods(ctx, "fake-hardware")
	require.NoError(t, err)
	require.Contains(t, methods, "ping")
	assert.False(t, methods["ping"].Async)
	assert.Equal(t, []string{"GET"}, methods["ping"].HTTPMethods)

	_, err = e.svc.DriverVendorMethods(ctx, "no-such-driver")
	var notFound *model.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDriverVendorPassthruSync(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	result, err := e.svc.DriverVendorPassthru(ctx, "fake-hardware", "ping", "GET", nil)
	require.NoError(t, err)
	assert.False(t, result.Async)
	assert.Equal(t, map[string]any{"pong": true}, result.Result)
}

func TestDriverVendorPassthruRouting(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.DriverVendorPassthru(ctx, "fake-hardware", "ping", "POST", nil)
	var methodErr *model.MethodNotAllowedError
	require.ErrorAs(t, err, &methodErr)

	_, err = e.svc.DriverVendorPassthru(ctx, "fake-hardware", "no_such_method", "GET", nil)
	var notFound *model.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestNodeVendorPassthruSync(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)

	result, err := e.svc.NodeVendorPassthru(ctx, node.UUID, "bios_settings", "GET", nil)
	require.NoError(t, err)
	assert.False(t, result.Async)
	assert.Equal(t, map[string]any{"boot_mode": "uefi"}, result.Result)

	// The lease taken for the call was released.
	holder, err := e.leases.Holder(ctx, node.UUID)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestNodeVendorPassthruAsync(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)

	// Parameter validation failures surface synchronously.
	_, err := e.svc.NodeVendorPassthru(ctx, node.UUID, "send_raw", "POST", map[string]any{})
	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)

	result, err := e.svc.NodeVendorPassthru(ctx, node.UUID, "send_raw", "POST", map[string]any{
		"raw_bytes": "0x06 0x01",
	})
	require.NoError(t, err)
	assert.True(t, result.Async)
	assert.Nil(t, result.Result)

	e.svc.Wait()

	got := e.node(t, node.UUID)
	assert.Empty(t, got.LastError)

	holder, err := e.leases.Holder(ctx, node.UUID)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestNodeVendorPassthruWhileLocked(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)
	_, err := e.leases.Acquire(ctx, node.UUID, "another-conductor")
	require.NoError(t, err)

	_, err = e.svc.NodeVendorPassthru(ctx, node.UUID, "bios_settings", "GET", nil)
	var locked *model.NodeLockedError
	require.ErrorAs(t, err, &locked)
}
