package conductor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/conductor/internal/model"
)

func TestChangeNodePowerState(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)

	require.NoError(t, e.svc.ChangeNodePowerState(ctx, node.UUID, model.PowerOn))
	e.svc.Wait()

	got := e.node(t, node.UUID)
	assert.Equal(t, model.PowerOn, got.PowerState)
	assert.Empty(t, got.TargetPowerState)
	assert.Empty(t, got.LastError)
}

func TestChangeNodePowerStateReboot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)

	require.NoError(t, e.svc.ChangeNodePowerState(ctx, node.UUID, model.Rebooting))
	e.svc.Wait()

	// A reboot ends powered on.
	got := e.node(t, node.UUID)
	assert.Equal(t, model.PowerOn, got.PowerState)
	assert.Empty(t, got.TargetPowerState)
}

func TestChangeNodePowerStateInvalidTarget(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)

	err := e.svc.ChangeNodePowerState(ctx, node.UUID, "hibernate")
	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestChangeNodePowerStateFailure(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, map[string]any{"fake_power_error": "fault"})

	require.NoError(t, e.svc.ChangeNodePowerState(ctx, node.UUID, model.PowerOff))
	e.svc.Wait()

	// The failure is recorded; the observed power state is untouched.
	got := e.node(t, node.UUID)
	assert.Empty(t, got.PowerState)
	assert.Empty(t, got.TargetPowerState)
	assert.Contains(t, got.LastError, "failed to change power state")
}
