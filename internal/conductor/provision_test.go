package conductor

import (
	"context"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/conductor/internal/model"
)

func TestManageVerifiesCredentials(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, nil)
	e.apply(t, node.UUID, model.VerbManage)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Manageable, got.ProvisionState)
	assert.Empty(t, got.TargetProvisionState)
	assert.Empty(t, got.LastError)
}

func TestManageFailsWithoutCredentials(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// No fake_address: verification cannot pass.
	node, err := e.svc.CreateNode(ctx, CreateNodeRequest{Driver: "fake-hardware"}, semver.New("1.1.0"))
	require.NoError(t, err)

	// The verb itself is accepted; the failure surfaces asynchronously.
	e.apply(t, node.UUID, model.VerbManage)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Enroll, got.ProvisionState)
	assert.Contains(t, got.LastError, "fake_address")
}

func TestManageRetriesTransientVerifyFailure(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, map[string]any{"fake_power_error": "transient"})
	e.apply(t, node.UUID, model.VerbManage)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Enroll, got.ProvisionState)
	assert.Contains(t, got.LastError, "giving up after 3 attempts")
}

func TestProvideRunsCleaningInPriorityOrder(t *testing.T) {
	e := newTestEnv(t)

	e.deploy.Steps = []model.CleanStep{
		{Interface: "deploy", Name: "update_firmware", Priority: 1},
		{Interface: "deploy", Name: "erase_devices", Priority: 30},
		{Interface: "deploy", Name: "reset_bios", Priority: 10},
		{Interface: "deploy", Name: "disabled_step", Priority: 0},
	}

	node := e.enroll(t, nil)
	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbProvide)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Available, got.ProvisionState)
	assert.Empty(t, got.CurrentStep)
	assert.Zero(t, got.StepIndex)

	// Descending priority, disabled step skipped.
	assert.Equal(t, []string{"erase_devices", "reset_bios", "update_firmware"}, e.deploy.ExecutedSteps())
}

func TestManualCleanReturnsToManageable(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, nil)
	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbClean)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Manageable, got.ProvisionState)
	assert.Equal(t, []string{"erase_devices"}, e.deploy.ExecutedSteps())
}

func TestCleanStepFailureRequiresOperator(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, map[string]any{"fake_clean_error": "erase_devices"})
	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbProvide)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.CleanFailed, got.ProvisionState)
	assert.Contains(t, got.LastError, "erase_devices")

	// No automatic retry: provide is illegal, the operator must
	// re-manage.
	err := e.svc.ChangeProvisionState(ctx, node.UUID, model.VerbProvide)
	var stateErr *model.InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	// Fixing the condition and re-managing recovers the node.
	_, err = e.svc.UpdateNode(ctx, node.UUID, NodePatch{
		DriverInfo: map[string]any{"fake_address": "bmc.example.org"},
	}, nil)
	require.NoError(t, err)

	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbProvide)
	assert.Equal(t, model.Available, e.node(t, node.UUID).ProvisionState)
}

func TestCleanWaitResume(t *testing.T) {
	e := newTestEnv(t)

	e.deploy.Steps = []model.CleanStep{
		{Interface: "deploy", Name: "erase_devices", Priority: 30},
		{Interface: "deploy", Name: "reset_bios", Priority: 10},
		{Interface: "deploy", Name: "update_firmware", Priority: 1},
	}

	node := e.enroll(t, map[string]any{"fake_clean_wait": "reset_bios"})
	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbProvide)

	got := e.node(t, node.UUID)
	require.Equal(t, model.CleanWait, got.ProvisionState)
	assert.Equal(t, "reset_bios", got.CurrentStep)
	assert.Equal(t, 1, got.StepIndex)

	// The lease was dropped while parked.
	holder, err := e.leases.Holder(context.Background(), node.UUID)
	require.NoError(t, err)
	assert.Nil(t, holder)

	// The agent reports back; cleaning continues after the parked step.
	require.NoError(t, e.svc.Resume(context.Background(), node.UUID))
	e.svc.Wait()

	got = e.node(t, node.UUID)
	assert.Equal(t, model.Available, got.ProvisionState)
	assert.Equal(t, []string{"erase_devices", "reset_bios", "update_firmware"}, e.deploy.ExecutedSteps())
}

func TestAbortFromCleanWait(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, map[string]any{"fake_clean_wait": "erase_devices"})
	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbProvide)
	require.Equal(t, model.CleanWait, e.node(t, node.UUID).ProvisionState)

	e.apply(t, node.UUID, model.VerbAbort)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.CleanFailed, got.ProvisionState)
	assert.Equal(t, "operation aborted by request", got.LastError)
	assert.Empty(t, got.CurrentStep)
}

func TestAbortOnlyFromWaitStates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)
	e.toAvailable(t, node.UUID)

	err := e.svc.ChangeProvisionState(ctx, node.UUID, model.VerbAbort)
	var stateErr *model.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestDeployToActive(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, nil)
	e.toAvailable(t, node.UUID)
	e.apply(t, node.UUID, model.VerbActive)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Active, got.ProvisionState)
	assert.Empty(t, got.TargetProvisionState)
	assert.Empty(t, got.LastError)
}

func TestDeployWaitAndResume(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, map[string]any{"fake_deploy_wait": true})
	e.toAvailable(t, node.UUID)
	e.apply(t, node.UUID, model.VerbActive)

	got := e.node(t, node.UUID)
	require.Equal(t, model.DeployWait, got.ProvisionState)
	assert.Equal(t, model.Active, got.TargetProvisionState)

	require.NoError(t, e.svc.Resume(context.Background(), node.UUID))
	e.svc.Wait()

	assert.Equal(t, model.Active, e.node(t, node.UUID).ProvisionState)
}

func TestAbortFromDeployWait(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, map[string]any{"fake_deploy_wait": true})
	e.toAvailable(t, node.UUID)
	e.apply(t, node.UUID, model.VerbActive)
	require.Equal(t, model.DeployWait, e.node(t, node.UUID).ProvisionState)

	e.apply(t, node.UUID, model.VerbAbort)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.DeployFail, got.ProvisionState)
	assert.Equal(t, "operation aborted by request", got.LastError)
}

func TestDeployFailureRecordsDiagnostic(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, map[string]any{"fake_deploy_error": "fault"})
	e.toAvailable(t, node.UUID)
	e.apply(t, node.UUID, model.VerbActive)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.DeployFail, got.ProvisionState)
	assert.Contains(t, got.LastError, "hardware fault")

	// A retry is legal from deploy failed once the condition is fixed.
	_, err := e.svc.UpdateNode(ctx, node.UUID, NodePatch{
		DriverInfo: map[string]any{"fake_address": "bmc.example.org"},
	}, nil)
	require.NoError(t, err)

	e.apply(t, node.UUID, model.VerbActive)
	assert.Equal(t, model.Active, e.node(t, node.UUID).ProvisionState)
}

func TestRebuildFromActive(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, nil)
	e.toActive(t, node.UUID)

	e.apply(t, node.UUID, model.VerbRebuild)
	assert.Equal(t, model.Active, e.node(t, node.UUID).ProvisionState)
}

func TestDeletedRunsTeardownThenCleaning(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)
	e.toActive(t, node.UUID)

	_, err := e.svc.UpdateNode(ctx, node.UUID, NodePatch{
		InstanceInfo: map[string]any{"image": "ubuntu-24.04"},
	}, nil)
	require.NoError(t, err)

	before := len(e.deploy.ExecutedSteps())
	e.apply(t, node.UUID, model.VerbDeleted)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Available, got.ProvisionState)
	assert.Empty(t, got.InstanceInfo, "instance info is cleared on teardown")

	// Teardown is always followed by sanitization.
	executed := e.deploy.ExecutedSteps()
	require.Greater(t, len(executed), before)
	assert.Equal(t, "erase_devices", executed[len(executed)-1])
}

func TestTeardownFailureLandsInError(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)
	e.toActive(t, node.UUID)

	_, err := e.svc.UpdateNode(ctx, node.UUID, NodePatch{
		DriverInfo: map[string]any{
			"fake_address":        "bmc.example.org",
			"fake_teardown_error": "fault",
		},
	}, nil)
	require.NoError(t, err)

	e.apply(t, node.UUID, model.VerbDeleted)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Error, got.ProvisionState)
	assert.Contains(t, got.LastError, "tear down failed")
}

func TestInspectMergesDiscoveredProperties(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, nil)
	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbInspect)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Manageable, got.ProvisionState)
	assert.Equal(t, 8, got.Properties["cpus"])
	assert.Equal(t, "x86_64", got.Properties["cpu_arch"])
}

func TestInspectFailure(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, map[string]any{"fake_inspect_error": "fault"})
	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbInspect)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.InspectFail, got.ProvisionState)
	assert.NotEmpty(t, got.LastError)

	// Inspection can be retried directly from the failed state.
	_, err := e.svc.UpdateNode(context.Background(), node.UUID, NodePatch{
		DriverInfo: map[string]any{"fake_address": "bmc.example.org"},
	}, nil)
	require.NoError(t, err)

	e.apply(t, node.UUID, model.VerbInspect)
	assert.Equal(t, model.Manageable, e.node(t, node.UUID).ProvisionState)
}

func TestAdoptTakesOverDeployedNode(t *testing.T) {
	e := newTestEnv(t)

	node := e.enroll(t, nil)
	e.apply(t, node.UUID, model.VerbManage)
	e.apply(t, node.UUID, model.VerbAdopt)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Active, got.ProvisionState)
}

func TestProvisionVerbWhileLocked(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)
	_, err := e.leases.Acquire(ctx, node.UUID, "another-conductor")
	require.NoError(t, err)

	err = e.svc.ChangeProvisionState(ctx, node.UUID, model.VerbManage)
	var locked *model.NodeLockedError
	require.ErrorAs(t, err, &locked)

	// The holder is reported so clients can decide to retry.
	assert.Equal(t, "another-conductor", locked.Holder)
}

func TestIllegalVerbLeavesNodeUntouched(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)

	err := e.svc.ChangeProvisionState(ctx, node.UUID, model.VerbProvide)
	var stateErr *model.InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	got := e.node(t, node.UUID)
	assert.Equal(t, model.Enroll, got.ProvisionState)

	// The lease taken for the check was dropped.
	holder, err := e.leases.Holder(ctx, node.UUID)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestResumeOnlyFromWaitStates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	node := e.enroll(t, nil)

	err := e.svc.Resume(ctx, node.UUID)
	var stateErr *model.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}
