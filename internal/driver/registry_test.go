package driver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalgrid/conductor/internal/driver"
	"github.com/metalgrid/conductor/internal/driver/fake"
	"github.com/metalgrid/conductor/internal/model"
)

func newTestRegistry() *driver.Registry {
	r := driver.NewRegistry()
	r.Register(fake.HardwareType("fake-hardware"))
	r.RegisterClassic("fake", fake.Classic())
	return r
}

func TestRegistryNames(t *testing.T) {
	r := newTestRegistry()

	assert.Equal(t, []string{"fake", "fake-hardware"}, r.Names())
	assert.True(t, r.Has("fake-hardware"))
	assert.True(t, r.Has("fake"))
	assert.False(t, r.Has("ipmi"))

	assert.True(t, r.IsClassic("fake"))
	assert.False(t, r.IsClassic("fake-hardware"))
}

func TestRegistryApplyDefaults(t *testing.T) {
	r := newTestRegistry()

	node := &model.Node{Driver: "fake-hardware"}
	require.NoError(t, r.ApplyDefaults(node))
	assert.Equal(t, "fake", node.PowerInterface)
	assert.Equal(t, "fake", node.DeployInterface)
	assert.Equal(t, "fake", node.VendorInterface)

	// The fake hardware type declares no raid implementations, so the
	// selection stays empty.
	assert.Empty(t, node.RAIDInterface)
}

func TestRegistryApplyDefaultsRejectsUnsupported(t *testing.T) {
	r := newTestRegistry()

	node := &model.Node{Driver: "fake-hardware", PowerInterface: "ipmitool"}
	err := r.ApplyDefaults(node)
	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestRegistryApplyDefaultsClassic(t *testing.T) {
	r := newTestRegistry()

	// Classic drivers are fixed bundles; any selection is forced empty.
	node := &model.Node{Driver: "fake", PowerInterface: "fake", DeployInterface: "agent"}
	require.NoError(t, r.ApplyDefaults(node))
	assert.Empty(t, node.PowerInterface)
	assert.Empty(t, node.DeployInterface)
}

func TestRegistryApplyDefaultsUnknownDriver(t *testing.T) {
	r := newTestRegistry()

	node := &model.Node{Driver: "ipmi"}
	err := r.ApplyDefaults(node)
	var notFound *model.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRegistryResolve(t *testing.T) {
	r := newTestRegistry()

	node := &model.Node{Driver: "fake-hardware"}
	require.NoError(t, r.ApplyDefaults(node))

	bundle, err := r.Resolve(node)
	require.NoError(t, err)
	require.NotNil(t, bundle.Power)
	require.NotNil(t, bundle.Deploy)
	require.NotNil(t, bundle.Vendor)
	assert.Nil(t, bundle.RAID)

	// Classic resolution is the fixed bundle.
	classic, err := r.Resolve(&model.Node{Driver: "fake"})
	require.NoError(t, err)
	require.NotNil(t, classic.Power)
	assert.Nil(t, classic.Vendor)

	_, err = r.Resolve(&model.Node{Driver: "ipmi"})
	var notFound *model.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRegistryProperties(t *testing.T) {
	r := newTestRegistry()

	props, err := r.Properties("fake-hardware")
	require.NoError(t, err)
	assert.Contains(t, props, "fake_address")

	_, err = r.Properties("ipmi")
	var notFound *model.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRegistryDriverPassthru(t *testing.T) {
	r := newTestRegistry()

	set, err := r.DriverPassthru("fake-hardware")
	require.NoError(t, err)
	require.NotNil(t, set)

	m, err := set.Route("ping", "GET")
	require.NoError(t, err)
	result, err := m.Handler(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pong": true}, result)

	// Classic drivers have no driver-scoped methods.
	set, err = r.DriverPassthru("fake")
	require.NoError(t, err)
	assert.Nil(t, set)

	_, err = r.DriverPassthru("ipmi")
	var notFound *model.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestBundleCapabilities(t *testing.T) {
	r := newTestRegistry()
	bundle, err := r.Resolve(&model.Node{Driver: "fake-hardware"})
	require.NoError(t, err)

	byName := make(map[string]driver.Capability)
	for _, c := range bundle.Capabilities() {
		byName[c.Name] = c
	}

	require.Len(t, byName, 8)
	assert.NotNil(t, byName["power"].Interface)
	assert.Nil(t, byName["raid"].Interface)
}
