// Package fake provides a no-op hardware driver. It validates and
// executes against in-memory state only, so the conductor can be run
// and tested without any management controller. Behavior is scripted
// through driver_info keys: fake_address is the only required key,
// fake_power_error / fake_deploy_error inject failures ("transient" or
// "fault"), fake_deploy_wait parks deployment in the wait state.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/metalgrid/conductor/internal/driver"
	"github.com/metalgrid/conductor/internal/model"
)

const addressKey = "fake_address"

func validate(node *model.Node) driver.Validation {
	if _, ok := node.DriverInfo[addressKey]; !ok {
		return driver.Failed(fmt.Sprintf("missing required driver_info key %q", addressKey))
	}
	return driver.Passed()
}

func injected(node *model.Node, key string) error {
	switch node.DriverInfo[key] {
	case "transient":
		return &model.TransientError{Err: fmt.Errorf("%s injected", key)}
	case "fault":
		return &model.HardwareFaultError{Err: fmt.Errorf("%s injected", key)}
	}
	return nil
}

// Power is a fake power interface tracking state in memory.
type Power struct {
	// BeforePowerState, when set, runs before each power state read.
	// Lets tests interleave other work with an in-flight poll.
	BeforePowerState func(node *model.Node)

	mu     sync.Mutex
	states map[string]string
}

func NewPower() *Power {
	return &Power{states: make(map[string]string)}
}

func (p *Power) GetProperties() map[string]string {
	return map[string]string{addressKey: "management controller address. Required."}
}

func (p *Power) Validate(_ context.Context, node *model.Node) driver.Validation {
	return validate(node)
}

func (p *Power) GetPowerState(_ context.Context, node *model.Node) (string, error) {
	if p.BeforePowerState != nil {
		p.BeforePowerState(node)
	}
	if err := injected(node, "fake_power_error"); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.states[node.UUID]; ok {
		return state, nil
	}
	if state, ok := node.DriverInfo["fake_power_state"].(string); ok {
		return state, nil
	}
	return model.PowerOff, nil
}

func (p *Power) SetPowerState(_ context.Context, node *model.Node, state string) error {
	if err := injected(node, "fake_power_error"); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[node.UUID] = state
	return nil
}

func (p *Power) Reboot(ctx context.Context, node *model.Node) error {
	return p.SetPowerState(ctx, node, model.PowerOn)
}

// Boot is a fake boot interface.
type Boot struct{}

func (Boot) GetProperties() map[string]string { return map[string]string{} }

func (Boot) Validate(_ context.Context, node *model.Node) driver.Validation {
	return validate(node)
}

func (Boot) PrepareBoot(_ context.Context, _ *model.Node) error { return nil }
func (Boot) CleanUpBoot(_ context.Context, _ *model.Node) error { return nil }

// Deploy is a fake deploy interface. It records every clean step it
// executes so tests can assert ordering, and contributes the Steps it
// is constructed with to the cleaning workflow.
type Deploy struct {
	// Steps are the clean steps this interface offers. Defaults to a
	// single erase_devices step at priority 10.
	Steps []model.CleanStep

	mu       sync.Mutex
	executed []string
}

func NewDeploy() *Deploy {
	return &Deploy{
		Steps: []model.CleanStep{
			{Interface: "deploy", Name: "erase_devices", Priority: 10},
		},
	}
}

func (d *Deploy) GetProperties() map[string]string { return map[string]string{} }

func (d *Deploy) Validate(_ context.Context, node *model.Node) driver.Validation {
	return validate(node)
}

func (d *Deploy) Deploy(_ context.Context, node *model.Node) (bool, error) {
	if err := injected(node, "fake_deploy_error"); err != nil {
		return false, err
	}
	if wait, _ := node.DriverInfo["fake_deploy_wait"].(bool); wait {
		return true, nil
	}
	return false, nil
}

func (d *Deploy) TearDown(_ context.Context, node *model.Node) error {
	return injected(node, "fake_teardown_error")
}

func (d *Deploy) Prepare(_ context.Context, _ *model.Node) error { return nil }
func (d *Deploy) CleanUp(_ context.Context, _ *model.Node) error { return nil }

func (d *Deploy) CleanSteps(_ context.Context, _ *model.Node) ([]model.CleanStep, error) {
	return d.Steps, nil
}

func (d *Deploy) ExecuteCleanStep(_ context.Context, node *model.Node, step model.CleanStep) (bool, error) {
	if name, _ := node.DriverInfo["fake_clean_error"].(string); name == step.Name {
		return false, &model.HardwareFaultError{Err: fmt.Errorf("clean step %s injected failure", step.Name)}
	}

	d.mu.Lock()
	d.executed = append(d.executed, step.Name)
	d.mu.Unlock()

	if name, _ := node.DriverInfo["fake_clean_wait"].(string); name == step.Name {
		return true, nil
	}
	return false, nil
}

// ExecutedSteps returns the names of the clean steps executed so far,
// in execution order.
func (d *Deploy) ExecutedSteps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.executed))
	copy(out, d.executed)
	return out
}

// Management is a fake management interface.
type Management struct {
	mu          sync.Mutex
	bootDevices map[string]string
}

func NewManagement() *Management {
	return &Management{bootDevices: make(map[string]string)}
}

func (m *Management) GetProperties() map[string]string {
	return map[string]string{addressKey: "management controller address. Required."}
}

func (m *Management) Validate(_ context.Context, node *model.Node) driver.Validation {
	return validate(node)
}

func (m *Management) GetBootDevice(_ context.Context, node *model.Node) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.bootDevices[node.UUID]; ok {
		return dev, nil
	}
	return "disk", nil
}

func (m *Management) SetBootDevice(_ context.Context, node *model.Node, device string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootDevices[node.UUID] = device
	return nil
}

func (m *Management) GetSensorsData(_ context.Context, _ *model.Node) (map[string]any, error) {
	return map[string]any{"temperature": map[string]any{"inlet": 24}}, nil
}

// Console is a fake console interface; it reports unsupported on
// validation, exercising the three-way validation outcome.
type Console struct{}

func (Console) GetProperties() map[string]string { return map[string]string{} }

func (Console) Validate(_ context.Context, _ *model.Node) driver.Validation {
	return driver.Unsupported()
}

func (Console) StartConsole(_ context.Context, _ *model.Node) error {
	return errors.New("console not supported")
}

func (Console) StopConsole(_ context.Context, _ *model.Node) error {
	return errors.New("console not supported")
}

func (Console) GetConsole(_ context.Context, _ *model.Node) (map[string]any, error) {
	return nil, errors.New("console not supported")
}

// Inspect is a fake inspection interface returning canned hardware
// properties.
type Inspect struct{}

func (Inspect) GetProperties() map[string]string { return map[string]string{} }

func (Inspect) Validate(_ context.Context, node *model.Node) driver.Validation {
	return validate(node)
}

func (Inspect) InspectHardware(_ context.Context, node *model.Node) (map[string]any, error) {
	if err := injected(node, "fake_inspect_error"); err != nil {
		return nil, err
	}
	return map[string]any{
		"cpus":      8,
		"cpu_arch":  "x86_64",
		"memory_mb": 16384,
		"local_gb":  240,
	}, nil
}

// Vendor exposes two node-scoped passthru methods: an asynchronous
// send_raw and a synchronous bios_settings lookup.
type Vendor struct {
	methods *driver.PassthruSet
}

func NewVendor() *Vendor {
	v := &Vendor{}
	v.methods = driver.NewPassthruSet(
		&driver.PassthruMethod{
			Name:        "send_raw",
			HTTPMethods: []string{"POST"},
			Description: "Send a raw command to the management controller.",
			Validate: func(_ *model.Node, params map[string]any) error {
				if _, ok := params["raw_bytes"]; !ok {
					return &model.ValidationError{Reason: "raw_bytes parameter is required"}
				}
				return nil
			},
			Handler: func(_ context.Context, _ *model.Node, _ map[string]any) (any, error) {
				return nil, nil
			},
		},
		&driver.PassthruMethod{
			Name:        "bios_settings",
			HTTPMethods: []string{"GET"},
			Sync:        true,
			Description: "Return the cached BIOS settings.",
			Handler: func(_ context.Context, _ *model.Node, _ map[string]any) (any, error) {
				return map[string]any{"boot_mode": "uefi"}, nil
			},
		},
	)
	return v
}

func (v *Vendor) GetProperties() map[string]string { return map[string]string{} }

func (v *Vendor) Validate(_ context.Context, node *model.Node) driver.Validation {
	return validate(node)
}

func (v *Vendor) Methods() *driver.PassthruSet { return v.methods }

// Classic assembles a fixed fake bundle for registration as a classic
// driver. Classic drivers carry no console or vendor interface and
// accept no per-node interface selection.
func Classic() *driver.Bundle {
	return &driver.Bundle{
		Power:      NewPower(),
		Boot:       Boot{},
		Deploy:     NewDeploy(),
		Management: NewManagement(),
		Inspect:    Inspect{},
	}
}

// HardwareType assembles the complete fake hardware type under the
// given name, ready to register.
func HardwareType(name string) *driver.HardwareType {
	return &driver.HardwareType{
		Name:       name,
		Power:      map[string]driver.PowerInterface{"fake": NewPower()},
		Boot:       map[string]driver.BootInterface{"fake": Boot{}},
		Deploy:     map[string]driver.DeployInterface{"fake": NewDeploy()},
		Management: map[string]driver.ManagementInterface{"fake": NewManagement()},
		Console:    map[string]driver.ConsoleInterface{"fake": Console{}},
		Inspect:    map[string]driver.InspectInterface{"fake": Inspect{}},
		Vendor:     map[string]driver.VendorInterface{"fake": NewVendor()},
		Defaults: map[string]string{
			"power":      "fake",
			"boot":       "fake",
			"deploy":     "fake",
			"management": "fake",
			"console":    "fake",
			"inspect":    "fake",
			"vendor":     "fake",
		},
		DriverPassthru: driver.NewPassthruSet(
			&driver.PassthruMethod{
				Name:        "ping",
				HTTPMethods: []string{"GET"},
				Sync:        true,
				Description: "Liveness probe for the fake backend.",
				Handler: func(_ context.Context, _ *model.Node, _ map[string]any) (any, error) {
					return map[string]any{"pong": true}, nil
				},
			},
		),
	}
}
