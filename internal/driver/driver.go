// Package driver defines the capability contracts hardware drivers
// implement and the registry that composes them per node. The
// conductor talks to hardware exclusively through these interfaces;
// all node context is passed explicitly on every call and
// implementations must be stateless with respect to a given node.
package driver

import (
	"context"

	"github.com/metalgrid/conductor/internal/model"
)

// Validation is the outcome of an interface's Validate call.
type Validation struct {
	// Result is true when the interface is ready, false when
	// configuration is missing or invalid, and nil when the driver does
	// not implement the capability at all.
	Result *bool  `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// Passed returns a ready validation outcome.
func Passed() Validation {
	ok := true
	return Validation{Result: &ok}
}

// Failed returns a validation outcome carrying the reason the
// configuration is unusable.
func Failed(reason string) Validation {
	notOK := false
	return Validation{Result: &notOK, Reason: reason}
}

// Unsupported marks a capability the driver does not implement. This
// is distinct from failure: the node is still fully operable through
// its other interfaces.
func Unsupported() Validation {
	return Validation{Reason: "not supported"}
}

// OK reports whether the outcome is a pass.
func (v Validation) OK() bool {
	return v.Result != nil && *v.Result
}

// Interface is the contract every capability variant satisfies.
// Validate checks that the node's driver_info and properties carry
// everything the implementation needs; it never touches hardware.
type Interface interface {
	// GetProperties maps required configuration keys to a
	// human-readable description of each requirement.
	GetProperties() map[string]string

	Validate(ctx context.Context, node *model.Node) Validation
}

// PowerInterface controls node power through the management controller.
type PowerInterface interface {
	Interface

	GetPowerState(ctx context.Context, node *model.Node) (string, error)
	SetPowerState(ctx context.Context, node *model.Node, state string) error
	Reboot(ctx context.Context, node *model.Node) error
}

// BootInterface configures how the node boots (boot device ordering,
// virtual media attachment, PXE configuration).
type BootInterface interface {
	Interface

	PrepareBoot(ctx context.Context, node *model.Node) error
	CleanUpBoot(ctx context.Context, node *model.Node) error
}

// DeployInterface writes an instance image onto the node and tears it
// back down. Deploy may return wait=true to indicate control was
// handed to an out-of-band agent; the conductor parks the node in a
// wait state until the agent reports back.
type DeployInterface interface {
	Interface

	Deploy(ctx context.Context, node *model.Node) (wait bool, err error)
	TearDown(ctx context.Context, node *model.Node) error
	Prepare(ctx context.Context, node *model.Node) error
	CleanUp(ctx context.Context, node *model.Node) error
}

// ManagementInterface covers out-of-band management operations that
// are not power control.
type ManagementInterface interface {
	Interface

	GetBootDevice(ctx context.Context, node *model.Node) (string, error)
	SetBootDevice(ctx context.Context, node *model.Node, device string, persistent bool) error
	GetSensorsData(ctx context.Context, node *model.Node) (map[string]any, error)
}

// ConsoleInterface manages remote console access.
type ConsoleInterface interface {
	Interface

	StartConsole(ctx context.Context, node *model.Node) error
	StopConsole(ctx context.Context, node *model.Node) error
	GetConsole(ctx context.Context, node *model.Node) (map[string]any, error)
}

// RAIDInterface applies and removes RAID configuration.
type RAIDInterface interface {
	Interface

	CreateConfiguration(ctx context.Context, node *model.Node) error
	DeleteConfiguration(ctx context.Context, node *model.Node) error
}

// InspectInterface performs hardware introspection, returning
// discovered properties to merge into the node record.
type InspectInterface interface {
	Interface

	InspectHardware(ctx context.Context, node *model.Node) (map[string]any, error)
}

// VendorInterface exposes driver-defined node-scoped passthru methods.
type VendorInterface interface {
	Interface

	Methods() *PassthruSet
}

// CleanStepProvider is implemented by deploy and management variants
// that contribute steps to the cleaning workflow. ExecuteCleanStep may
// return wait=true to park the node until an agent callback.
type CleanStepProvider interface {
	CleanSteps(ctx context.Context, node *model.Node) ([]model.CleanStep, error)
	ExecuteCleanStep(ctx context.Context, node *model.Node, step model.CleanStep) (wait bool, err error)
}

// Bundle is the per-node composition of concrete capability
// implementations, resolved once from the registry when a task is
// created.
type Bundle struct {
	Power      PowerInterface
	Boot       BootInterface
	Deploy     DeployInterface
	Management ManagementInterface
	Console    ConsoleInterface
	RAID       RAIDInterface
	Inspect    InspectInterface
	Vendor     VendorInterface
}

// Capabilities returns the bundle's interfaces keyed by capability
// name, in the order the validate endpoint reports them. Nil entries
// are kept so unsupported capabilities are reported as such.
func (b *Bundle) Capabilities() []Capability {
	return []Capability{
		{"power", ifaceOrNil(b.Power)},
		{"boot", ifaceOrNil(b.Boot)},
		{"deploy", ifaceOrNil(b.Deploy)},
		{"management", ifaceOrNil(b.Management)},
		{"console", ifaceOrNil(b.Console)},
		{"raid", ifaceOrNil(b.RAID)},
		{"inspect", ifaceOrNil(b.Inspect)},
		{"vendor", ifaceOrNil(b.Vendor)},
	}
}

// Capability pairs a capability name with the resolved implementation,
// nil when the driver does not provide one.
type Capability struct {
	Name      string
	Interface Interface
}

func ifaceOrNil[T Interface](v T) Interface {
	var zero T
	if any(v) == any(zero) {
		return nil
	}
	return v
}
