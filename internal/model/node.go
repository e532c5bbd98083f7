package model

import (
	"strings"
	"time"
)

// Node represents a managed physical machine record.
type Node struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"` // optional logical name, unique across all nodes

	// Driver selects the hardware type (or classic driver) responsible
	// for this node. Interface fields pick one concrete implementation
	// per capability; they must be empty for classic-driver nodes.
	Driver              string `json:"driver"`
	PowerInterface      string `json:"power_interface,omitempty"`
	BootInterface       string `json:"boot_interface,omitempty"`
	DeployInterface     string `json:"deploy_interface,omitempty"`
	ManagementInterface string `json:"management_interface,omitempty"`
	ConsoleInterface    string `json:"console_interface,omitempty"`
	RAIDInterface       string `json:"raid_interface,omitempty"`
	InspectInterface    string `json:"inspect_interface,omitempty"`
	VendorInterface     string `json:"vendor_interface,omitempty"`

	DriverInfo   map[string]any `json:"driver_info"`
	Properties   map[string]any `json:"properties"`
	InstanceInfo map[string]any `json:"instance_info"`

	ProvisionState       string    `json:"provision_state"`
	TargetProvisionState string    `json:"target_provision_state,omitempty"`
	LastError            string    `json:"last_error,omitempty"`
	ProvisionUpdatedAt   time.Time `json:"provision_updated_at,omitzero"`

	PowerState       string `json:"power_state,omitempty"`
	TargetPowerState string `json:"target_power_state,omitempty"`

	Maintenance       bool   `json:"maintenance"`
	MaintenanceReason string `json:"maintenance_reason,omitempty"`

	// Step cursor for resumable multi-step workflows. Index is the
	// position of the step currently (or last) executing; a new lease
	// holder resumes from here after a crash.
	CurrentStep string `json:"current_step,omitempty"`
	StepIndex   int    `json:"step_index,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Capabilities parses the free-form `capabilities` entry of Properties
// ("key1:value1,key2:value2") into a map. The contents are opaque to
// the conductor; only the syntax is interpreted.
func (n *Node) Capabilities() map[string]string {
	caps := make(map[string]string)
	raw, ok := n.Properties["capabilities"].(string)
	if !ok || raw == "" {
		return caps
	}

	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(pair, ":")
		if !found {
			continue
		}
		caps[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return caps
}

// Schedulable reports whether the node may be offered to the scheduler.
// Only stable deployed/deployable states qualify, and maintenance
// always excludes the node.
func (n *Node) Schedulable() bool {
	if n.Maintenance {
		return false
	}
	return n.ProvisionState == Available || n.ProvisionState == Active
}

// InTransition reports whether a provisioning operation is in flight.
func (n *Node) InTransition() bool {
	return n.TargetProvisionState != ""
}

// Port represents a network port (NIC) belonging to a node.
type Port struct {
	UUID      string    `json:"uuid"`
	NodeUUID  string    `json:"node_uuid"`
	Address   string    `json:"address"` // MAC address, unique across all ports
	CreatedAt time.Time `json:"created_at"`
}

// CleanStep is a single named step of a cleaning workflow. Steps run
// in descending priority order; priority 0 disables a step.
type CleanStep struct {
	Interface string `json:"interface"` // capability that executes the step ("deploy", "management")
	Name      string `json:"step"`
	Priority  int    `json:"priority"`
}

// NodeStates is the state snapshot returned by the states endpoint.
type NodeStates struct {
	ProvisionState       string `json:"provision_state"`
	TargetProvisionState string `json:"target_provision_state,omitempty"`
	LastError            string `json:"last_error,omitempty"`
	PowerState           string `json:"power_state,omitempty"`
	TargetPowerState     string `json:"target_power_state,omitempty"`
}
