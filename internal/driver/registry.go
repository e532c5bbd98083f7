package driver

import (
	"fmt"
	"sort"

	"github.com/metalgrid/conductor/internal/model"
)

// HardwareType declares, per capability, the implementations a driver
// supports and which one a node gets when it does not pick. Nodes
// enrolled with a hardware type select one implementation per
// capability; the registry resolves the composition once at task
// creation, not at call time.
type HardwareType struct {
	Name string

	Power      map[string]PowerInterface
	Boot       map[string]BootInterface
	Deploy     map[string]DeployInterface
	Management map[string]ManagementInterface
	Console    map[string]ConsoleInterface
	RAID       map[string]RAIDInterface
	Inspect    map[string]InspectInterface
	Vendor     map[string]VendorInterface

	// Defaults maps capability name to the implementation used when the
	// node leaves the selection empty.
	Defaults map[string]string

	// DriverPassthru holds driver-scoped vendor methods (no node
	// context).
	DriverPassthru *PassthruSet
}

// Registry maps driver names to their capability compositions. It is
// built once at startup from the enabled-driver configuration and is
// read-only afterwards.
type Registry struct {
	hardwareTypes map[string]*HardwareType
	classic       map[string]*Bundle
}

// NewRegistry creates an empty registry. Register all enabled drivers
// before handing it to the conductor.
func NewRegistry() *Registry {
	return &Registry{
		hardwareTypes: make(map[string]*HardwareType),
		classic:       make(map[string]*Bundle),
	}
}

// Register adds a hardware type.
func (r *Registry) Register(ht *HardwareType) {
	r.hardwareTypes[ht.Name] = ht
}

// RegisterClassic adds a classic driver: a fixed bundle whose
// interfaces nodes cannot override.
func (r *Registry) RegisterClassic(name string, bundle *Bundle) {
	r.classic[name] = bundle
}

// Names returns all registered driver names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.hardwareTypes)+len(r.classic))
	for name := range r.hardwareTypes {
		names = append(names, name)
	}
	for name := range r.classic {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a driver name is registered.
func (r *Registry) Has(name string) bool {
	if _, ok := r.hardwareTypes[name]; ok {
		return true
	}
	_, ok := r.classic[name]
	return ok
}

// IsClassic reports whether the named driver is a classic driver.
func (r *Registry) IsClassic(name string) bool {
	_, ok := r.classic[name]
	return ok
}

// DriverPassthru returns the driver-scoped vendor method set for the
// named driver.
func (r *Registry) DriverPassthru(name string) (*PassthruSet, error) {
	if ht, ok := r.hardwareTypes[name]; ok {
		return ht.DriverPassthru, nil
	}
	if _, ok := r.classic[name]; ok {
		// Classic drivers only expose node-scoped passthru.
		return nil, nil
	}
	return nil, &model.NotFoundError{Kind: "driver", Name: name}
}

// ApplyDefaults fills a node's empty interface selections from the
// hardware type's defaults and rejects selections the type does not
// support. For classic drivers it instead forces every selection
// empty, since the bundle is fixed.
func (r *Registry) ApplyDefaults(node *model.Node) error {
	if r.IsClassic(node.Driver) {
		node.PowerInterface = ""
		node.BootInterface = ""
		node.DeployInterface = ""
		node.ManagementInterface = ""
		node.ConsoleInterface = ""
		node.RAIDInterface = ""
		node.InspectInterface = ""
		node.VendorInterface = ""
		return nil
	}

	ht, ok := r.hardwareTypes[node.Driver]
	if !ok {
		return &model.NotFoundError{Kind: "driver", Name: node.Driver}
	}

	pick := func(capability, selected string, supported func(string) bool) (string, error) {
		if selected == "" {
			selected = ht.Defaults[capability]
		}
		if selected != "" && !supported(selected) {
			return "", &model.ValidationError{Reason: fmt.Sprintf(
				"driver %s does not support %s interface %q", ht.Name, capability, selected)}
		}
		return selected, nil
	}

	var err error
	if node.PowerInterface, err = pick("power", node.PowerInterface, mapHas(ht.Power)); err != nil {
		return err
	}
	if node.BootInterface, err = pick("boot", node.BootInterface, mapHas(ht.Boot)); err != nil {
		return err
	}
	if node.DeployInterface, err = pick("deploy", node.DeployInterface, mapHas(ht.Deploy)); err != nil {
		return err
	}
	if node.ManagementInterface, err = pick("management", node.ManagementInterface, mapHas(ht.Management)); err != nil {
		return err
	}
	if node.ConsoleInterface, err = pick("console", node.ConsoleInterface, mapHas(ht.Console)); err != nil {
		return err
	}
	if node.RAIDInterface, err = pick("raid", node.RAIDInterface, mapHas(ht.RAID)); err != nil {
		return err
	}
	if node.InspectInterface, err = pick("inspect", node.InspectInterface, mapHas(ht.Inspect)); err != nil {
		return err
	}
	if node.VendorInterface, err = pick("vendor", node.VendorInterface, mapHas(ht.Vendor)); err != nil {
		return err
	}

	return nil
}

// Resolve composes the concrete bundle for a node from its driver and
// interface selections.
func (r *Registry) Resolve(node *model.Node) (*Bundle, error) {
	if bundle, ok := r.classic[node.Driver]; ok {
		return bundle, nil
	}

	ht, ok := r.hardwareTypes[node.Driver]
	if !ok {
		return nil, &model.NotFoundError{Kind: "driver", Name: node.Driver}
	}

	return &Bundle{
		Power:      ht.Power[selection(node.PowerInterface, ht.Defaults["power"])],
		Boot:       ht.Boot[selection(node.BootInterface, ht.Defaults["boot"])],
		Deploy:     ht.Deploy[selection(node.DeployInterface, ht.Defaults["deploy"])],
		Management: ht.Management[selection(node.ManagementInterface, ht.Defaults["management"])],
		Console:    ht.Console[selection(node.ConsoleInterface, ht.Defaults["console"])],
		RAID:       ht.RAID[selection(node.RAIDInterface, ht.Defaults["raid"])],
		Inspect:    ht.Inspect[selection(node.InspectInterface, ht.Defaults["inspect"])],
		Vendor:     ht.Vendor[selection(node.VendorInterface, ht.Defaults["vendor"])],
	}, nil
}

// Properties aggregates get_properties across every implementation the
// named driver can compose, surfacing required configuration to
// operators.
func (r *Registry) Properties(name string) (map[string]string, error) {
	props := make(map[string]string)
	merge := func(iface Interface) {
		if iface == nil {
			return
		}
		for k, v := range iface.GetProperties() {
			props[k] = v
		}
	}

	if bundle, ok := r.classic[name]; ok {
		for _, c := range bundle.Capabilities() {
			merge(c.Interface)
		}
		return props, nil
	}

	ht, ok := r.hardwareTypes[name]
	if !ok {
		return nil, &model.NotFoundError{Kind: "driver", Name: name}
	}

	for _, impl := range ht.Power {
		merge(impl)
	}
	for _, impl := range ht.Boot {
		merge(impl)
	}
	for _, impl := range ht.Deploy {
		merge(impl)
	}
	for _, impl := range ht.Management {
		merge(impl)
	}
	for _, impl := range ht.Console {
		merge(impl)
	}
	for _, impl := range ht.RAID {
		merge(impl)
	}
	for _, impl := range ht.Inspect {
		merge(impl)
	}
	for _, impl := range ht.Vendor {
		merge(impl)
	}

	return props, nil
}

func selection(selected, fallback string) string {
	if selected != "" {
		return selected
	}
	return fallback
}

func mapHas[T any](m map[string]T) func(string) bool {
	return func(name string) bool {
		_, ok := m[name]
		return ok
	}
}
