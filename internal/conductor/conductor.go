// Package conductor implements the node lifecycle service: it
// validates requests synchronously, executes provisioning work
// asynchronously under per-node exclusive leases, and records every
// outcome on the node itself. Callers observe asynchronous results by
// polling the node's provision state and last_error.
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"

	"github.com/metalgrid/conductor/internal/cache"
	"github.com/metalgrid/conductor/internal/config"
	"github.com/metalgrid/conductor/internal/driver"
	"github.com/metalgrid/conductor/internal/fsm"
	"github.com/metalgrid/conductor/internal/lease"
	"github.com/metalgrid/conductor/internal/model"
	"github.com/metalgrid/conductor/internal/repository"
)

// hostname-legal logical names, same grammar as a DNS label chain
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)

// CreateNodeRequest carries the enrollment parameters.
type CreateNodeRequest struct {
	Driver     string         `json:"driver"`
	Name       string         `json:"name,omitempty"`
	DriverInfo map[string]any `json:"driver_info,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`

	PowerInterface      string `json:"power_interface,omitempty"`
	BootInterface       string `json:"boot_interface,omitempty"`
	DeployInterface     string `json:"deploy_interface,omitempty"`
	ManagementInterface string `json:"management_interface,omitempty"`
	ConsoleInterface    string `json:"console_interface,omitempty"`
	RAIDInterface       string `json:"raid_interface,omitempty"`
	InspectInterface    string `json:"inspect_interface,omitempty"`
	VendorInterface     string `json:"vendor_interface,omitempty"`
}

// NodePatch is a partial update. Nil pointers leave fields untouched;
// maps, when present, replace the stored mapping wholesale.
type NodePatch struct {
	Name              *string        `json:"name,omitempty"`
	Driver            *string        `json:"driver,omitempty"`
	DriverInfo        map[string]any `json:"driver_info,omitempty"`
	Properties        map[string]any `json:"properties,omitempty"`
	InstanceInfo      map[string]any `json:"instance_info,omitempty"`
	Maintenance       *bool          `json:"maintenance,omitempty"`
	MaintenanceReason *string        `json:"maintenance_reason,omitempty"`

	PowerInterface      *string `json:"power_interface,omitempty"`
	BootInterface       *string `json:"boot_interface,omitempty"`
	DeployInterface     *string `json:"deploy_interface,omitempty"`
	ManagementInterface *string `json:"management_interface,omitempty"`
	ConsoleInterface    *string `json:"console_interface,omitempty"`
	RAIDInterface       *string `json:"raid_interface,omitempty"`
	InspectInterface    *string `json:"inspect_interface,omitempty"`
	VendorInterface     *string `json:"vendor_interface,omitempty"`
}

// PassthruResult is the outcome of a vendor passthru dispatch: either
// an inline result (synchronous methods) or an accepted asynchronous
// execution.
type PassthruResult struct {
	Async  bool `json:"async"`
	Result any  `json:"result,omitempty"`
}

// Service defines the conductor operations exposed to the API layer.
type Service interface {
	CreateNode(ctx context.Context, req CreateNodeRequest, version *semver.Version) (*model.Node, error)
	GetNode(ctx context.Context, ident string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
	UpdateNode(ctx context.Context, ident string, patch NodePatch, version *semver.Version) (*model.Node, error)
	DeleteNode(ctx context.Context, ident string) error

	ChangeProvisionState(ctx context.Context, ident, verb string) error
	Resume(ctx context.Context, ident string) error
	ChangeNodePowerState(ctx context.Context, ident, target string) error
	NodeStates(ctx context.Context, ident string) (*model.NodeStates, error)
	ValidateNode(ctx context.Context, ident string) (map[string]driver.Validation, error)

	CreatePort(ctx context.Context, nodeIdent, mac string) (*model.Port, error)
	ListPorts(ctx context.Context, nodeIdent string) ([]model.Port, error)

	ListDrivers(ctx context.Context) []string
	DriverProperties(ctx context.Context, name string) (map[string]string, error)
	DriverVendorMethods(ctx context.Context, name string) (map[string]driver.MethodInfo, error)
	DriverVendorPassthru(ctx context.Context, driverName, method, verb string, params map[string]any) (*PassthruResult, error)
	NodeVendorPassthru(ctx context.Context, ident, method, verb string, params map[string]any) (*PassthruResult, error)

	// Recover repairs a node whose lease holder stopped heartbeating.
	Recover(ctx context.Context, nodeID, deadHolder string) error

	// Wait blocks until in-flight background operations finish.
	Wait()
}

// service implements Service.
type service struct {
	repo     repository.Repository
	leases   lease.Store
	registry *driver.Registry
	cache    cache.Cache
	cfg      *config.Config
	logger   *slog.Logger

	// host identifies this conductor instance as a lease holder.
	host string

	tasks sync.WaitGroup

	mu     sync.Mutex
	aborts map[string]bool // node UUID -> abort requested
}

// New creates the conductor service.
func New(
	repo repository.Repository,
	leases lease.Store,
	registry *driver.Registry,
	appCache cache.Cache,
	cfg *config.Config,
	host string,
	logger *slog.Logger,
) Service {
	return &service{
		repo:     repo,
		leases:   leases,
		registry: registry,
		cache:    appCache,
		cfg:      cfg,
		logger:   logger,
		host:     host,
		aborts:   make(map[string]bool),
	}
}

// CreateNode enrolls a new node. The negotiated protocol version
// decides the initial provision state: modern versions start in
// enroll, older ones go straight to available for compatibility.
// Interface selections are only honored from the interface-selection
// version onward; below it the fields are ignored entirely.
func (s *service) CreateNode(ctx context.Context, req CreateNodeRequest, version *semver.Version) (*model.Node, error) {
	if req.Driver == "" {
		return nil, &model.ValidationError{Reason: "driver is required"}
	}
	if !s.registry.Has(req.Driver) {
		return nil, &model.NotFoundError{Kind: "driver", Name: req.Driver}
	}
	if req.Name != "" && !namePattern.MatchString(req.Name) {
		return nil, &model.ValidationError{Reason: fmt.Sprintf("name %q is not a valid hostname", req.Name)}
	}
	if version == nil {
		version = semver.New(s.cfg.API.DefaultVersion)
	}

	now := time.Now()
	node := &model.Node{
		UUID:           uuid.NewString(),
		Name:           req.Name,
		Driver:         req.Driver,
		DriverInfo:     req.DriverInfo,
		Properties:     req.Properties,
		InstanceInfo:   map[string]any{},
		ProvisionState: model.Available,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if node.DriverInfo == nil {
		node.DriverInfo = map[string]any{}
	}
	if node.Properties == nil {
		node.Properties = map[string]any{}
	}

	if !version.LessThan(*semver.New(s.cfg.API.EnrollVersion)) {
		node.ProvisionState = model.Enroll
	}

	if !version.LessThan(*semver.New(s.cfg.API.InterfaceVersion)) {
		node.PowerInterface = req.PowerInterface
		node.BootInterface = req.BootInterface
		node.DeployInterface = req.DeployInterface
		node.ManagementInterface = req.ManagementInterface
		node.ConsoleInterface = req.ConsoleInterface
		node.RAIDInterface = req.RAIDInterface
		node.InspectInterface = req.InspectInterface
		node.VendorInterface = req.VendorInterface
	}

	if err := s.registry.ApplyDefaults(node); err != nil {
		return nil, err
	}

	if err := s.repo.CreateNode(ctx, node); err != nil {
		return nil, err
	}

	s.logger.Info("node enrolled",
		slog.String("node", node.UUID),
		slog.String("driver", node.Driver),
		slog.String("provision_state", node.ProvisionState),
	)

	return node, nil
}

func (s *service) GetNode(ctx context.Context, ident string) (*model.Node, error) {
	return s.repo.GetNode(ctx, ident)
}

func (s *service) ListNodes(ctx context.Context) ([]model.Node, error) {
	return s.repo.ListNodes(ctx)
}

// UpdateNode applies a partial update under a briefly-held lease so
// administrative edits never interleave with provisioning work.
func (s *service) UpdateNode(ctx context.Context, ident string, patch NodePatch, version *semver.Version) (*model.Node, error) {
	t, err := s.acquire(ctx, ident)
	if err != nil {
		return nil, err
	}
	defer s.release(t)

	node := t.node

	if patch.Name != nil {
		if *patch.Name != "" && !namePattern.MatchString(*patch.Name) {
			return nil, &model.ValidationError{Reason: fmt.Sprintf("name %q is not a valid hostname", *patch.Name)}
		}
		node.Name = *patch.Name
	}
	if patch.DriverInfo != nil {
		node.DriverInfo = patch.DriverInfo
	}
	if patch.Properties != nil {
		node.Properties = patch.Properties
	}
	if patch.InstanceInfo != nil {
		node.InstanceInfo = patch.InstanceInfo
	}
	if patch.Maintenance != nil {
		node.Maintenance = *patch.Maintenance
		if !node.Maintenance {
			node.MaintenanceReason = ""
		}
	}
	if patch.MaintenanceReason != nil {
		node.MaintenanceReason = *patch.MaintenanceReason
	}

	driverChanged := false
	if patch.Driver != nil && *patch.Driver != node.Driver {
		if !s.registry.Has(*patch.Driver) {
			return nil, &model.NotFoundError{Kind: "driver", Name: *patch.Driver}
		}
		node.Driver = *patch.Driver
		driverChanged = true
		// Interface selections belong to the previous driver; reset
		// them so defaults for the new driver apply.
		node.PowerInterface = ""
		node.BootInterface = ""
		node.DeployInterface = ""
		node.ManagementInterface = ""
		node.ConsoleInterface = ""
		node.RAIDInterface = ""
		node.InspectInterface = ""
		node.VendorInterface = ""
	}

	ifacePatches := []struct {
		value *string
		field *string
	}{
		{patch.PowerInterface, &node.PowerInterface},
		{patch.BootInterface, &node.BootInterface},
		{patch.DeployInterface, &node.DeployInterface},
		{patch.ManagementInterface, &node.ManagementInterface},
		{patch.ConsoleInterface, &node.ConsoleInterface},
		{patch.RAIDInterface, &node.RAIDInterface},
		{patch.InspectInterface, &node.InspectInterface},
		{patch.VendorInterface, &node.VendorInterface},
	}

	wantsIfaceChange := false
	for _, p := range ifacePatches {
		if p.value != nil {
			wantsIfaceChange = true
		}
	}

	// Negotiated versions predating interface selection disable the
	// fields entirely: they do not exist for the caller, so they can
	// neither apply nor trip the classic-driver rejection.
	if wantsIfaceChange && version != nil && version.LessThan(*semver.New(s.cfg.API.InterfaceVersion)) {
		wantsIfaceChange = false
	}

	if wantsIfaceChange && s.registry.IsClassic(node.Driver) {
		return nil, &model.ValidationError{Reason: fmt.Sprintf(
			"driver %s is a classic driver; interface selections cannot be set", node.Driver)}
	}

	if wantsIfaceChange && !driverChanged {
		for _, p := range ifacePatches {
			if p.value != nil {
				*p.field = *p.value
			}
		}
	}

	if err := s.registry.ApplyDefaults(node); err != nil {
		return nil, err
	}

	if err := s.saveNode(ctx, node); err != nil {
		return nil, err
	}

	return node, nil
}

// DeleteNode destroys a node record. Only legal from stable idle
// states; nodes carrying an instance must be torn down first.
func (s *service) DeleteNode(ctx context.Context, ident string) error {
	t, err := s.acquire(ctx, ident)
	if err != nil {
		return err
	}
	defer s.release(t)

	if !fsm.Deletable(t.node.ProvisionState) {
		return &model.InvalidStateError{Verb: "delete", State: t.node.ProvisionState}
	}

	if err := s.repo.DeleteNode(ctx, t.node.UUID); err != nil {
		return err
	}

	s.logger.Info("node deleted",
		slog.String("node", t.node.UUID),
	)
	return nil
}

func (s *service) NodeStates(ctx context.Context, ident string) (*model.NodeStates, error) {
	node, err := s.repo.GetNode(ctx, ident)
	if err != nil {
		return nil, err
	}

	return &model.NodeStates{
		ProvisionState:       node.ProvisionState,
		TargetProvisionState: node.TargetProvisionState,
		LastError:            node.LastError,
		PowerState:           node.PowerState,
		TargetPowerState:     node.TargetPowerState,
	}, nil
}

func validateCacheKey(nodeUUID string) string {
	return "validate:" + nodeUUID
}

// ValidateNode aggregates every capability interface's validation
// outcome. It is read-only: re-issuing it never mutates node state.
// Results are cached briefly and invalidated on any node update.
func (s *service) ValidateNode(ctx context.Context, ident string) (map[string]driver.Validation, error) {
	node, err := s.repo.GetNode(ctx, ident)
	if err != nil {
		return nil, err
	}

	cacheKey := validateCacheKey(node.UUID)
	if cached, ok := s.cache.Get(cacheKey); ok {
		if outcome, ok := cached.(map[string]driver.Validation); ok {
			return outcome, nil
		}
	}

	bundle, err := s.registry.Resolve(node)
	if err != nil {
		return nil, err
	}

	outcome := make(map[string]driver.Validation)
	for _, c := range bundle.Capabilities() {
		if c.Interface == nil {
			outcome[c.Name] = driver.Unsupported()
			continue
		}
		outcome[c.Name] = c.Interface.Validate(ctx, node)
	}

	s.cache.Set(cacheKey, outcome, 10*time.Second)
	return outcome, nil
}

// CreatePort registers a NIC for a node. The MAC address must parse
// and be unique across all ports.
func (s *service) CreatePort(ctx context.Context, nodeIdent, mac string) (*model.Port, error) {
	node, err := s.repo.GetNode(ctx, nodeIdent)
	if err != nil {
		return nil, err
	}

	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, &model.ValidationError{Reason: fmt.Sprintf("invalid MAC address %q", mac)}
	}

	port := &model.Port{
		UUID:      uuid.NewString(),
		NodeUUID:  node.UUID,
		Address:   hw.String(),
		CreatedAt: time.Now(),
	}
	if err := s.repo.CreatePort(ctx, port); err != nil {
		return nil, err
	}
	return port, nil
}

func (s *service) ListPorts(ctx context.Context, nodeIdent string) ([]model.Port, error) {
	node, err := s.repo.GetNode(ctx, nodeIdent)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPorts(ctx, node.UUID)
}

func (s *service) ListDrivers(_ context.Context) []string {
	return s.registry.Names()
}

// DriverProperties surfaces the aggregated required-configuration
// descriptions of a driver, cached since the registry is immutable.
func (s *service) DriverProperties(_ context.Context, name string) (map[string]string, error) {
	cacheKey := "driver-properties:" + name
	if cached, ok := s.cache.Get(cacheKey); ok {
		if props, ok := cached.(map[string]string); ok {
			return props, nil
		}
	}

	props, err := s.registry.Properties(name)
	if err != nil {
		return nil, err
	}

	s.cache.Set(cacheKey, props, 5*time.Minute)
	return props, nil
}
