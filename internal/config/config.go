package config

import (
	"fmt"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	LogLevel  string          `koanf:"log_level"`
	Etcd      *EtcdConfig     `koanf:"etcd"` // nil means in-memory stores (single instance)
	Lease     LeaseConfig     `koanf:"lease"`
	Retry     RetryConfig     `koanf:"retry"`
	PowerSync PowerSyncConfig `koanf:"power_sync"`
	API       APIConfig       `koanf:"api"`
	Drivers   DriversConfig   `koanf:"drivers"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	BasePath     string        `koanf:"base_path"` // Optional base path for reverse proxy (e.g., "/conductor")
}

// EtcdConfig represents the etcd cluster holding node records and the
// shared lease table
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	TLS         *TLSConfig    `koanf:"tls"`
}

// TLSConfig represents TLS configuration for the etcd client
type TLSConfig struct {
	CA   string `koanf:"ca"`
	Cert string `koanf:"cert"`
	Key  string `koanf:"key"`
}

// LeaseConfig governs per-node exclusive leases
type LeaseConfig struct {
	TTL               time.Duration `koanf:"ttl"`                // heartbeat timeout after which a lease is stale
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"` // how often in-flight work renews its lease
	ReclaimInterval   time.Duration `koanf:"reclaim_interval"`   // how often the reclaimer scans for stale leases
}

// RetryConfig governs driver-call retries for transient failures
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Backoff     time.Duration `koanf:"backoff"`      // base delay, multiplied by attempt number
	CallTimeout time.Duration `koanf:"call_timeout"` // per-driver-call timeout
}

// PowerSyncConfig governs the periodic power state poll loop
type PowerSyncConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Interval        time.Duration `koanf:"interval"`
	MaxParallel     int           `koanf:"max_parallel"`
	FailedThreshold int           `koanf:"failed_threshold"`
}

// APIConfig represents negotiated protocol version bounds. Versions at
// or above EnrollVersion create nodes in the enroll state; versions at
// or above InterfaceVersion accept per-capability interface selections.
type APIConfig struct {
	DefaultVersion   string `koanf:"default_version"`
	MinVersion       string `koanf:"min_version"`
	MaxVersion       string `koanf:"max_version"`
	EnrollVersion    string `koanf:"enroll_version"`
	InterfaceVersion string `koanf:"interface_version"`
}

// DriversConfig lists the drivers enabled in this process
type DriversConfig struct {
	HardwareTypes  []string `koanf:"hardware_types"`
	ClassicDrivers []string `koanf:"classic_drivers"`
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML config
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every optional knob at its
// default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":6385",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		LogLevel: "info",
		Lease: LeaseConfig{
			TTL:               60 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			ReclaimInterval:   30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Backoff:     2 * time.Second,
			CallTimeout: 60 * time.Second,
		},
		PowerSync: PowerSyncConfig{
			Enabled:         true,
			Interval:        60 * time.Second,
			MaxParallel:     8,
			FailedThreshold: 3,
		},
		API: APIConfig{
			DefaultVersion:   "1.0.0",
			MinVersion:       "1.0.0",
			MaxVersion:       "1.2.0",
			EnrollVersion:    "1.1.0",
			InterfaceVersion: "1.2.0",
		},
		Drivers: DriversConfig{
			HardwareTypes: []string{"fake-hardware"},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if c.Etcd != nil {
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd.endpoints is required when etcd is configured")
		}
		if c.Etcd.DialTimeout <= 0 {
			c.Etcd.DialTimeout = 5 * time.Second
		}
	}

	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	if c.Lease.HeartbeatInterval <= 0 || c.Lease.HeartbeatInterval >= c.Lease.TTL {
		return fmt.Errorf("lease.heartbeat_interval must be positive and below lease.ttl")
	}
	if c.Lease.ReclaimInterval <= 0 {
		return fmt.Errorf("lease.reclaim_interval must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.CallTimeout <= 0 {
		return fmt.Errorf("retry.call_timeout must be positive")
	}

	if c.PowerSync.Enabled {
		if c.PowerSync.Interval <= 0 {
			return fmt.Errorf("power_sync.interval must be positive when power sync is enabled")
		}
		if c.PowerSync.MaxParallel <= 0 {
			return fmt.Errorf("power_sync.max_parallel must be positive when power sync is enabled")
		}
		if c.PowerSync.FailedThreshold <= 0 {
			return fmt.Errorf("power_sync.failed_threshold must be positive when power sync is enabled")
		}
	}

	for _, version := range []string{
		c.API.DefaultVersion, c.API.MinVersion, c.API.MaxVersion,
		c.API.EnrollVersion, c.API.InterfaceVersion,
	} {
		if _, err := semver.NewVersion(version); err != nil {
			return fmt.Errorf("invalid api version %q: %w", version, err)
		}
	}

	if len(c.Drivers.HardwareTypes) == 0 && len(c.Drivers.ClassicDrivers) == 0 {
		return fmt.Errorf("at least one driver must be enabled")
	}

	return nil
}
