package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":6385", cfg.Server.Addr)
	assert.Nil(t, cfg.Etcd)
	assert.Equal(t, "1.0.0", cfg.API.DefaultVersion)
	assert.Equal(t, "1.2.0", cfg.API.MaxVersion)
	assert.Equal(t, []string{"fake-hardware"}, cfg.Drivers.HardwareTypes)
}

func TestLoad(t *testing.T) {
	content := `
server:
  addr: ":7000"
  read_timeout: 10s
  write_timeout: 10s
log_level: debug
lease:
  ttl: 30s
  heartbeat_interval: 5s
  reclaim_interval: 15s
retry:
  max_attempts: 5
  backoff: 1s
  call_timeout: 20s
drivers:
  hardware_types:
    - fake-hardware
    - staging-hardware
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Lease.TTL)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"fake-hardware", "staging-hardware"}, cfg.Drivers.HardwareTypes)

	// Unspecified knobs keep their defaults.
	assert.Equal(t, "1.2.0", cfg.API.MaxVersion)
	assert.True(t, cfg.PowerSync.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidConfig(t *testing.T) {
	content := `
lease:
  ttl: 10s
  heartbeat_interval: 20s
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.ErrorContains(t, err, "heartbeat_interval")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "missing server addr",
			mutate:  func(cfg *Config) { cfg.Server.Addr = "" },
			wantErr: "server.addr",
		},
		{
			name:    "etcd without endpoints",
			mutate:  func(cfg *Config) { cfg.Etcd = &EtcdConfig{} },
			wantErr: "etcd.endpoints",
		},
		{
			name:    "zero lease ttl",
			mutate:  func(cfg *Config) { cfg.Lease.TTL = 0 },
			wantErr: "lease.ttl",
		},
		{
			name:    "heartbeat above ttl",
			mutate:  func(cfg *Config) { cfg.Lease.HeartbeatInterval = cfg.Lease.TTL * 2 },
			wantErr: "heartbeat_interval",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(cfg *Config) { cfg.Retry.MaxAttempts = 0 },
			wantErr: "retry.max_attempts",
		},
		{
			name:    "bad api version",
			mutate:  func(cfg *Config) { cfg.API.MaxVersion = "banana" },
			wantErr: "invalid api version",
		},
		{
			name: "no drivers",
			mutate: func(cfg *Config) {
				cfg.Drivers.HardwareTypes = nil
				cfg.Drivers.ClassicDrivers = nil
			},
			wantErr: "at least one driver",
		},
		{
			name:    "power sync without interval",
			mutate:  func(cfg *Config) { cfg.PowerSync.Interval = 0 },
			wantErr: "power_sync.interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestValidateDefaultsEtcdDialTimeout(t *testing.T) {
	cfg := Default()
	cfg.Etcd = &EtcdConfig{Endpoints: []string{"localhost:2379"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Etcd.DialTimeout)
}
