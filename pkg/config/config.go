package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/types"
)

// Default paths of the daemon and of the target backends
const (
	DefaultConfigPath      = "/etc/nvmetd/nvmetd.yaml"
	DefaultDataDir         = "/var/db/nvmetd"
	DefaultAPIAddr         = "127.0.0.1:6010"
	DefaultAPISocket       = "/var/run/nvmetd/nvmetd.sock"
	DefaultKernelConfigDir = "/sys/kernel/config/nvmet"
	DefaultSPDKSocket      = "/var/run/spdk/spdk.sock"
	DefaultSPDKKeyDir      = "/var/run/spdk/keys"
	DefaultSPDKSetup       = "/opt/spdk/scripts/setup.sh"
)

// Config holds all configuration for the nvmetd daemon
type Config struct {
	DataDir           string        `yaml:"data_dir"`
	APIAddr           string        `yaml:"api_addr"`
	APISocket         string        `yaml:"api_socket"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// EncryptionPassphrase, when set, encrypts host keys at rest
	EncryptionPassphrase string `yaml:"encryption_passphrase"`

	Log      LogConfig           `yaml:"log"`
	Target   TargetConfig        `yaml:"target"`
	Failover types.FailoverState `yaml:"failover"`
	System   types.SystemInfo    `yaml:"system"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TargetConfig locates the kernel and SPDK targets
type TargetConfig struct {
	KernelConfigDir string        `yaml:"kernel_config_dir"`
	SPDKSocket      string        `yaml:"spdk_socket"`
	SPDKKeyDir      string        `yaml:"spdk_key_dir"`
	SPDKSetup       string        `yaml:"spdk_setup"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	AttrRetries     int           `yaml:"attr_retries"`
	LoadModules     bool          `yaml:"load_modules"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s=%s: %s", e.Field, e.Value, e.Message)
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		DataDir:           DefaultDataDir,
		APIAddr:           DefaultAPIAddr,
		APISocket:         DefaultAPISocket,
		ReconcileInterval: time.Minute,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Target: TargetConfig{
			KernelConfigDir: DefaultKernelConfigDir,
			SPDKSocket:      DefaultSPDKSocket,
			SPDKKeyDir:      DefaultSPDKKeyDir,
			SPDKSetup:       DefaultSPDKSetup,
			RetryDelay:      time.Second,
			AttrRetries:     10,
			LoadModules:     true,
		},
		Failover: types.FailoverState{
			Status: types.FailoverStatusSingle,
		},
		System: types.SystemInfo{
			Product: "TrueNAS",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getStringEnv("NVMETD_DATA_DIR", c.DataDir)
	c.APIAddr = getStringEnv("NVMETD_API_ADDR", c.APIAddr)
	c.APISocket = getStringEnv("NVMETD_API_SOCKET", c.APISocket)
	c.Log.Level = getStringEnv("NVMETD_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getStringEnv("NVMETD_LOG_FORMAT", c.Log.Format)
	c.EncryptionPassphrase = getStringEnv("NVMETD_ENCRYPTION_PASSPHRASE", c.EncryptionPassphrase)
}

// Validate performs validation of all configuration fields
func (c *Config) Validate() error {
	var errors []ValidationError

	if c.DataDir == "" {
		errors = append(errors, ValidationError{
			Field:   "data_dir",
			Value:   c.DataDir,
			Message: "must not be empty",
		})
	}

	if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "api_addr",
			Value:   c.APIAddr,
			Message: "must be host:port",
		})
	}

	if c.ReconcileInterval < time.Second {
		errors = append(errors, ValidationError{
			Field:   "reconcile_interval",
			Value:   c.ReconcileInterval.String(),
			Message: "minimum value is 1s",
		})
	}

	if !log.Level(c.Log.Level).Valid() {
		errors = append(errors, ValidationError{
			Field:   "log.level",
			Value:   c.Log.Level,
			Message: "must be one of debug, info, warn, error",
		})
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		errors = append(errors, ValidationError{
			Field:   "log.format",
			Value:   c.Log.Format,
			Message: "must be json or console",
		})
	}

	if c.Target.AttrRetries < 1 {
		errors = append(errors, ValidationError{
			Field:   "target.attr_retries",
			Value:   fmt.Sprint(c.Target.AttrRetries),
			Message: "must be greater than 0",
		})
	}

	if c.Target.KernelConfigDir == "" || c.Target.SPDKSocket == "" || c.Target.SPDKKeyDir == "" {
		errors = append(errors, ValidationError{
			Field:   "target",
			Value:   "",
			Message: "kernel_config_dir, spdk_socket and spdk_key_dir must be set",
		})
	}

	errors = append(errors, c.validateFailover()...)

	if len(errors) > 0 {
		return errors[0]
	}
	return nil
}

func (c *Config) validateFailover() []ValidationError {
	var errors []ValidationError
	f := c.Failover

	switch f.Status {
	case types.FailoverStatusSingle, types.FailoverStatusMaster, types.FailoverStatusBackup:
	default:
		errors = append(errors, ValidationError{
			Field:   "failover.status",
			Value:   string(f.Status),
			Message: "must be SINGLE, MASTER or BACKUP",
		})
	}

	switch f.Node {
	case types.FailoverNodeNone, types.FailoverNodeA, types.FailoverNodeB:
	default:
		errors = append(errors, ValidationError{
			Field:   "failover.node",
			Value:   string(f.Node),
			Message: "must be A, B or empty",
		})
	}

	if f.Status != types.FailoverStatusSingle && !f.Licensed {
		errors = append(errors, ValidationError{
			Field:   "failover.status",
			Value:   string(f.Status),
			Message: "MASTER and BACKUP require a licensed HA system",
		})
	}

	for trtype, pairs := range f.AddressPairs {
		for vip, pair := range pairs {
			if len(strings.Split(pair, "/")) != 2 {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("failover.address_pairs.%s.%s", trtype, vip),
					Value:   pair,
					Message: "must be <node A address>/<node B address>",
				})
			}
		}
	}
	return errors
}

// LogLevel returns the configured level for the log package
func (c *Config) LogLevel() log.Level {
	return log.Level(c.Log.Level)
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *Config) String() string {
	return fmt.Sprintf("Config{DataDir: %q, APIAddr: %q, ReconcileInterval: %s, Encryption: %t, LogLevel: %q, LogFormat: %q, KernelConfigDir: %q, SPDKSocket: %q, FailoverStatus: %s, FailoverNode: %q}",
		c.DataDir, c.APIAddr, c.ReconcileInterval, c.EncryptionPassphrase != "", c.Log.Level, c.Log.Format,
		c.Target.KernelConfigDir, c.Target.SPDKSocket, c.Failover.Status, c.Failover.Node)
}

func getStringEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
