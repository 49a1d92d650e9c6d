// Package config loads the agent's YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize.
const (
	DefaultGRPCAddr            = "localhost:8080"
	DefaultTargetSocket        = "/var/tmp/spdk.sock"
	DefaultTargetTimeout       = 60 * time.Second
	DefaultLibvirtTimeout      = 5 * time.Second
	DefaultBusyPolicy          = "reject"
	DefaultCompensationRetries = 3
	DefaultVhostSocketDir      = "/var/tmp"
	DefaultVFIOSocketDir       = "/var/tmp/vfiouser"
)

// Config is the complete agent configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Target  TargetConfig  `yaml:"target"`
	Agent   AgentConfig   `yaml:"agent"`
	Journal JournalConfig `yaml:"journal"`
	Libvirt LibvirtConfig `yaml:"libvirt"`
	Devices DevicesConfig `yaml:"devices"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the gRPC listener.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	// Socket, if set, serves on a unix socket instead of GRPCAddr.
	Socket string `yaml:"socket,omitempty"`
}

// TargetConfig locates the storage target's control socket.
type TargetConfig struct {
	Socket     string        `yaml:"socket"`
	TimeoutRaw string        `yaml:"timeout"`
	Timeout    time.Duration `yaml:"-"`
}

// AgentConfig holds dispatcher policy.
type AgentConfig struct {
	BusyPolicy          string `yaml:"busy_policy"`
	CompensationRetries *int   `yaml:"compensation_retries,omitempty"` // Pointer to distinguish unset vs 0
	Reconcile           *bool  `yaml:"reconcile,omitempty"`
}

// JournalConfig enables the sqlite journal when Path is set.
type JournalConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LibvirtConfig enables vhost-blk hot-plug when Socket is set.
type LibvirtConfig struct {
	Socket     string        `yaml:"socket,omitempty"`
	TimeoutRaw string        `yaml:"timeout,omitempty"`
	Timeout    time.Duration `yaml:"-"`
}

// DevicesConfig holds per-transport plugin settings.
type DevicesConfig struct {
	NVMeTCP  NVMeTCPConfig  `yaml:"nvme_tcp"`
	VhostBlk VhostBlkConfig `yaml:"vhost_blk"`
	NVMeVFIO NVMeVFIOConfig `yaml:"nvme_vfio"`
}

type NVMeTCPConfig struct {
	ReuseSubsystem bool `yaml:"reuse_subsystem"`
}

type VhostBlkConfig struct {
	SocketDir string `yaml:"socket_dir"`
	CPUMask   string `yaml:"cpumask,omitempty"`
}

type NVMeVFIOConfig struct {
	SocketDir     string `yaml:"socket_dir"`
	MaxNamespaces int    `yaml:"max_namespaces"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a normalized configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Load reads the configuration at path. ${VAR} references are replaced with
// the environment variable's value before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses, normalizes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" if unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) parseDurations() error {
	var err error
	if c.Target.TimeoutRaw != "" {
		if c.Target.Timeout, err = time.ParseDuration(c.Target.TimeoutRaw); err != nil {
			return fmt.Errorf("target.timeout %q: %w", c.Target.TimeoutRaw, err)
		}
	}
	if c.Libvirt.TimeoutRaw != "" {
		if c.Libvirt.Timeout, err = time.ParseDuration(c.Libvirt.TimeoutRaw); err != nil {
			return fmt.Errorf("libvirt.timeout %q: %w", c.Libvirt.TimeoutRaw, err)
		}
	}
	return nil
}

// Normalize trims input and fills in defaults.
func (c *Config) Normalize() {
	c.Server.GRPCAddr = strings.TrimSpace(c.Server.GRPCAddr)
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	if c.Target.Socket == "" {
		c.Target.Socket = DefaultTargetSocket
	}
	if c.Target.Timeout == 0 {
		c.Target.Timeout = DefaultTargetTimeout
	}
	if c.Libvirt.Timeout == 0 {
		c.Libvirt.Timeout = DefaultLibvirtTimeout
	}

	c.Agent.BusyPolicy = strings.ToLower(strings.TrimSpace(c.Agent.BusyPolicy))
	if c.Agent.BusyPolicy == "" {
		c.Agent.BusyPolicy = DefaultBusyPolicy
	}
	if c.Agent.CompensationRetries == nil {
		retries := DefaultCompensationRetries
		c.Agent.CompensationRetries = &retries
	}
	if c.Agent.Reconcile == nil {
		reconcile := true
		c.Agent.Reconcile = &reconcile
	}

	if c.Devices.VhostBlk.SocketDir == "" {
		c.Devices.VhostBlk.SocketDir = DefaultVhostSocketDir
	}
	if c.Devices.NVMeVFIO.SocketDir == "" {
		c.Devices.NVMeVFIO.SocketDir = DefaultVFIOSocketDir
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for errors. It expects Normalize to
// have run.
func (c *Config) Validate() error {
	if c.Target.Timeout < 0 {
		return fmt.Errorf("target.timeout must be positive, got %s", c.Target.Timeout)
	}
	if c.Libvirt.Timeout < 0 {
		return fmt.Errorf("libvirt.timeout must be positive, got %s", c.Libvirt.Timeout)
	}

	switch c.Agent.BusyPolicy {
	case "reject", "detach":
	default:
		return fmt.Errorf("agent.busy_policy must be reject or detach, got %q", c.Agent.BusyPolicy)
	}
	if c.Agent.CompensationRetries != nil && *c.Agent.CompensationRetries < 0 {
		return fmt.Errorf("agent.compensation_retries must be >= 0, got %d", *c.Agent.CompensationRetries)
	}

	if c.Devices.NVMeVFIO.MaxNamespaces < 0 {
		return fmt.Errorf("devices.nvme_vfio.max_namespaces must be >= 0, got %d", c.Devices.NVMeVFIO.MaxNamespaces)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Retries returns the configured compensation retry count.
func (a AgentConfig) Retries() int {
	if a.CompensationRetries == nil {
		return DefaultCompensationRetries
	}
	return *a.CompensationRetries
}

// ReconcileEnabled reports whether startup reconciliation runs.
func (a AgentConfig) ReconcileEnabled() bool {
	return a.Reconcile == nil || *a.Reconcile
}
