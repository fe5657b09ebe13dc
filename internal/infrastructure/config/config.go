package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/capability"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/lock"
	"github.com/GriffinCanCode/AgentOS/capcore/internal/kernel/msgbuf"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "CAPCORE_CONFIG"

// Config holds all process configuration.
type Config struct {
	Logging    LogConfig        `yaml:"logging"`
	CapID      CapIDConfig      `yaml:"capid"`
	Entrypoint EntrypointConfig `yaml:"entrypoint"`
	Lock       LockConfig       `yaml:"lock"`
	Pager      PagerConfig      `yaml:"pager"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Admin      AdminConfig      `yaml:"admin"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"CAPCORE_LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"CAPCORE_LOG_DEV" yaml:"development"`
}

// CapIDConfig sizes the capability-id range.
type CapIDConfig struct {
	BadgeBits uint `envconfig:"CAPCORE_BADGE_BITS" yaml:"badge_bits"`
	FlagBits  uint `envconfig:"CAPCORE_FLAG_BITS" yaml:"flag_bits"`
}

// EntrypointConfig holds RPC entrypoint configuration.
type EntrypointConfig struct {
	QueueDepth int    `envconfig:"CAPCORE_EP_QUEUE_DEPTH" yaml:"queue_depth"`
	MsgBufSize int    `envconfig:"CAPCORE_MSGBUF_SIZE" yaml:"msgbuf_size"`
	Layout     string `envconfig:"CAPCORE_MSGBUF_LAYOUT" yaml:"layout"`
}

// LockConfig holds kernel lock configuration.
type LockConfig struct {
	Reentry string `envconfig:"CAPCORE_LOCK_REENTRY" yaml:"reentry"`
	CPUs    int    `envconfig:"CAPCORE_CPUS" yaml:"cpus"`
}

// PagerConfig holds pager configuration.
type PagerConfig struct {
	PageSize   uint64 `envconfig:"CAPCORE_PAGE_SIZE" yaml:"page_size"`
	QueueDepth int    `envconfig:"CAPCORE_PAGER_QUEUE_DEPTH" yaml:"queue_depth"`
}

// SupervisorConfig holds the restart budget of protection domains.
type SupervisorConfig struct {
	MaxRestarts uint32        `envconfig:"CAPCORE_MAX_RESTARTS" yaml:"max_restarts"`
	Interval    time.Duration `envconfig:"CAPCORE_RESTART_INTERVAL" yaml:"interval"`
	Cooldown    time.Duration `envconfig:"CAPCORE_RESTART_COOLDOWN" yaml:"cooldown"`
	MaxRecords  int           `envconfig:"CAPCORE_FAULT_RECORDS" yaml:"max_records"`
}

// AdminConfig holds admin HTTP server configuration.
type AdminConfig struct {
	Host    string `envconfig:"CAPCORE_ADMIN_HOST" yaml:"host"`
	Port    string `envconfig:"CAPCORE_ADMIN_PORT" yaml:"port"`
	Enabled bool   `envconfig:"CAPCORE_ADMIN_ENABLED" yaml:"enabled"`
	// RequestsPerSecond throttles the admin API; zero disables the limit.
	RequestsPerSecond int `envconfig:"CAPCORE_ADMIN_RPS" yaml:"requests_per_second"`
	Burst             int `envconfig:"CAPCORE_ADMIN_BURST" yaml:"burst"`
	// AllowOrigins enables CORS for dashboards; empty disables it.
	AllowOrigins []string `envconfig:"CAPCORE_ADMIN_CORS_ORIGINS" yaml:"allow_origins"`
}

// Load reads the file named by CAPCORE_CONFIG, if any, then applies
// environment variables and validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit file path; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	// only variables that are set override, so the file survives
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile decodes a YAML or TOML file over cfg. TOML is converted to
// YAML first so both formats share keys and duration syntax.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("failed to convert config file %s: %w", path, err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadOrDefault loads configuration or returns the defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		CapID: CapIDConfig{
			BadgeBits: capability.DefaultLayout.BadgeBits,
			FlagBits:  capability.DefaultLayout.FlagBits,
		},
		Entrypoint: EntrypointConfig{
			QueueDepth: 64,
			MsgBufSize: 1024,
			Layout:     msgbuf.Plain.Name,
		},
		Lock: LockConfig{
			Reentry: lock.ReentryFault.String(),
			CPUs:    4,
		},
		Pager: PagerConfig{
			PageSize:   4096,
			QueueDepth: 64,
		},
		Supervisor: SupervisorConfig{
			MaxRestarts: 3,
			Interval:    time.Minute,
			Cooldown:    5 * time.Minute,
			MaxRecords:  256,
		},
		Admin: AdminConfig{
			Host:    "127.0.0.1",
			Port:    "9090",
			Enabled: true,

			RequestsPerSecond: 50,
			Burst:             100,
			AllowOrigins:      []string{"*"},
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.CapID.Layout().Validate(); err != nil {
		return fmt.Errorf("capid: %w", err)
	}
	layout, err := c.Entrypoint.BufferLayout()
	if err != nil {
		return fmt.Errorf("entrypoint: %w", err)
	}
	if c.Entrypoint.MsgBufSize <= layout.HeaderSize {
		return fmt.Errorf("entrypoint: message buffer of %d bytes leaves no payload", c.Entrypoint.MsgBufSize)
	}
	if c.Entrypoint.QueueDepth < 1 || c.Pager.QueueDepth < 1 {
		return fmt.Errorf("queue depths must be positive")
	}
	if _, err := c.Lock.Policy(); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if c.Lock.CPUs < 1 {
		return fmt.Errorf("lock: need at least one cpu, got %d", c.Lock.CPUs)
	}
	if ps := c.Pager.PageSize; ps == 0 || ps&(ps-1) != 0 {
		return fmt.Errorf("pager: page size %d is not a power of two", ps)
	}
	if c.Admin.Enabled {
		if _, err := strconv.ParseUint(c.Admin.Port, 10, 16); err != nil {
			return fmt.Errorf("admin: invalid port %q", c.Admin.Port)
		}
		if c.Admin.RequestsPerSecond < 0 || (c.Admin.RequestsPerSecond > 0 && c.Admin.Burst < 1) {
			return fmt.Errorf("admin: invalid rate limit %d/s burst %d", c.Admin.RequestsPerSecond, c.Admin.Burst)
		}
	}
	return nil
}

// Layout returns the badge layout.
func (c CapIDConfig) Layout() capability.Layout {
	return capability.Layout{BadgeBits: c.BadgeBits, FlagBits: c.FlagBits}
}

// BufferLayout resolves the configured message buffer layout.
func (c EntrypointConfig) BufferLayout() (msgbuf.Layout, error) {
	return msgbuf.LayoutByName(c.Layout)
}

// Policy resolves the configured re-entry policy.
func (c LockConfig) Policy() (lock.ReentryPolicy, error) {
	return lock.ParseReentryPolicy(c.Reentry)
}

// Addr returns the admin listen address.
func (c AdminConfig) Addr() string {
	return c.Host + ":" + c.Port
}
