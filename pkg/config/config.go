// Package config provides YAML-based configuration loading for jobmux.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root client configuration.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`

	// Workflow is the id discovered on the coordinator.
	Workflow string `mapstructure:"workflow" yaml:"workflow"`

	// RefreshInterval is the number of submitted jobs between discoveries.
	RefreshInterval int `mapstructure:"refresh_interval" yaml:"refresh_interval"`

	// Compression of job payloads: none, gzip, snappy or lzma2.
	Compression string `mapstructure:"compression" yaml:"compression"`

	// Codec serializes job objects: pickle, json, cbor or proto.
	Codec string `mapstructure:"codec" yaml:"codec"`

	// LocalHost overrides the host name endpoints are measured from.
	LocalHost string `mapstructure:"local_host" yaml:"local_host"`

	// MaxPayloadMB caps a decompressed result payload.
	MaxPayloadMB int `mapstructure:"max_payload_mb" yaml:"max_payload_mb"`

	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// CoordinatorConfig locates the coordinator answering node queries.
type CoordinatorConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// TransportConfig selects the channel backend and dial tuning.
type TransportConfig struct {
	// Backend: zmq or native
	Backend              string `mapstructure:"backend" yaml:"backend"`
	DialTimeoutMS        int    `mapstructure:"dial_timeout_ms" yaml:"dial_timeout_ms"`
	DialRetries          int    `mapstructure:"dial_retries" yaml:"dial_retries"`
	DialBackoffInitialMS int    `mapstructure:"dial_backoff_initial_ms" yaml:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int    `mapstructure:"dial_backoff_max_ms" yaml:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int    `mapstructure:"dial_backoff_jitter_ms" yaml:"dial_backoff_jitter_ms"`
}

// DiscoveryConfig selects where topologies come from.
type DiscoveryConfig struct {
	// Source: coordinator or etcd
	Source    string     `mapstructure:"source" yaml:"source"`
	TimeoutMS int        `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	Etcd      EtcdConfig `mapstructure:"etcd" yaml:"etcd"`
}

// EtcdConfig points an etcd-backed discovery source at its cluster.
type EtcdConfig struct {
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"`
	Prefix    string   `mapstructure:"prefix" yaml:"prefix"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

const (
	SourceCoordinator = "coordinator"
	SourceEtcd        = "etcd"
)

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Coordinator:     CoordinatorConfig{Host: "localhost", Port: 5050},
		RefreshInterval: 100,
		Compression:     "snappy",
		Codec:           "pickle",
		MaxPayloadMB:    1024,
		Transport: TransportConfig{
			Backend:              "zmq",
			DialTimeoutMS:        5000,
			DialRetries:          0,
			DialBackoffInitialMS: 500,
			DialBackoffMaxMS:     30000,
			DialBackoffJitterMS:  100,
		},
		Discovery: DiscoveryConfig{
			Source:    SourceCoordinator,
			TimeoutMS: 10000,
			Etcd: EtcdConfig{
				Endpoints: []string{"localhost:2379"},
				Prefix:    "/jobmux/workflows",
			},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/jobmux.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix JOBMUX and `.`/`-` are replaced with `_`.
// Example: JOBMUX_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("JOBMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("coordinator.host", cfg.Coordinator.Host)
	v.SetDefault("coordinator.port", cfg.Coordinator.Port)
	v.SetDefault("workflow", cfg.Workflow)
	v.SetDefault("refresh_interval", cfg.RefreshInterval)
	v.SetDefault("compression", cfg.Compression)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("local_host", cfg.LocalHost)
	v.SetDefault("max_payload_mb", cfg.MaxPayloadMB)
	v.SetDefault("transport.backend", cfg.Transport.Backend)
	v.SetDefault("transport.dial_timeout_ms", cfg.Transport.DialTimeoutMS)
	v.SetDefault("transport.dial_retries", cfg.Transport.DialRetries)
	v.SetDefault("transport.dial_backoff_initial_ms", cfg.Transport.DialBackoffInitialMS)
	v.SetDefault("transport.dial_backoff_max_ms", cfg.Transport.DialBackoffMaxMS)
	v.SetDefault("transport.dial_backoff_jitter_ms", cfg.Transport.DialBackoffJitterMS)
	v.SetDefault("discovery.source", cfg.Discovery.Source)
	v.SetDefault("discovery.timeout_ms", cfg.Discovery.TimeoutMS)
	v.SetDefault("discovery.etcd.endpoints", cfg.Discovery.Etcd.Endpoints)
	v.SetDefault("discovery.etcd.prefix", cfg.Discovery.Etcd.Prefix)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("JOBMUX_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("jobmux")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".jobmux"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.RefreshInterval < 1 {
		return fmt.Errorf("invalid refresh_interval: %d", c.RefreshInterval)
	}
	if c.MaxPayloadMB < 1 {
		return fmt.Errorf("invalid max_payload_mb: %d", c.MaxPayloadMB)
	}
	c.Compression = strings.ToLower(strings.TrimSpace(c.Compression))
	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	c.Transport.Backend = strings.ToLower(strings.TrimSpace(c.Transport.Backend))

	c.Discovery.Source = strings.ToLower(strings.TrimSpace(c.Discovery.Source))
	switch c.Discovery.Source {
	case "":
		c.Discovery.Source = SourceCoordinator
	case SourceCoordinator, SourceEtcd:
	default:
		return fmt.Errorf("invalid discovery.source: %q", c.Discovery.Source)
	}
	if c.Discovery.Source == SourceCoordinator && (c.Coordinator.Port <= 0 || c.Coordinator.Port > 65535) {
		return fmt.Errorf("invalid coordinator.port: %d", c.Coordinator.Port)
	}
	return nil
}

// CoordinatorAddr joins the coordinator host and port.
func (c *Config) CoordinatorAddr() string {
	return net.JoinHostPort(c.Coordinator.Host, strconv.Itoa(c.Coordinator.Port))
}

// DiscoveryTimeout is discovery.timeout_ms as a duration.
func (c *Config) DiscoveryTimeout() time.Duration { return ms(c.Discovery.TimeoutMS) }

// MaxPayload is max_payload_mb in bytes.
func (c *Config) MaxPayload() int64 { return int64(c.MaxPayloadMB) << 20 }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Dial durations in the units the dialer takes.
func (t TransportConfig) DialTimeout() time.Duration    { return ms(t.DialTimeoutMS) }
func (t TransportConfig) BackoffInitial() time.Duration { return ms(t.DialBackoffInitialMS) }
func (t TransportConfig) BackoffMax() time.Duration     { return ms(t.DialBackoffMaxMS) }
func (t TransportConfig) BackoffJitter() time.Duration  { return ms(t.DialBackoffJitterMS) }

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
