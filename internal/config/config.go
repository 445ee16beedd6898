// Package config loads the custodian's configuration from file, environment,
// and defaults, following the same load/apply-defaults/validate pipeline
// shape the rest of the ambient stack uses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the custodian's static configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (VIRTIO_HA_*), for keys the configuration file
//     sets
//  2. Configuration file (YAML)
//  3. Default values
//
// When no configuration file is found, Load returns the defaults and does
// not read environment variables.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Socket configures the unix-domain control channel the worker daemon
	// connects to.
	Socket SocketConfig `mapstructure:"socket" yaml:"socket"`

	// Recovery configures the sentinel file and PF reset fallback used when
	// the worker daemon disconnects.
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`

	// Monitor configures the vhost-liveness background watcher.
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// SocketConfig configures the unix-domain control socket.
type SocketConfig struct {
	// Path is the filesystem path of the listening unix socket.
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// Mode holds permission bits for the socket file, e.g. 0600. It is
	// loaded and written by init, but the reactor does not apply it: the
	// socket file keeps the mode bind(2) gives it.
	Mode uint32 `mapstructure:"mode" yaml:"mode"`

	// MaxEpollEvents bounds the epoll_wait event buffer size.
	MaxEpollEvents int `mapstructure:"max_epoll_events" validate:"required,gt=0" yaml:"max_epoll_events"`
}

// RecoveryConfig configures disconnect-recovery behavior.
type RecoveryConfig struct {
	// SentinelPath is the file created while a PF reset sweep is in
	// progress, so external tooling can detect the recovery window.
	SentinelPath string `mapstructure:"sentinel_path" validate:"required" yaml:"sentinel_path"`

	// ResetPollInterval is a delay between device_status polls during a PF
	// reset. It is loaded and validated but not passed to the reset path,
	// which polls every 1ms (internal/pcireset).
	ResetPollInterval time.Duration `mapstructure:"reset_poll_interval" validate:"required,gt=0" yaml:"reset_poll_interval"`

	// ResetTimeout is a maximum time to wait for a single PF's reset to
	// complete. It is loaded and validated but not passed to the reset
	// path, which gives each PF 120s (internal/pcireset).
	ResetTimeout time.Duration `mapstructure:"reset_timeout" validate:"required,gt=0" yaml:"reset_timeout"`
}

// MonitorConfig configures the vhost-liveness background watcher.
type MonitorConfig struct {
	// MaxEpollEvents is a bound for the monitor's epoll_wait event buffer.
	// It is loaded and validated but not passed to the monitor, whose event
	// buffer holds a fixed 64 events (internal/monitor).
	MaxEpollEvents int `mapstructure:"max_epoll_events" validate:"required,gt=0" yaml:"max_epoll_events"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with a user-friendly error when the file is
// missing, mirroring the CLI's existing error-message conventions.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path in YAML format, using yaml.Marshal directly
// (rather than viper) so the file respects the struct's yaml tags exactly.
// Used by the CLI's init command to scaffold a starting configuration.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("VIRTIO_HA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "virtio-had")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "virtio-had")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

var validate = validator.New()

// Validate checks a Config's struct tags via go-playground/validator.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}
