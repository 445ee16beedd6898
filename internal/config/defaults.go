package config

import "time"

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced with defaults; explicit values are
// preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applySocketDefaults(&cfg.Socket)
	applyRecoveryDefaults(&cfg.Recovery)
	applyMonitorDefaults(&cfg.Monitor)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applySocketDefaults(cfg *SocketConfig) {
	if cfg.Path == "" {
		cfg.Path = "/var/run/virtio_ha_sock"
	}
	if cfg.Mode == 0 {
		cfg.Mode = 0600
	}
	if cfg.MaxEpollEvents == 0 {
		cfg.MaxEpollEvents = 8
	}
}

func applyRecoveryDefaults(cfg *RecoveryConfig) {
	if cfg.SentinelPath == "" {
		cfg.SentinelPath = "/tmp/pf_resetting"
	}
	if cfg.ResetPollInterval == 0 {
		cfg.ResetPollInterval = time.Millisecond
	}
	if cfg.ResetTimeout == 0 {
		cfg.ResetTimeout = 120 * time.Second
	}
}

func applyMonitorDefaults(cfg *MonitorConfig) {
	if cfg.MaxEpollEvents == 0 {
		cfg.MaxEpollEvents = 64
	}
}

// GetDefaultConfig returns a Config with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
