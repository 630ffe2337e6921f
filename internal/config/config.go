// Package config provides TOML configuration file loading and parsing for the host.
// The configuration file lives at ~/.coderelay/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Project is the working directory the CLI runs in.
	// If empty, defaults to the current working directory.
	Project string `toml:"project"`

	// Addr is the host:port for the WebSocket server.
	// Default: 127.0.0.1:7171
	Addr string `toml:"addr"`

	// Store is the path to the SQLite database for devices and session history.
	// Default: ~/.coderelay/coderelay.db
	Store string `toml:"store"`

	// CLICommand is the assistant CLI command to supervise.
	// Default: "claude"
	CLICommand string `toml:"cli_command"`

	// CLIArgs are extra arguments passed to the CLI on every spawn.
	CLIArgs []string `toml:"cli_args"`

	// RequireAuth enables token-based authentication for WebSocket connections.
	// Default: false
	RequireAuth bool `toml:"require_auth"`

	// StallThresholdSeconds is how long the CLI may stay silent while alive
	// before a stall alert is raised. Default: 120.
	StallThresholdSeconds int `toml:"stall_threshold_seconds"`

	// AutoKillStalls kills the CLI after this many consecutive stall checks.
	// 0 disables auto-kill; stall alerts are informational only. Default: 0.
	// Acceptable silence is workload-dependent (a large codebase scan can be
	// quiet for minutes), so this stays configuration rather than policy.
	AutoKillStalls int `toml:"auto_kill_stalls"`

	// DeviceSilenceSeconds is the silence window after which a device is
	// evicted from session active sets. Default: 300.
	DeviceSilenceSeconds int `toml:"device_silence_seconds"`

	// MessageTTLSeconds is how long an undelivered outbound message stays
	// eligible for delivery before the sweep removes it. Default: 3600.
	MessageTTLSeconds int `toml:"message_ttl_seconds"`

	// PushByteLimit is the hard payload ceiling for one push notification.
	// Default: 4096 (common push-transport cap).
	PushByteLimit int `toml:"push_byte_limit"`

	// DedupWindowMillis is the window in which an identical inbound
	// fingerprint is rejected as a duplicate. Default: 5000.
	DedupWindowMillis int `toml:"dedup_window_ms"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement.
	// When true, the host advertises itself on the local network,
	// allowing mobile apps to discover it without manual IP entry.
	// Default: false (disabled - must be explicitly enabled)
	MdnsEnabled bool `toml:"mdns_enabled"`

	// LogFile is the path for log output when running detached.
	// Empty means stderr.
	LogFile string `toml:"log_file"`
}

// StallThreshold returns the stall threshold as a duration,
// falling back to the default when unset.
func (c *Config) StallThreshold() time.Duration {
	if c.StallThresholdSeconds <= 0 {
		return time.Duration(DefaultStallThresholdSeconds) * time.Second
	}
	return time.Duration(c.StallThresholdSeconds) * time.Second
}

// DeviceSilence returns the device eviction window as a duration.
func (c *Config) DeviceSilence() time.Duration {
	if c.DeviceSilenceSeconds <= 0 {
		return time.Duration(DefaultDeviceSilenceSeconds) * time.Second
	}
	return time.Duration(c.DeviceSilenceSeconds) * time.Second
}

// MessageTTL returns the queued-message TTL as a duration.
func (c *Config) MessageTTL() time.Duration {
	if c.MessageTTLSeconds <= 0 {
		return time.Duration(DefaultMessageTTLSeconds) * time.Second
	}
	return time.Duration(c.MessageTTLSeconds) * time.Second
}

// DedupWindow returns the duplicate-detection window as a duration.
func (c *Config) DedupWindow() time.Duration {
	if c.DedupWindowMillis <= 0 {
		return time.Duration(DefaultDedupWindowMillis) * time.Millisecond
	}
	return time.Duration(c.DedupWindowMillis) * time.Millisecond
}

// ByteLimit returns the push payload ceiling, falling back to the default.
func (c *Config) ByteLimit() int {
	if c.PushByteLimit <= 0 {
		return DefaultPushByteLimit
	}
	return c.PushByteLimit
}

// DefaultConfigPath returns the default config file location: ~/.coderelay/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".coderelay", "config.toml"), nil
}

// DefaultStorePath returns the default SQLite database location.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".coderelay", "coderelay.db"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.coderelay/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try default location, but don't error if missing.
		// This allows the host to start without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			// Can't determine home dir, return empty config
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			// Default config doesn't exist, that's fine
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if file doesn't exist.
		// This matches user expectation: if they specify a config file, it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	// Parse the TOML file. Any parse error is fatal since the user expects
	// the config to be applied.
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
