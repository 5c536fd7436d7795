// Copyright 2026 The Atlas Runner Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for runnerd.
//
// Configuration is loaded from a single YAML file specified by the
// RUNNERD_CONFIG environment variable or the --config flag. There is
// no automatic discovery: a fleet machine's config is provisioned by
// the operator, and hidden fallbacks make drift invisible.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "72h" or "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	// SocketPath is the Unix control socket the CLI connects to.
	SocketPath string `yaml:"socket_path"`

	// ServerRoot is the directory holding the supervised server:
	// current/, .runner/, the world, and backups.
	ServerRoot string `yaml:"server_root"`

	// Profile names the server profile reported in status output.
	Profile string `yaml:"profile"`

	// Hub configures the remote pack/build API.
	Hub HubConfig `yaml:"hub"`

	// Rcon locates the child server's RCON listener.
	Rcon RconConfig `yaml:"rcon"`

	// Backup configures the daily world archive task.
	Backup BackupConfig `yaml:"backup"`

	// Logs sizes the in-memory log rings.
	Logs LogsConfig `yaml:"logs"`

	// JavaMajorOverride forces a Java major version. Honored only when
	// it is at least the minimum the pack's Minecraft version demands.
	JavaMajorOverride int `yaml:"java_major_override"`

	// RestartDisabled turns off the crash-restart policy.
	RestartDisabled bool `yaml:"restart_disabled"`
}

// HubConfig configures the Hub client.
type HubConfig struct {
	URL string `yaml:"url"`

	// DeployKeyFile points at the JSONC deploy-key credential written
	// by the auth tooling. Read-only to the daemon.
	DeployKeyFile string `yaml:"deploy_key_file"`
}

// RconConfig locates the child server's RCON listener.
type RconConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
}

// BackupConfig configures the daily world archive task.
type BackupConfig struct {
	// WorldDir is the world directory relative to the server root.
	WorldDir string `yaml:"world_dir"`

	// Retention is how long archives are kept before pruning.
	Retention Duration `yaml:"retention"`

	// Compression selects the archive codec: "zstd", "lz4", or "none".
	Compression string `yaml:"compression"`

	// Timezone is the IANA zone whose midnight triggers the daily
	// run. Empty means the host's local zone.
	Timezone string `yaml:"timezone"`
}

// LogsConfig sizes the in-memory log rings.
type LogsConfig struct {
	ServerLines int `yaml:"server_lines"`
	DaemonLines int `yaml:"daemon_lines"`
}

// Default returns the base configuration the config file overrides.
// The file is still required; these exist so every field has a usable
// zero configuration, not as a silent fallback.
func Default() *Config {
	return &Config{
		SocketPath: "/run/runnerd/runnerd.sock",
		ServerRoot: "/srv/minecraft",
		Profile:    "default",
		Hub: HubConfig{
			URL:           "https://hub.atlas-hosting.net",
			DeployKeyFile: "/etc/runnerd/deploy-key.jsonc",
		},
		Rcon: RconConfig{
			Address: "127.0.0.1:25575",
		},
		Backup: BackupConfig{
			WorldDir:    "current/world",
			Retention:   Duration(14 * 24 * time.Hour),
			Compression: "zstd",
		},
		Logs: LogsConfig{
			ServerLines: 2000,
			DaemonLines: 1000,
		},
	}
}

// Load reads the config file at path, layered over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	configuration := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(configuration); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := configuration.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return configuration, nil
}

// LoadFromEnv loads the file named by RUNNERD_CONFIG, or falls back to
// flagPath when the variable is unset. One of the two must be set.
func LoadFromEnv(flagPath string) (*Config, error) {
	path := os.Getenv("RUNNERD_CONFIG")
	if path == "" {
		path = flagPath
	}
	if path == "" {
		return nil, fmt.Errorf("no config file: set RUNNERD_CONFIG or pass --config")
	}
	return Load(path)
}

func (c *Config) validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}
	if c.ServerRoot == "" {
		return fmt.Errorf("server_root must not be empty")
	}
	if !filepath.IsAbs(c.ServerRoot) {
		return fmt.Errorf("server_root must be absolute, got %q", c.ServerRoot)
	}
	switch c.Backup.Compression {
	case "zstd", "lz4", "none":
	default:
		return fmt.Errorf("backup.compression must be zstd, lz4, or none, got %q", c.Backup.Compression)
	}
	if c.Backup.Retention <= 0 {
		return fmt.Errorf("backup.retention must be positive")
	}
	if c.Logs.ServerLines <= 0 || c.Logs.DaemonLines <= 0 {
		return fmt.Errorf("logs ring sizes must be positive")
	}
	return nil
}
