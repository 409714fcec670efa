package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTempDir        = "/tmp"
	DefaultConnectTimeout = 10 * time.Second
	DefaultSSHPort        = 22
)

// Config holds run-wide settings. NewState fills in defaults once; after
// that the config is treated as read-only for the rest of the run.
type Config struct {
	// Parallel bounds how many hosts are worked on at once. Zero means one
	// slot per inventory host.
	Parallel int    `yaml:"parallel"`
	TempDir  string `yaml:"temp_dir"`

	// Defaults applied to operations that do not set their own.
	Sudo         bool   `yaml:"sudo"`
	SudoUser     string `yaml:"sudo_user"`
	IgnoreErrors bool   `yaml:"ignore_errors"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// FailPercent is the share of failed hosts a run tolerates before it is
	// reported as failed. Negative disables the check.
	FailPercent int `yaml:"fail_percent"`

	SSH struct {
		User       string `yaml:"user"`
		Port       int    `yaml:"port"`
		KeyPath    string `yaml:"key_path"`
		KnownHosts string `yaml:"known_hosts"`
		Retries    int    `yaml:"retries"`

		// AcceptNewHostKeys records keys of hosts missing from known_hosts
		// instead of refusing them.
		AcceptNewHostKeys bool `yaml:"accept_new_host_keys"`
	} `yaml:"ssh"`

	state *State
}

// DefaultConfig returns a config with every optional field filled.
func DefaultConfig() *Config {
	cfg := &Config{
		TempDir:        DefaultTempDir,
		ConnectTimeout: DefaultConnectTimeout,
	}
	cfg.SSH.Port = DefaultSSHPort
	return cfg
}

// State returns the run this config is attached to, or nil before NewState.
func (c *Config) State() *State { return c.state }

// resolve validates the config against the inventory size and fills the
// concurrency bound.
func (c *Config) resolve(hosts int) error {
	if c.Parallel < 0 {
		return &ConfigError{Field: "parallel", Value: strconv.Itoa(c.Parallel), Message: "must be zero or positive"}
	}
	if c.Parallel == 0 {
		c.Parallel = hosts
	}
	if c.TempDir == "" {
		c.TempDir = DefaultTempDir
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = DefaultSSHPort
	}
	return nil
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/fleetrun/config.yaml or ~/.config/fleetrun/config.yaml and
// falls back to defaults when that file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("open config: %w", err)
	}

	env, _ := LoadEnvFile("")
	for _, k := range []string{"FLEETRUN_PARALLEL", "FLEETRUN_TEMP_DIR", "FLEETRUN_SUDO_USER", "FLEETRUN_SSH_KEY"} {
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(env map[string]string) error {
	if v, ok := env["FLEETRUN_PARALLEL"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "FLEETRUN_PARALLEL", Value: v, Message: "not an integer"}
		}
		c.Parallel = n
	}
	if v := env["FLEETRUN_TEMP_DIR"]; v != "" {
		c.TempDir = v
	}
	if v := env["FLEETRUN_SUDO_USER"]; v != "" {
		c.SudoUser = v
	}
	if v := env["FLEETRUN_SSH_KEY"]; v != "" {
		c.SSH.KeyPath = v
	}
	return nil
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetrun")
}
