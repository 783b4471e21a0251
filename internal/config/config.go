// Package config layers vtmuxd's settings: built-in defaults, an
// optional YAML file, environment variables, then cobra flags, each
// overriding the last.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"vtmux/internal/wsrouter"
)

// Config is vtmuxd's fully-resolved runtime configuration.
type Config struct {
	ControlDir       string        `yaml:"controlDir"`
	BindAddr         string        `yaml:"bindAddr"`
	Port             int           `yaml:"port"`
	AuthMode         string        `yaml:"authMode"`
	TokenHash        string        `yaml:"tokenHash"`
	LocalBypassToken string        `yaml:"localBypassToken"`
	ExitedTTL        time.Duration `yaml:"exitedTTL"`
	ExternalIngest   bool          `yaml:"externalIngest"`
}

// Default returns the built-in baseline before any file/env/flag layer
// is applied.
func Default() Config {
	return Config{
		ControlDir:     "/var/lib/vtmuxd/sessions",
		BindAddr:       "0.0.0.0",
		Port:           7681,
		AuthMode:       string(wsrouter.AuthNone),
		ExitedTTL:      24 * time.Hour,
		ExternalIngest: true,
	}
}

// LoadFile merges a YAML config file onto cfg. A missing file is not an
// error — absence just means "use defaults/env/flags".
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// env variable names recognized by ApplyEnv.
const (
	EnvControlDir       = "VTMUX_CONTROL_DIR"
	EnvPort             = "VTMUX_PORT"
	EnvBindAddr         = "VTMUX_BIND_ADDR"
	EnvAuthMode         = "VTMUX_AUTH_MODE"
	EnvLocalBypassToken = "VTMUX_LOCAL_BYPASS_TOKEN"
)

// ApplyEnv overrides cfg with any set environment variables.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv(EnvControlDir); v != "" {
		cfg.ControlDir = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv(EnvBindAddr); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv(EnvAuthMode); v != "" {
		cfg.AuthMode = v
	}
	if v := os.Getenv(EnvLocalBypassToken); v != "" {
		cfg.LocalBypassToken = v
	}
}
