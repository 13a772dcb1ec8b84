// Package config loads the control plane's small, enumerated set of
// startup options from the environment, following the "no global
// mutable configuration after startup" rule: Config is built once in
// main and passed into every constructor from there.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the complete set of environment-driven options the process
// reads at startup.
type Config struct {
	DataPath          string `env:"DATA_PATH" envDefault:"./data/agentswarm.db"`
	AuthToken         string `env:"AUTH_TOKEN"`
	BindHost          string `env:"BIND_HOST" envDefault:"127.0.0.1"`
	BindPort          int    `env:"BIND_PORT" envDefault:"7700"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON           bool   `env:"LOG_JSON" envDefault:"true"`
	MaxAgents         int    `env:"MAX_AGENTS" envDefault:"10"`
	ScaleIntervalMs   int    `env:"SCALE_INTERVAL_MS" envDefault:"30000"`
	MetricsIntervalMs int    `env:"METRICS_INTERVAL_MS" envDefault:"30000"`
	MaxConnections    int    `env:"MAX_CONNECTIONS" envDefault:"100"`
}

// envPrefix is prepended to every variable name this process reads.
const envPrefix = "AGENTSWARM_"

// Load reads Config from the environment and validates it. Unknown
// AGENTSWARM_-prefixed keys are not treated as an error; WarnUnknown
// returns them so the caller can log a warning.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("bind_port out of range: %d", c.BindPort)
	}
	if c.MaxAgents <= 0 {
		return fmt.Errorf("max_agents must be positive")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}

// WarnUnknown scans the process environment for AGENTSWARM_-prefixed
// keys this Config does not declare and returns them for the caller to
// log a warning about, per "unknown keys are ignored with a warning".
func WarnUnknown(declared []string) []string {
	known := make(map[string]bool, len(declared))
	for _, k := range declared {
		known[envPrefix+k] = true
	}

	var unknown []string
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	return unknown
}

// DeclaredKeys lists the env suffixes (without prefix) this Config
// reads, for use with WarnUnknown.
func DeclaredKeys() []string {
	return []string{
		"DATA_PATH", "AUTH_TOKEN", "BIND_HOST", "BIND_PORT", "LOG_LEVEL",
		"LOG_JSON", "MAX_AGENTS", "SCALE_INTERVAL_MS", "METRICS_INTERVAL_MS",
		"MAX_CONNECTIONS",
	}
}
