// Package config loads the TOML configuration file describing managed
// servers and the reliability policies applied to calls against them.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mcpherd/internal/logger"
	"github.com/loykin/mcpherd/internal/process"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	// Listen is the ops API address, e.g. ":8060". Empty disables it.
	Listen      string         `toml:"listen" mapstructure:"listen"`
	Log         *logger.Config `toml:"log" mapstructure:"log"`
	Reliability Reliability    `toml:"reliability" mapstructure:"reliability"`
	History     HistoryConfig  `toml:"history" mapstructure:"history"`
	Servers     []ServerConfig `toml:"servers" mapstructure:"servers"`
}

// Reliability holds the retry, breaker, rate limiting, and timeout
// settings shared by every call.
type Reliability struct {
	MaxAttempts  int           `toml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay    time.Duration `toml:"base_delay" mapstructure:"base_delay"`
	MaxDelay     time.Duration `toml:"max_delay" mapstructure:"max_delay"`
	JitterFactor float64       `toml:"jitter_factor" mapstructure:"jitter_factor"`

	FailureThreshold int           `toml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `toml:"recovery_timeout" mapstructure:"recovery_timeout"`

	RateLimitInterval time.Duration `toml:"rate_limit_interval" mapstructure:"rate_limit_interval"`
	MaxPerWindow      int           `toml:"max_per_window" mapstructure:"max_per_window"`

	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	ConnectTimeout time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
}

// HistoryConfig lists the sinks lifecycle events are exported to.
type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// ServerConfig describes one managed MCP server.
type ServerConfig struct {
	Name               string            `toml:"name" mapstructure:"name"`
	Command            []string          `toml:"command" mapstructure:"command"`
	Env                map[string]string `toml:"env" mapstructure:"env"`
	WorkDir            string            `toml:"workdir" mapstructure:"workdir"`
	AutoRestart        bool              `toml:"auto_restart" mapstructure:"auto_restart"`
	MaxRestartAttempts int               `toml:"max_restart_attempts" mapstructure:"max_restart_attempts"`
	RestartDelay       time.Duration     `toml:"restart_delay" mapstructure:"restart_delay"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks server definitions and reliability bounds.
func (c *FileConfig) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Servers {
		spec := c.Servers[i].Spec(c.Log)
		if err := spec.Validate(); err != nil {
			return err
		}
		if seen[spec.Name] {
			return fmt.Errorf("duplicate server name %s", spec.Name)
		}
		seen[spec.Name] = true
	}
	r := c.Reliability
	if r.JitterFactor < 0 || r.JitterFactor > 1 {
		return fmt.Errorf("jitter_factor must be within [0, 1], got %v", r.JitterFactor)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0")
	}
	return nil
}

// Spec converts one server definition to a process spec, applying the
// global log settings when set.
func (s *ServerConfig) Spec(log *logger.Config) process.Spec {
	spec := process.Spec{
		Name:               s.Name,
		Command:            s.Command,
		Env:                s.Env,
		WorkDir:            s.WorkDir,
		AutoRestart:        s.AutoRestart,
		MaxRestartAttempts: s.MaxRestartAttempts,
		RestartDelay:       s.RestartDelay,
	}
	if log != nil {
		spec.Log = *log
	}
	return spec
}

// Specs converts every server definition.
func (c *FileConfig) Specs() []process.Spec {
	out := make([]process.Spec, 0, len(c.Servers))
	for i := range c.Servers {
		out = append(out, c.Servers[i].Spec(c.Log))
	}
	return out
}
