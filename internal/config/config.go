// Package config provides configuration loading, defaults and validation for
// the raspi-doctor daemon.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the reporting API listen address and authentication.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PathsConfig holds filesystem paths used by the daemon.
type PathsConfig struct {
	LogDir      string `yaml:"log_dir"`
	AuthLog     string `yaml:"auth_log"`
	FirewallLog string `yaml:"firewall_log"`
	Sys         string `yaml:"sys"`
}

// CycleConfig controls cadence and execution bounds.
type CycleConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	// HistoryWindow is how many prior readings per category are loaded for
	// window-based rules.
	HistoryWindow int `yaml:"history_window"`
}

// NetworkProbeConfig configures the reachability probe.
type NetworkProbeConfig struct {
	Host        string `yaml:"host"`
	Count       int    `yaml:"count"`
	WaitSeconds int    `yaml:"wait_seconds"`
}

// ProbesConfig selects and parameterises probes.
type ProbesConfig struct {
	// Enabled lists probe names in sampling order.
	Enabled  []string           `yaml:"enabled"`
	Network  NetworkProbeConfig `yaml:"network"`
	Services []string           `yaml:"services"`
	DiskPath string             `yaml:"disk_path"`
	// TailBytes bounds how much of a log file is read on the first sample.
	TailBytes int64 `yaml:"tail_bytes"`
}

// Rule is one threshold rule. Kind selects how the remaining fields apply:
//
//   - metric:     Metric [/ Per] Op Limit on the current reading
//   - window:     Aggregate(Metric) over the last Window samples Op Limit
//   - top_source: busiest tally key of Probe over Window samples, count Op Limit
//   - unit_state: one condition per Probe field under FieldPrefix whose state
//     is not in HealthyStates
type Rule struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	Probe         string   `yaml:"probe,omitempty"`
	Metric        string   `yaml:"metric,omitempty"`
	Per           string   `yaml:"per,omitempty"`
	Op            string   `yaml:"op,omitempty"`
	Limit         float64  `yaml:"limit,omitempty"`
	Window        int      `yaml:"window,omitempty"`
	Aggregate     string   `yaml:"aggregate,omitempty"`
	FieldPrefix   string   `yaml:"field_prefix,omitempty"`
	HealthyStates []string `yaml:"healthy_states,omitempty"`
	Action        string   `yaml:"action,omitempty"`
}

// ActionConfig is one entry of the corrective action table. "{subject}" in
// Command and Diagnostics is replaced with the triggering condition's
// subject. Diagnostics run before Command and their output is kept with the
// action record.
type ActionConfig struct {
	Name        string        `yaml:"name"`
	Command     []string      `yaml:"command"`
	Diagnostics [][]string    `yaml:"diagnostics,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Destructive bool          `yaml:"destructive,omitempty"`
	Cooldown    time.Duration `yaml:"cooldown,omitempty"`
	Disabled    bool          `yaml:"disabled,omitempty"`
}

// UnitOverride replaces the action of a unit_state rule for units matching
// the glob Unit, for units that should be stopped or masked rather than
// restarted.
type UnitOverride struct {
	Unit   string `yaml:"unit"`
	Action string `yaml:"action"`
	Reason string `yaml:"reason,omitempty"`
}

// ResourceFilter holds allowlist and denylist glob patterns.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig restricts which subjects remediation may touch.
type SafetyConfig struct {
	Units ResourceFilter `yaml:"units"`
	IPs   ResourceFilter `yaml:"ips"`
}

// KnowledgeConfig controls the long-term SQLite store.
type KnowledgeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// NotifyConfig controls NATS publishing of cycle results.
type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// AuditConfig controls the MCP tool audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// Config is the top-level configuration structure. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Logging    LoggingConfig   `yaml:"logging"`
	Paths      PathsConfig     `yaml:"paths"`
	Cycle      CycleConfig     `yaml:"cycle"`
	Probes     ProbesConfig    `yaml:"probes"`
	Thresholds []Rule          `yaml:"thresholds"`
	Actions    []ActionConfig  `yaml:"actions"`
	Overrides  []UnitOverride  `yaml:"unit_overrides"`
	Safety     SafetyConfig    `yaml:"safety"`
	Knowledge  KnowledgeConfig `yaml:"knowledge"`
	Notify     NotifyConfig    `yaml:"notify"`
	Audit      AuditConfig     `yaml:"audit"`
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig, so a
// file only needs to set what it changes. Lists (thresholds, actions,
// enabled probes) replace the defaults wholesale when present.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Action returns the action table entry with the given name.
func (c *Config) Action(name string) (ActionConfig, bool) {
	for _, a := range c.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return ActionConfig{}, false
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - RASPI_DOCTOR_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - RASPI_DOCTOR_LOG_DIR overrides cfg.Paths.LogDir
//   - RASPI_DOCTOR_NATS_URL overrides cfg.Notify.NATSURL
//   - RASPI_DOCTOR_LOG_LEVEL overrides cfg.Logging.Level
func ApplyEnvOverrides(cfg *Config) {
	if token := os.Getenv("RASPI_DOCTOR_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if dir := os.Getenv("RASPI_DOCTOR_LOG_DIR"); dir != "" {
		cfg.Paths.LogDir = dir
	}
	if url := os.Getenv("RASPI_DOCTOR_NATS_URL"); url != "" {
		cfg.Notify.NATSURL = url
	}
	if level := os.Getenv("RASPI_DOCTOR_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
