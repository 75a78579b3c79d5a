package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ConfigError lists every problem found in a configuration. The daemon
// refuses to run a cycle while any are present.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Operators accepted in rules.
var Operators = []string{">", ">=", "<", "<=", "==", "!="}

var aggregates = []string{"sum", "avg", "max"}

// Validate checks cfg for completeness. It returns a *ConfigError
// describing every problem, or nil.
func (c *Config) Validate() error {
	errs := &ConfigError{}

	if c.Paths.LogDir == "" {
		errs.add("paths.log_dir is required")
	}
	if c.Cycle.Interval <= 0 {
		errs.add("cycle.interval must be positive")
	}
	if c.Cycle.ProbeTimeout <= 0 {
		errs.add("cycle.probe_timeout must be positive")
	}
	if c.Cycle.ActionTimeout <= 0 {
		errs.add("cycle.action_timeout must be positive")
	}
	if c.Cycle.HistoryWindow < 1 {
		errs.add("cycle.history_window must be at least 1")
	}
	if c.Knowledge.Enabled && c.Knowledge.DBPath == "" {
		errs.add("knowledge.db_path is required when knowledge is enabled")
	}
	if c.Audit.Enabled && c.Audit.LogPath == "" {
		errs.add("audit.log_path is required when audit is enabled")
	}

	c.validateProbes(errs)
	actions := c.validateActions(errs)
	c.validateRules(errs, actions)
	c.validateOverrides(errs, actions)

	if len(errs.Problems) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateProbes(errs *ConfigError) {
	if len(c.Probes.Enabled) == 0 {
		errs.add("probes.enabled must list at least one probe")
	}
	seen := make(map[string]bool)
	for _, name := range c.Probes.Enabled {
		if !slices.Contains(ProbeNames, name) {
			errs.add("probes.enabled: unknown probe %q", name)
		}
		if seen[name] {
			errs.add("probes.enabled: duplicate probe %q", name)
		}
		seen[name] = true
	}
	if c.probeEnabled(ProbePing) && c.Probes.Network.Host == "" {
		errs.add("probes.network.host is required for the ping probe")
	}
	if c.probeEnabled(ProbeServices) && len(c.Probes.Services) == 0 {
		errs.add("probes.services must list at least one unit for the services probe")
	}
}

func (c *Config) probeEnabled(name string) bool {
	return slices.Contains(c.Probes.Enabled, name)
}

func (c *Config) validateActions(errs *ConfigError) map[string]bool {
	names := make(map[string]bool, len(c.Actions))
	for i, a := range c.Actions {
		if a.Name == "" {
			errs.add("actions[%d]: name is required", i)
			continue
		}
		if names[a.Name] {
			errs.add("actions: duplicate action %q", a.Name)
		}
		names[a.Name] = true
		if len(a.Command) == 0 || a.Command[0] == "" {
			errs.add("actions %q: command is required", a.Name)
		}
		if a.Timeout < 0 {
			errs.add("actions %q: timeout must not be negative", a.Name)
		}
		if a.Cooldown < 0 {
			errs.add("actions %q: cooldown must not be negative", a.Name)
		}
		for j, d := range a.Diagnostics {
			if len(d) == 0 || d[0] == "" {
				errs.add("actions %q: diagnostics[%d] command is required", a.Name, j)
			}
		}
	}
	return names
}

func (c *Config) validateOverrides(errs *ConfigError, actions map[string]bool) {
	for i, o := range c.Overrides {
		if o.Unit == "" {
			errs.add("unit_overrides[%d]: unit is required", i)
		} else if _, err := filepath.Match(o.Unit, ""); err != nil {
			errs.add("unit_overrides %q: bad pattern: %v", o.Unit, err)
		}
		if !actions[o.Action] {
			errs.add("unit_overrides[%d]: action %q is not defined", i, o.Action)
		}
	}
}

func (c *Config) validateRules(errs *ConfigError, actions map[string]bool) {
	names := make(map[string]bool, len(c.Thresholds))
	for i, r := range c.Thresholds {
		label := r.Name
		if label == "" {
			errs.add("thresholds[%d]: name is required", i)
			label = fmt.Sprintf("#%d", i)
		} else if names[r.Name] {
			errs.add("thresholds: duplicate rule %q", r.Name)
		}
		names[r.Name] = true

		switch r.Kind {
		case KindMetric:
			if r.Metric == "" {
				errs.add("threshold %s: metric is required", label)
			}
			checkOp(errs, label, r.Op)
		case KindWindow:
			if r.Metric == "" {
				errs.add("threshold %s: metric is required", label)
			}
			if !slices.Contains(aggregates, r.Aggregate) {
				errs.add("threshold %s: aggregate must be one of %v", label, aggregates)
			}
			checkWindow(errs, label, r.Window, c.Cycle.HistoryWindow)
			checkOp(errs, label, r.Op)
		case KindTopSource:
			checkProbeRef(errs, label, r.Probe)
			checkWindow(errs, label, r.Window, c.Cycle.HistoryWindow)
			checkOp(errs, label, r.Op)
		case KindUnitState:
			checkProbeRef(errs, label, r.Probe)
			if r.FieldPrefix == "" {
				errs.add("threshold %s: field_prefix is required", label)
			}
		default:
			errs.add("threshold %s: unknown kind %q", label, r.Kind)
		}

		if r.Action != "" && !actions[r.Action] {
			errs.add("threshold %s: action %q is not defined", label, r.Action)
		}
	}
}

func checkOp(errs *ConfigError, label, op string) {
	if !slices.Contains(Operators, op) {
		errs.add("threshold %s: unknown operator %q", label, op)
	}
}

func checkWindow(errs *ConfigError, label string, window, history int) {
	if window < 1 {
		errs.add("threshold %s: window must be at least 1", label)
	}
	// The current reading plus history_window prior readings are available.
	if history >= 1 && window > history+1 {
		errs.add("threshold %s: window %d exceeds cycle.history_window+1 (%d)", label, window, history+1)
	}
}

func checkProbeRef(errs *ConfigError, label, probe string) {
	if probe == "" {
		errs.add("threshold %s: probe is required", label)
		return
	}
	if !slices.Contains(ProbeNames, probe) {
		errs.add("threshold %s: unknown probe %q", label, probe)
	}
}
