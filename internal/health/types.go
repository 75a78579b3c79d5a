// Package health defines the records that flow through a monitoring cycle:
// readings produced by probes, conditions derived from them, and the
// corrective actions taken in response.
package health

import (
	"fmt"
	"strings"
	"time"
)

// Category groups readings into the per-category append-only logs.
type Category string

const (
	CategoryNetwork  Category = "network"
	CategorySecurity Category = "security"
	CategoryHardware Category = "hardware"
	CategoryService  Category = "service"
)

// Categories lists every category in log order.
var Categories = []Category{CategoryNetwork, CategorySecurity, CategoryHardware, CategoryService}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts s into a Category, rejecting unknown names.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Tally is a per-key occurrence count, such as failed logins per source IP.
// Tallies in a Reading are ordered by the key's first appearance in the
// probe's source window.
type Tally struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Observation is what a probe extracts from its data source on success.
type Observation struct {
	Metrics map[string]float64
	Fields  map[string]string
	Tallies []Tally
}

// Reading is one timestamped, normalized probe result. A Reading is never
// mutated once recorded.
type Reading struct {
	CycleID   string             `json:"cycle_id"`
	Probe     string             `json:"probe"`
	Category  Category           `json:"category"`
	Timestamp time.Time          `json:"timestamp"`
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Fields    map[string]string  `json:"fields,omitempty"`
	Tallies   []Tally            `json:"tallies,omitempty"`
}

// Metric returns the named metric. Failed readings never report a value.
func (r Reading) Metric(name string) (float64, bool) {
	if !r.Success {
		return 0, false
	}
	v, ok := r.Metrics[name]
	return v, ok
}

// Condition is a named predicate that fired against the current readings.
type Condition struct {
	Name    string  `json:"name"`
	Subject string  `json:"subject,omitempty"`
	Value   float64 `json:"value"`
	Limit   float64 `json:"limit"`
	Detail  string  `json:"detail"`
}

// ID identifies the condition within a cycle: the rule name, qualified by
// its subject when there is one (e.g. "service_down(ssh)").
func (c Condition) ID() string {
	return UnitID(c.Name, c.Subject)
}

// UnitID builds the identifier of a monitored unit from a rule name and an
// optional subject.
func UnitID(name, subject string) string {
	if subject == "" {
		return name
	}
	return name + "(" + subject + ")"
}

// SplitUnitID is the inverse of UnitID.
func SplitUnitID(id string) (name, subject string) {
	i := strings.IndexByte(id, '(')
	if i < 0 || !strings.HasSuffix(id, ")") {
		return id, ""
	}
	return id[:i], id[i+1 : len(id)-1]
}

// Outcome is the recorded result of a corrective action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Action is an audit record of one corrective command. Every Action has
// exactly one triggering condition and exactly one outcome.
type Action struct {
	CycleID     string        `json:"cycle_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Condition   string        `json:"condition"`
	ConditionID string        `json:"condition_id"`
	Subject     string        `json:"subject,omitempty"`
	Name        string        `json:"action"`
	Command     []string      `json:"command"`
	Destructive bool          `json:"destructive"`
	Outcome     Outcome       `json:"outcome"`
	ExitCode    int           `json:"exit_code"`
	Output      string        `json:"output,omitempty"`
	Diagnostics string        `json:"diagnostics,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// UnitState is the remediation lifecycle state of a monitored unit.
type UnitState string

const (
	StateUnknown     UnitState = "unknown"
	StateHealthy     UnitState = "healthy"
	StateDegraded    UnitState = "degraded"
	StateRemediating UnitState = "remediating"
)
