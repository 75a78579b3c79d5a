package evaluate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

var now = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

func ok(probe string, metrics map[string]float64) health.Reading {
	return health.Reading{CycleID: "cur", Probe: probe, Timestamp: now, Success: true, Metrics: metrics}
}

func failed(probe string) health.Reading {
	return health.Reading{CycleID: "cur", Probe: probe, Timestamp: now, Success: false, Error: "probe failed"}
}

func withTallies(cycle, probe string, tallies ...health.Tally) health.Reading {
	return health.Reading{CycleID: cycle, Probe: probe, Success: true, Tallies: tallies}
}

func names(cs []health.Condition) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID()
	}
	return out
}

var memoryRule = config.Rule{
	Name: "memory_high", Kind: config.KindMetric,
	Metric: "memory.used", Per: "memory.total", Op: ">=", Limit: 0.80,
}

func Test_Evaluator_Evaluate_MetricCases(t *testing.T) {
	tests := []struct {
		name         string
		rule         config.Rule
		current      []health.Reading
		wantFired    []string
		wantObserved []string
		wantValue    float64
	}{
		{
			name:         "memory 850 of 1000 fires",
			rule:         memoryRule,
			current:      []health.Reading{ok("memory", map[string]float64{"memory.used": 850, "memory.total": 1000})},
			wantFired:    []string{"memory_high"},
			wantObserved: []string{"memory_high"},
			wantValue:    0.85,
		},
		{
			name:         "memory 790 of 1000 does not fire",
			rule:         memoryRule,
			current:      []health.Reading{ok("memory", map[string]float64{"memory.used": 790, "memory.total": 1000})},
			wantFired:    []string{},
			wantObserved: []string{"memory_high"},
		},
		{
			name:         "exactly at limit fires for >=",
			rule:         memoryRule,
			current:      []health.Reading{ok("memory", map[string]float64{"memory.used": 800, "memory.total": 1000})},
			wantFired:    []string{"memory_high"},
			wantObserved: []string{"memory_high"},
			wantValue:    0.8,
		},
		{
			name:         "failed reading never fires",
			rule:         memoryRule,
			current:      []health.Reading{failed("memory")},
			wantFired:    []string{},
			wantObserved: []string{},
		},
		{
			name:         "missing reading never fires",
			rule:         config.Rule{Name: "network_unreachable", Kind: config.KindMetric, Metric: "network.reachable", Op: "==", Limit: 0},
			current:      []health.Reading{ok("memory", map[string]float64{"memory.used": 1})},
			wantFired:    []string{},
			wantObserved: []string{},
		},
		{
			name:         "zero denominator is missing data",
			rule:         memoryRule,
			current:      []health.Reading{ok("memory", map[string]float64{"memory.used": 5, "memory.total": 0})},
			wantFired:    []string{},
			wantObserved: []string{},
		},
		{
			name:         "equality against zero is distinct from absence",
			rule:         config.Rule{Name: "network_unreachable", Kind: config.KindMetric, Metric: "network.reachable", Op: "==", Limit: 0},
			current:      []health.Reading{ok("ping", map[string]float64{"network.reachable": 0})},
			wantFired:    []string{"network_unreachable"},
			wantObserved: []string{"network_unreachable"},
		},
		{
			name:         "named probe failure hides metric from other probes",
			rule:         config.Rule{Name: "temp", Kind: config.KindMetric, Probe: "thermal", Metric: "cpu.temp_c", Op: ">", Limit: 75},
			current:      []health.Reading{failed("thermal"), ok("other", map[string]float64{"cpu.temp_c": 90})},
			wantFired:    []string{},
			wantObserved: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New([]config.Rule{tt.rule}).Evaluate(tt.current, nil)
			assert.Equal(t, tt.wantFired, names(res.Conditions))
			assert.Equal(t, tt.wantObserved, res.Observed)
			if len(tt.wantFired) == 1 {
				assert.InDelta(t, tt.wantValue, res.Conditions[0].Value, 1e-9)
			}
		})
	}
}

func Test_Compare_Operators(t *testing.T) {
	tests := []struct {
		op   string
		v    float64
		want bool
	}{
		{">", 2, true}, {">", 1, false},
		{">=", 1, true}, {">=", 0, false},
		{"<", 0, true}, {"<", 1, false},
		{"<=", 1, true}, {"<=", 2, false},
		{"==", 1, true}, {"==", 2, false},
		{"!=", 2, true}, {"!=", 1, false},
		{"=~", 1, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v %s 1", tt.v, tt.op), func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.op, tt.v, 1))
		})
	}
}

func Test_Evaluator_Evaluate_WindowCases(t *testing.T) {
	rule := config.Rule{
		Name: "failed_login_burst", Kind: config.KindWindow,
		Metric: "auth.failed_logins", Aggregate: "sum", Window: 3, Op: ">=", Limit: 10,
	}
	hist := func(vals ...float64) []health.Reading {
		var out []health.Reading
		for i, v := range vals {
			out = append(out, health.Reading{
				CycleID: fmt.Sprintf("h%d", i), Probe: "auth_log", Success: true,
				Metrics: map[string]float64{"auth.failed_logins": v},
			})
		}
		return out
	}

	tests := []struct {
		name      string
		rule      config.Rule
		history   []health.Reading
		current   health.Reading
		wantFired bool
		wantValue float64
	}{
		{
			name:      "sum over window including current fires",
			rule:      rule,
			history:   hist(100, 4, 3),
			current:   ok("auth_log", map[string]float64{"auth.failed_logins": 3}),
			wantFired: true,
			wantValue: 10,
		},
		{
			name:      "old samples outside the window are ignored",
			rule:      rule,
			history:   hist(100, 1, 1),
			current:   ok("auth_log", map[string]float64{"auth.failed_logins": 1}),
			wantFired: false,
		},
		{
			name:      "failed history samples contribute nothing",
			rule:      rule,
			history:   append(hist(5), health.Reading{CycleID: "x", Probe: "auth_log", Success: false}),
			current:   ok("auth_log", map[string]float64{"auth.failed_logins": 4}),
			wantFired: false,
		},
		{
			name: "avg aggregate",
			rule: func() config.Rule {
				r := rule
				r.Aggregate, r.Limit = "avg", 4
				return r
			}(),
			history:   hist(6, 3),
			current:   ok("auth_log", map[string]float64{"auth.failed_logins": 3}),
			wantFired: true,
			wantValue: 4,
		},
		{
			name: "max aggregate",
			rule: func() config.Rule {
				r := rule
				r.Aggregate, r.Limit = "max", 7
				return r
			}(),
			history:   hist(1, 7),
			current:   ok("auth_log", map[string]float64{"auth.failed_logins": 2}),
			wantFired: true,
			wantValue: 7,
		},
		{
			name:      "failed current reading never fires on history alone",
			rule:      rule,
			history:   hist(50, 50),
			current:   failed("auth_log"),
			wantFired: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New([]config.Rule{tt.rule}).Evaluate([]health.Reading{tt.current}, tt.history)
			if !tt.wantFired {
				assert.Empty(t, res.Conditions)
				return
			}
			require.Len(t, res.Conditions, 1)
			assert.InDelta(t, tt.wantValue, res.Conditions[0].Value, 1e-9)
		})
	}
}

func Test_TopSource_Cases(t *testing.T) {
	a := func(k string, n int) health.Tally { return health.Tally{Key: k, Count: n} }

	tests := []struct {
		name     string
		readings []health.Reading
		want     health.Tally
		wantOK   bool
	}{
		{
			name:     "tie goes to the source seen first in the window",
			readings: []health.Reading{withTallies("1", "auth_log", a("ip_a", 3)), withTallies("2", "auth_log", a("ip_b", 5), a("ip_a", 2))},
			want:     a("ip_a", 5),
			wantOK:   true,
		},
		{
			name:     "tie within one reading uses tally order",
			readings: []health.Reading{withTallies("1", "auth_log", a("ip_a", 5), a("ip_b", 5))},
			want:     a("ip_a", 5),
			wantOK:   true,
		},
		{
			name:     "later source with strictly higher count wins",
			readings: []health.Reading{withTallies("1", "auth_log", a("ip_a", 5)), withTallies("2", "auth_log", a("ip_b", 6))},
			want:     a("ip_b", 6),
			wantOK:   true,
		},
		{
			name:     "no tallies",
			readings: []health.Reading{withTallies("1", "auth_log")},
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TopSource(tt.readings)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func Test_Evaluator_Evaluate_TopSourceTieBreak(t *testing.T) {
	rule := config.Rule{Name: "suspicious_ip", Kind: config.KindTopSource, Probe: "auth_log", Window: 3, Op: ">=", Limit: 5}
	history := []health.Reading{
		withTallies("h1", "auth_log", health.Tally{Key: "ip_a", Count: 2}),
	}
	cur := withTallies("cur", "auth_log",
		health.Tally{Key: "ip_b", Count: 5},
		health.Tally{Key: "ip_a", Count: 3},
	)

	ev := New([]config.Rule{rule})
	for i := 0; i < 20; i++ {
		res := ev.Evaluate([]health.Reading{cur}, history)
		require.Len(t, res.Conditions, 1)
		assert.Equal(t, "ip_a", res.Conditions[0].Subject)
		assert.Equal(t, 5.0, res.Conditions[0].Value)
		assert.Equal(t, "suspicious_ip(ip_a)", res.Conditions[0].ID())
	}
}

func Test_Evaluator_Evaluate_TopSourceWindowBounds(t *testing.T) {
	rule := config.Rule{Name: "suspicious_ip", Kind: config.KindTopSource, Probe: "auth_log", Window: 2, Op: ">=", Limit: 10}
	history := []health.Reading{
		withTallies("h1", "auth_log", health.Tally{Key: "ip_old", Count: 50}),
		withTallies("h2", "auth_log", health.Tally{Key: "ip_a", Count: 4}),
	}
	cur := withTallies("cur", "auth_log", health.Tally{Key: "ip_a", Count: 4})

	res := New([]config.Rule{rule}).Evaluate([]health.Reading{cur}, history)
	assert.Empty(t, res.Conditions)
	assert.Equal(t, []string{"suspicious_ip"}, res.Observed)
	assert.Equal(t, []string{"suspicious_ip"}, res.Covered)
}

func Test_Evaluator_Evaluate_UnitStateCases(t *testing.T) {
	rule := config.Rule{Name: "service_down", Kind: config.KindUnitState, Probe: "services", FieldPrefix: "unit."}

	tests := []struct {
		name         string
		current      health.Reading
		wantFired    []string
		wantObserved []string
		wantCovered  []string
	}{
		{
			name: "inactive unit fires with its name as subject",
			current: health.Reading{Probe: "services", Success: true, Fields: map[string]string{
				"unit.ssh": "inactive", "unit.cron": "active", "other": "x",
			}},
			wantFired:    []string{"service_down(ssh)"},
			wantObserved: []string{"service_down(cron)", "service_down(ssh)"},
			wantCovered:  []string{"service_down"},
		},
		{
			name: "several down units are ordered by name",
			current: health.Reading{Probe: "services", Success: true, Fields: map[string]string{
				"unit.ufw": "failed", "unit.cron": "inactive",
			}},
			wantFired:    []string{"service_down(cron)", "service_down(ufw)"},
			wantObserved: []string{"service_down(cron)", "service_down(ufw)"},
			wantCovered:  []string{"service_down"},
		},
		{
			name:         "empty reading still covers the rule",
			current:      health.Reading{Probe: "services", Success: true},
			wantFired:    []string{},
			wantObserved: []string{},
			wantCovered:  []string{"service_down"},
		},
		{
			name:         "failed probe observes nothing",
			current:      health.Reading{Probe: "services", Success: false},
			wantFired:    []string{},
			wantObserved: []string{},
			wantCovered:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New([]config.Rule{rule}).Evaluate([]health.Reading{tt.current}, nil)
			assert.Equal(t, tt.wantFired, names(res.Conditions))
			assert.Equal(t, tt.wantObserved, res.Observed)
			assert.Equal(t, tt.wantCovered, res.Covered)
		})
	}
}

func Test_Evaluator_Evaluate_DefaultFailedUnitRule(t *testing.T) {
	ev := New(config.DefaultConfig().Thresholds)
	failedUnits := health.Reading{Probe: "failed_units", Success: true,
		Metrics: map[string]float64{"services.failed": 1},
		Fields:  map[string]string{"failed.nginx.service": "failed"}}

	res := ev.Evaluate([]health.Reading{failedUnits}, nil)
	require.Len(t, res.Conditions, 1)
	assert.Equal(t, "unit_failed(nginx.service)", res.Conditions[0].ID())
	assert.Equal(t, []string{"unit_failed(nginx.service)"}, res.Observed)
	assert.Equal(t, []string{"unit_failed"}, res.Covered)

	cleared := health.Reading{Probe: "failed_units", Success: true, Metrics: map[string]float64{"services.failed": 0}}
	res = ev.Evaluate([]health.Reading{cleared}, nil)
	assert.Empty(t, res.Conditions)
	assert.Equal(t, []string{"unit_failed"}, res.Covered)
}

func Test_Evaluator_Evaluate_DefaultRulesDeterministic(t *testing.T) {
	current := []health.Reading{
		ok("ping", map[string]float64{"network.reachable": 1, "network.packet_loss_pct": 33, "network.latency_ms": 12}),
		{Probe: "auth_log", Success: true, Metrics: map[string]float64{"auth.failed_logins": 12},
			Tallies: []health.Tally{{Key: "203.0.113.5", Count: 20}}},
		ok("memory", map[string]float64{"memory.used": 900, "memory.total": 1000}),
		{Probe: "services", Success: true, Fields: map[string]string{"unit.ssh": "inactive", "unit.cron": "active"}},
		failed("thermal"),
	}
	ev := New(config.DefaultConfig().Thresholds)

	first := ev.Evaluate(current, nil)
	assert.Equal(t, []string{
		"packet_loss_high",
		"failed_login_burst",
		"suspicious_ip(203.0.113.5)",
		"memory_high",
		"service_down(ssh)",
	}, names(first.Conditions))
	assert.NotContains(t, first.Observed, "cpu_temp_high")

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ev.Evaluate(current, nil))
	}
}

func Test_Result_Fired(t *testing.T) {
	res := Result{Conditions: []health.Condition{{Name: "service_down", Subject: "ssh"}}}
	assert.True(t, res.Fired("service_down(ssh)"))
	assert.False(t, res.Fired("service_down(cron)"))
}
