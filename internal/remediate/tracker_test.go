package remediate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/raspi-doctor/internal/command"
	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/evaluate"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

func servicesReading(cycle string, states map[string]string) health.Reading {
	fields := make(map[string]string, len(states))
	for unit, state := range states {
		fields["unit."+unit] = state
	}
	return health.Reading{CycleID: cycle, Probe: config.ProbeServices, Category: health.CategoryService, Success: true, Fields: fields}
}

func Test_UnitTracker_ServiceRecoveryLifecycle(t *testing.T) {
	cfg := config.DefaultConfig()
	ev := evaluate.New(cfg.Thresholds)
	runner := command.NewFakeRunner().OnStdout("systemctl restart ssh", "")
	rem := New(cfg, runner, nil, zerolog.Nop())
	tracker := NewUnitTracker()
	const ssh = "service_down(ssh)"

	// Cycle 1: ssh inactive, restart succeeds.
	res := ev.Evaluate([]health.Reading{servicesReading("c1", map[string]string{"ssh": "inactive", "cron": "active"})}, nil)
	tracker.Observe("c1", res)
	assert.Equal(t, health.StateDegraded, tracker.State(ssh))
	assert.Equal(t, health.StateHealthy, tracker.State("service_down(cron)"))

	acts := rem.Remediate(context.Background(), "c1", res.Conditions)
	require.Len(t, acts, 1)
	assert.Equal(t, health.OutcomeSuccess, acts[0].Outcome)
	tr := tracker.Apply(acts)
	assert.Equal(t, []Transition{{ID: ssh, From: health.StateDegraded, To: health.StateRemediating}}, tr)
	assert.Equal(t, health.StateRemediating, tracker.State(ssh))

	// Cycle 2: fresh reading shows ssh active.
	res = ev.Evaluate([]health.Reading{servicesReading("c2", map[string]string{"ssh": "active", "cron": "active"})}, nil)
	tr = tracker.Observe("c2", res)
	assert.Equal(t, []Transition{{ID: ssh, From: health.StateRemediating, To: health.StateHealthy}}, tr)
	assert.Empty(t, rem.Remediate(context.Background(), "c2", res.Conditions))
	assert.Equal(t, 1, runner.CallCount("systemctl restart ssh"))
}

func Test_UnitTracker_FailedActionStaysDegraded(t *testing.T) {
	tracker := NewUnitTracker()
	res := evaluate.Result{
		Conditions: []health.Condition{serviceDown("ssh")},
		Observed:   []string{"service_down(ssh)"},
	}
	tracker.Observe("c1", res)
	tr := tracker.Apply([]health.Action{{CycleID: "c1", ConditionID: "service_down(ssh)", Outcome: health.OutcomeFailure}})
	assert.Empty(t, tr)
	assert.Equal(t, health.StateDegraded, tracker.State("service_down(ssh)"))
}

func Test_UnitTracker_Transitions_Cases(t *testing.T) {
	const id = "service_down(ssh)"
	fired := evaluate.Result{Conditions: []health.Condition{serviceDown("ssh")}, Observed: []string{id}}
	clear := evaluate.Result{Observed: []string{id}}
	noData := evaluate.Result{}
	success := []health.Action{{ConditionID: id, Outcome: health.OutcomeSuccess}}

	type step struct {
		observe *evaluate.Result
		apply   []health.Action
		want    health.UnitState
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name:  "unknown before any data",
			steps: []step{{observe: &noData, want: health.StateUnknown}},
		},
		{
			name:  "first data healthy",
			steps: []step{{observe: &clear, want: health.StateHealthy}},
		},
		{
			name: "healthy degrades then recovers without action",
			steps: []step{
				{observe: &clear, want: health.StateHealthy},
				{observe: &fired, want: health.StateDegraded},
				{observe: &clear, want: health.StateHealthy},
			},
		},
		{
			name: "remediating falls back to degraded when still failing",
			steps: []step{
				{observe: &fired, apply: success, want: health.StateRemediating},
				{observe: &fired, want: health.StateDegraded},
			},
		},
		{
			name: "remediating holds while data is missing",
			steps: []step{
				{observe: &fired, apply: success, want: health.StateRemediating},
				{observe: &noData, want: health.StateRemediating},
				{observe: &clear, want: health.StateHealthy},
			},
		},
		{
			name: "success on a healthy unit changes nothing",
			steps: []step{
				{observe: &clear, apply: success, want: health.StateHealthy},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewUnitTracker()
			for i, s := range tt.steps {
				if s.observe != nil {
					tracker.Observe("c", *s.observe)
				}
				if s.apply != nil {
					tracker.Apply(s.apply)
				}
				assert.Equal(t, s.want, tracker.State(id), "step %d", i)
			}
		})
	}
}

func Test_UnitTracker_TopSourceSubjectRecovers(t *testing.T) {
	tracker := NewUnitTracker()
	const id = "suspicious_ip(203.0.113.5)"

	tracker.Observe("c1", evaluate.Result{
		Conditions: []health.Condition{{Name: "suspicious_ip", Subject: "203.0.113.5", Value: 25}},
		Observed:   []string{"suspicious_ip"},
		Covered:    []string{"suspicious_ip"},
	})
	tracker.Apply([]health.Action{{ConditionID: id, Outcome: health.OutcomeSuccess}})
	require.Equal(t, health.StateRemediating, tracker.State(id))

	tr := tracker.Observe("c2", evaluate.Result{Observed: []string{"suspicious_ip"}, Covered: []string{"suspicious_ip"}})
	assert.Contains(t, tr, Transition{ID: id, From: health.StateRemediating, To: health.StateHealthy})
	assert.Equal(t, health.StateHealthy, tracker.State("suspicious_ip"))
}

func Test_UnitTracker_Snapshot_Sorted(t *testing.T) {
	tracker := NewUnitTracker()
	tracker.Observe("c1", evaluate.Result{
		Conditions: []health.Condition{{Name: "memory_high", Detail: "memory.used/memory.total = 0.9 >= 0.8"}},
		Observed:   []string{"service_down(ssh)", "memory_high", "disk_high"},
	})

	snap := tracker.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "disk_high", snap[0].ID)
	assert.Equal(t, "memory_high", snap[1].ID)
	assert.Equal(t, health.StateDegraded, snap[1].State)
	assert.Equal(t, "memory.used/memory.total = 0.9 >= 0.8", snap[1].Detail)
	assert.Equal(t, "ssh", snap[2].Subject)
	assert.Equal(t, "service_down", snap[2].Rule)
	assert.Equal(t, "c1", snap[2].LastCycle)
}

func failedUnitsReading(cycle string, failed ...string) health.Reading {
	fields := make(map[string]string, len(failed))
	for _, unit := range failed {
		fields["failed."+unit] = "failed"
	}
	return health.Reading{CycleID: cycle, Probe: config.ProbeFailedUnits, Category: health.CategoryService, Success: true, Fields: fields}
}

func Test_UnitTracker_ResetFailedUnitRecovers(t *testing.T) {
	cfg := config.DefaultConfig()
	ev := evaluate.New(cfg.Thresholds)
	tracker := NewUnitTracker()
	const id = "unit_failed(nginx.service)"

	res := ev.Evaluate([]health.Reading{failedUnitsReading("c1", "nginx.service")}, nil)
	require.True(t, res.Fired(id))
	tracker.Observe("c1", res)
	tracker.Apply([]health.Action{{CycleID: "c1", ConditionID: id, Outcome: health.OutcomeSuccess}})
	require.Equal(t, health.StateRemediating, tracker.State(id))

	// The restart worked: systemctl --failed no longer lists the unit.
	tr := tracker.Observe("c2", ev.Evaluate([]health.Reading{failedUnitsReading("c2")}, nil))
	assert.Equal(t, []Transition{{ID: id, From: health.StateRemediating, To: health.StateHealthy}}, tr)

	// A failed reading judges nothing.
	tracker.Observe("c3", ev.Evaluate([]health.Reading{{CycleID: "c3", Probe: config.ProbeFailedUnits, Category: health.CategoryService}}, nil))
	assert.Equal(t, health.StateHealthy, tracker.State(id))
}

func Test_UnitTracker_MissingReadingKeepsRemediating(t *testing.T) {
	cfg := config.DefaultConfig()
	ev := evaluate.New(cfg.Thresholds)
	tracker := NewUnitTracker()
	const id = "unit_failed(nginx.service)"

	tracker.Observe("c1", ev.Evaluate([]health.Reading{failedUnitsReading("c1", "nginx.service")}, nil))
	tracker.Apply([]health.Action{{ConditionID: id, Outcome: health.OutcomeSuccess}})

	tr := tracker.Observe("c2", ev.Evaluate(nil, nil))
	assert.Empty(t, tr)
	assert.Equal(t, health.StateRemediating, tracker.State(id))
}

func Test_UnitTracker_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), UnitsFile)
	tracker := NewUnitTracker()
	tracker.now = func() time.Time { return time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC) }
	tracker.Observe("c1", evaluate.Result{
		Conditions: []health.Condition{serviceDown("ssh")},
		Observed:   []string{"service_down(ssh)", "memory_high"},
	})
	tracker.Apply([]health.Action{{CycleID: "c1", ConditionID: "service_down(ssh)", Outcome: health.OutcomeSuccess}})
	require.NoError(t, tracker.Save(path))

	loaded, err := LoadUnitTracker(path)
	require.NoError(t, err)
	assert.Equal(t, tracker.Snapshot(), loaded.Snapshot())
	assert.Equal(t, health.StateRemediating, loaded.State("service_down(ssh)"))

	assert.Equal(t, tracker.Snapshot(), NewUnitFile(path).Snapshot())
}

func Test_LoadUnitTracker_MissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	tracker, err := LoadUnitTracker(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, tracker.Snapshot())

	corrupt := filepath.Join(dir, UnitsFile)
	require.NoError(t, os.WriteFile(corrupt, []byte("[{"), 0o600))
	tracker, err = LoadUnitTracker(corrupt)
	assert.Error(t, err)
	require.NotNil(t, tracker)
	assert.Empty(t, tracker.Snapshot())
	assert.Empty(t, NewUnitFile(corrupt).Snapshot())
}
