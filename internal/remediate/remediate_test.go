package remediate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/raspi-doctor/internal/command"
	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
	"github.com/jamesprial/raspi-doctor/internal/safety"
)

// memRecorder collects actions in memory.
type memRecorder struct {
	mu      sync.Mutex
	actions []health.Action
	err     error
}

var _ ActionRecorder = (*memRecorder)(nil)

func (m *memRecorder) AppendAction(a health.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, a)
	return m.err
}

func newRemediator(t *testing.T, cfg *config.Config, runner command.Runner) (*Remediator, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	return New(cfg, runner, rec, zerolog.Nop()), rec
}

func serviceDown(unit string) health.Condition {
	return health.Condition{Name: "service_down", Subject: unit, Detail: unit + " is inactive"}
}

func Test_ActionSpec_Argv_Cases(t *testing.T) {
	tests := []struct {
		name    string
		spec    ActionSpec
		subject string
		want    []string
		wantErr error
	}{
		{
			name:    "subject substituted as one argument",
			spec:    ActionSpec{Command: []string{"systemctl", "restart", "{subject}"}},
			subject: "ssh",
			want:    []string{"systemctl", "restart", "ssh"},
		},
		{
			name:    "placeholder inside an argument",
			spec:    ActionSpec{Command: []string{"logger", "banned={subject}"}},
			subject: "203.0.113.5",
			want:    []string{"logger", "banned=203.0.113.5"},
		},
		{
			name: "no placeholder ignores subject",
			spec: ActionSpec{Command: []string{"apt-get", "-y", "upgrade"}},
			want: []string{"apt-get", "-y", "upgrade"},
		},
		{
			name:    "missing subject",
			spec:    ActionSpec{Command: []string{"ufw", "deny", "from", "{subject}"}},
			wantErr: ErrNoSubject,
		},
		{
			name:    "empty command",
			spec:    ActionSpec{},
			wantErr: ErrEmptyCommand,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.Argv(tt.subject)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func Test_SpecsFromConfig_DefaultTimeout(t *testing.T) {
	specs := SpecsFromConfig([]config.ActionConfig{
		{Name: "a", Command: []string{"true"}},
		{Name: "b", Command: []string{"true"}, Timeout: time.Second, Disabled: true},
	}, time.Minute)

	assert.Equal(t, time.Minute, specs["a"].Timeout)
	assert.True(t, specs["a"].Enabled)
	assert.Equal(t, time.Second, specs["b"].Timeout)
	assert.False(t, specs["b"].Enabled)
}

func Test_Remediator_Remediate_RestartsInactiveServiceOnce(t *testing.T) {
	runner := command.NewFakeRunner().OnStdout("systemctl restart ssh", "")
	r, rec := newRemediator(t, config.DefaultConfig(), runner)

	conds := []health.Condition{serviceDown("ssh")}
	first := r.Remediate(context.Background(), "cycle-1", conds)
	second := r.Remediate(context.Background(), "cycle-1", conds)

	require.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Equal(t, 1, runner.CallCount("systemctl restart ssh"))

	act := first[0]
	assert.Equal(t, health.OutcomeSuccess, act.Outcome)
	assert.Equal(t, "restart_service", act.Name)
	assert.Equal(t, "service_down(ssh)", act.ConditionID)
	assert.Equal(t, []string{"systemctl", "restart", "ssh"}, act.Command)
	assert.Equal(t, "cycle-1", act.CycleID)
	require.Len(t, rec.actions, 1)
	assert.Equal(t, act, rec.actions[0])
}

func Test_Remediator_Remediate_DuplicateConditionInOneCall(t *testing.T) {
	runner := command.NewFakeRunner().OnStdout("systemctl restart ssh", "")
	r, _ := newRemediator(t, config.DefaultConfig(), runner)

	acts := r.Remediate(context.Background(), "c1", []health.Condition{serviceDown("ssh"), serviceDown("ssh")})
	assert.Len(t, acts, 1)
	assert.Equal(t, 1, runner.CallCount("systemctl restart ssh"))
}

func Test_Remediator_Remediate_NewCycleRunsAgain(t *testing.T) {
	runner := command.NewFakeRunner().OnStdout("systemctl restart ssh", "")
	r, _ := newRemediator(t, config.DefaultConfig(), runner)

	r.Remediate(context.Background(), "c1", []health.Condition{serviceDown("ssh")})
	r.Remediate(context.Background(), "c2", []health.Condition{serviceDown("ssh")})
	assert.Equal(t, 2, runner.CallCount("systemctl restart ssh"))
}

func Test_Remediator_Remediate_SkipCases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		cond   health.Condition
	}{
		{
			name: "rule without action",
			cond: health.Condition{Name: "load_high", Value: 4},
		},
		{
			name: "unknown rule",
			cond: health.Condition{Name: "mystery"},
		},
		{
			name: "disabled action",
			mutate: func(cfg *config.Config) {
				for i := range cfg.Actions {
					if cfg.Actions[i].Name == "restart_service" {
						cfg.Actions[i].Disabled = true
					}
				}
			},
			cond: serviceDown("ssh"),
		},
		{
			name: "denied unit",
			mutate: func(cfg *config.Config) {
				cfg.Safety.Units.Denylist = []string{"ssh"}
			},
			cond: serviceDown("ssh"),
		},
		{
			name: "private address never banned",
			cond: health.Condition{Name: "suspicious_ip", Subject: "192.168.1.20", Value: 30},
		},
		{
			name: "malformed subject",
			cond: serviceDown("ssh --now; reboot"),
		},
		{
			name: "subject required but missing",
			cond: health.Condition{Name: "service_down"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			runner := command.NewFakeRunner()
			r, rec := newRemediator(t, cfg, runner)

			acts := r.Remediate(context.Background(), "c1", []health.Condition{tt.cond})
			assert.Empty(t, acts)
			assert.Empty(t, runner.Calls())
			assert.Empty(t, rec.actions)
		})
	}
}

func Test_Remediator_Remediate_FailureIsRecorded(t *testing.T) {
	runner := command.NewFakeRunner().On("systemctl restart ssh", command.Response{
		Result: command.Result{Stderr: "Job for ssh.service failed.", ExitCode: 1},
		Err:    &command.ExitError{Name: "systemctl", ExitCode: 1, Stderr: "Job for ssh.service failed."},
	})
	r, rec := newRemediator(t, config.DefaultConfig(), runner)

	acts := r.Remediate(context.Background(), "c1", []health.Condition{serviceDown("ssh")})
	require.Len(t, acts, 1)
	assert.Equal(t, health.OutcomeFailure, acts[0].Outcome)
	assert.Equal(t, 1, acts[0].ExitCode)
	assert.Contains(t, acts[0].Error, "exited with status 1")
	assert.Contains(t, acts[0].Output, "Job for ssh.service failed.")
	assert.Len(t, rec.actions, 1)
}

func Test_Remediator_Remediate_Timeout(t *testing.T) {
	cfg := config.DefaultConfig()
	for i := range cfg.Actions {
		if cfg.Actions[i].Name == "restart_service" {
			cfg.Actions[i].Timeout = 20 * time.Millisecond
		}
	}
	runner := command.NewFakeRunner().On("systemctl", command.Response{Delay: time.Minute})
	r, _ := newRemediator(t, cfg, runner)

	start := time.Now()
	acts := r.Remediate(context.Background(), "c1", []health.Condition{serviceDown("ssh")})
	require.Len(t, acts, 1)
	assert.Equal(t, health.OutcomeFailure, acts[0].Outcome)
	assert.Contains(t, acts[0].Error, context.DeadlineExceeded.Error())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func Test_Remediator_Remediate_Cooldown(t *testing.T) {
	cfg := config.DefaultConfig()
	for i := range cfg.Actions {
		if cfg.Actions[i].Name == "ban_ip" {
			cfg.Actions[i].Cooldown = time.Hour
		}
	}
	runner := command.NewFakeRunner().OnStdout("ufw", "Rule added")
	r, _ := newRemediator(t, cfg, runner)

	clock := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	ip := health.Condition{Name: "suspicious_ip", Subject: "203.0.113.5", Value: 25}
	other := health.Condition{Name: "suspicious_ip", Subject: "198.51.100.7", Value: 25}

	assert.Len(t, r.Remediate(context.Background(), "c1", []health.Condition{ip}), 1)

	clock = clock.Add(30 * time.Minute)
	assert.Empty(t, r.Remediate(context.Background(), "c2", []health.Condition{ip}))
	assert.Len(t, r.Remediate(context.Background(), "c2", []health.Condition{other}), 1, "cooldown is per subject")

	clock = clock.Add(31 * time.Minute)
	assert.Len(t, r.Remediate(context.Background(), "c3", []health.Condition{ip}), 1)
	assert.Equal(t, 2, runner.CallCount("ufw deny from 203.0.113.5"))
}

func Test_Remediator_Remediate_UpgradeAttemptedEveryCycle(t *testing.T) {
	runner := command.NewFakeRunner().OnStdout("apt-get -y upgrade", "0 upgraded")
	r, _ := newRemediator(t, config.DefaultConfig(), runner)

	cond := health.Condition{Name: "packages_outdated", Value: 3}
	for _, cycle := range []string{"c1", "c2", "c3"} {
		acts := r.Remediate(context.Background(), cycle, []health.Condition{cond})
		require.Len(t, acts, 1)
		assert.True(t, acts[0].Destructive)
	}
	assert.Equal(t, 3, runner.CallCount("apt-get -y upgrade"))
}

func Test_Remediator_Remediate_RecorderErrorDoesNotAbort(t *testing.T) {
	runner := command.NewFakeRunner().OnStdout("systemctl", "")
	rec := &memRecorder{err: errors.New("disk full")}
	r := New(config.DefaultConfig(), runner, rec, zerolog.Nop())

	acts := r.Remediate(context.Background(), "c1", []health.Condition{serviceDown("ssh"), serviceDown("cron")})
	assert.Len(t, acts, 2)
}

func Test_Remediator_Trigger_Cases(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		subject string
		wantErr error
		wantRun string
	}{
		{name: "restart named unit", action: "restart_service", subject: "cron", wantRun: "systemctl restart cron"},
		{name: "action without subject", action: "upgrade_packages", wantRun: "apt-get -y upgrade"},
		{name: "unknown action", action: "format_disk", wantErr: ErrNoSuchAction},
		{name: "missing subject", action: "ban_ip", wantErr: safety.ErrInvalidSubject},
		{name: "denied subject", action: "ban_ip", subject: "127.0.0.1", wantErr: safety.ErrSubjectDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := command.NewFakeRunner().OnStdout("systemctl", "").OnStdout("apt-get", "")
			r, rec := newRemediator(t, config.DefaultConfig(), runner)

			act, err := r.Trigger(context.Background(), "manual-1", tt.action, tt.subject)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, runner.Calls())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, health.OutcomeSuccess, act.Outcome)
			assert.Equal(t, "manual", act.Condition)
			assert.Equal(t, 1, runner.CallCount(tt.wantRun))
			assert.Len(t, rec.actions, 1)
		})
	}
}

func Test_Remediator_Trigger_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	for i := range cfg.Actions {
		cfg.Actions[i].Disabled = true
	}
	r, _ := newRemediator(t, cfg, command.NewFakeRunner())
	_, err := r.Trigger(context.Background(), "m", "upgrade_packages", "")
	assert.ErrorIs(t, err, ErrActionDisabled)
}

func Test_Remediator_Resolve_UnitOverrides(t *testing.T) {
	tests := []struct {
		name       string
		cond       health.Condition
		wantAction string
	}{
		{name: "ordinary unit restarted", cond: serviceDown("ssh"), wantAction: "restart_service"},
		{name: "bluetooth stopped", cond: serviceDown("bluetooth.service"), wantAction: "stop_service"},
		{name: "failed avahi stopped", cond: health.Condition{Name: "unit_failed", Subject: "avahi-daemon.service"}, wantAction: "stop_service"},
		{name: "rng-tools masked", cond: health.Condition{Name: "unit_failed", Subject: "rng-tools-debian.service"}, wantAction: "disable_service"},
		{name: "override only applies to unit rules", cond: health.Condition{Name: "packages_outdated", Subject: "bluetooth"}, wantAction: "upgrade_packages"},
	}
	r, _ := newRemediator(t, config.DefaultConfig(), command.NewFakeRunner())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, ok := r.Resolve(tt.cond)
			require.True(t, ok)
			assert.Equal(t, tt.wantAction, spec.Name)
		})
	}
}

func Test_Remediator_Remediate_OverrideRunsInsteadOfRestart(t *testing.T) {
	runner := command.NewFakeRunner().OnStdout("systemctl", "")
	r, rec := newRemediator(t, config.DefaultConfig(), runner)

	acts := r.Remediate(context.Background(), "c1", []health.Condition{serviceDown("bluetooth.service")})
	require.Len(t, acts, 1)
	assert.Equal(t, "stop_service", acts[0].Name)
	assert.Equal(t, "service_down(bluetooth.service)", acts[0].ConditionID)
	assert.Equal(t, 1, runner.CallCount("systemctl stop bluetooth.service"))
	assert.Zero(t, runner.CallCount("systemctl restart bluetooth.service"))
	require.Len(t, rec.actions, 1)
}

func Test_Remediator_Remediate_RecordsDiagnostics(t *testing.T) {
	runner := command.NewFakeRunner().
		On("systemctl status --no-pager --lines=0 nginx.service", command.Response{
			Result: command.Result{Stdout: "× nginx.service - A high performance web server\n     Active: failed (Result: exit-code)", ExitCode: 3},
			Err:    &command.ExitError{Name: "systemctl", ExitCode: 3},
		}).
		OnStdout("journalctl -u nginx.service --no-pager -n 20", "nginx: [emerg] bind() to 0.0.0.0:80 failed").
		OnStdout("systemctl restart nginx.service", "")
	r, _ := newRemediator(t, config.DefaultConfig(), runner)

	acts := r.Remediate(context.Background(), "c1", []health.Condition{{Name: "unit_failed", Subject: "nginx.service"}})
	require.Len(t, acts, 1)
	act := acts[0]
	assert.Equal(t, health.OutcomeSuccess, act.Outcome, "a failing diagnostic does not fail the action")
	assert.Contains(t, act.Diagnostics, "$ systemctl status --no-pager --lines=0 nginx.service")
	assert.Contains(t, act.Diagnostics, "Active: failed (Result: exit-code)")
	assert.Contains(t, act.Diagnostics, "exited with status 3")
	assert.Contains(t, act.Diagnostics, "bind() to 0.0.0.0:80 failed")

	calls := runner.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"systemctl", "restart", "nginx.service"}, calls[2], "diagnostics run before the action")
}

func Test_Remediator_Seed_RestoresCooldown(t *testing.T) {
	cfg := config.DefaultConfig()
	for i := range cfg.Actions {
		if cfg.Actions[i].Name == "ban_ip" {
			cfg.Actions[i].Cooldown = time.Hour
		}
	}
	runner := command.NewFakeRunner().OnStdout("ufw", "Rule added")
	r, _ := newRemediator(t, cfg, runner)
	clock := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.Seed([]health.Action{
		{Name: "ban_ip", Subject: "203.0.113.5", Timestamp: clock.Add(-2 * time.Hour)},
		{Name: "ban_ip", Subject: "203.0.113.5", Timestamp: clock.Add(-10 * time.Minute)},
		{Name: "ban_ip", Subject: "198.51.100.7", Timestamp: clock.Add(-2 * time.Hour)},
	})

	cooling := health.Condition{Name: "suspicious_ip", Subject: "203.0.113.5", Value: 25}
	expired := health.Condition{Name: "suspicious_ip", Subject: "198.51.100.7", Value: 25}
	acts := r.Remediate(context.Background(), "c1", []health.Condition{cooling, expired})
	require.Len(t, acts, 1)
	assert.Equal(t, "198.51.100.7", acts[0].Subject)
	assert.Zero(t, runner.CallCount("ufw deny from 203.0.113.5"))
}
