// Package remediate maps triggered conditions to corrective commands and
// tracks the remediation lifecycle of each monitored unit.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesprial/raspi-doctor/internal/command"
	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
	"github.com/jamesprial/raspi-doctor/internal/safety"
)

// SubjectPlaceholder in an action command is replaced by the condition subject.
const SubjectPlaceholder = "{subject}"

// maxOutput bounds how much command output is kept in an Action record.
const maxOutput = 2048

// maxDiagnosticTime bounds each diagnostic command.
const maxDiagnosticTime = 15 * time.Second

var (
	// ErrNoSubject means an action needs a subject but the condition has none.
	ErrNoSubject = errors.New("action requires a subject")

	// ErrEmptyCommand means an action has no program to run.
	ErrEmptyCommand = errors.New("action has no command")

	// ErrNoSuchAction means the action table has no entry by that name.
	ErrNoSuchAction = errors.New("no such action")

	// ErrActionDisabled means the action exists but is switched off.
	ErrActionDisabled = errors.New("action disabled")
)

// ActionSpec is one entry of the corrective action table.
type ActionSpec struct {
	Name        string
	Command     []string
	Diagnostics [][]string
	Timeout     time.Duration
	Destructive bool
	Cooldown    time.Duration
	Enabled     bool
}

// NeedsSubject reports whether the command or a diagnostic references the
// subject.
func (s ActionSpec) NeedsSubject() bool {
	if mentionsSubject(s.Command) {
		return true
	}
	return slices.ContainsFunc(s.Diagnostics, mentionsSubject)
}

func mentionsSubject(argv []string) bool {
	return slices.ContainsFunc(argv, func(arg string) bool {
		return strings.Contains(arg, SubjectPlaceholder)
	})
}

// Argv returns the command with the subject substituted. Subjects are never
// interpreted by a shell; each argument is passed verbatim.
func (s ActionSpec) Argv(subject string) ([]string, error) {
	if len(s.Command) == 0 || s.Command[0] == "" {
		return nil, ErrEmptyCommand
	}
	if s.NeedsSubject() && subject == "" {
		return nil, ErrNoSubject
	}
	return substitute(s.Command, subject), nil
}

// DiagnosticArgv returns each diagnostic command with the subject
// substituted. Empty entries are skipped.
func (s ActionSpec) DiagnosticArgv(subject string) [][]string {
	var out [][]string
	for _, d := range s.Diagnostics {
		if len(d) == 0 || d[0] == "" {
			continue
		}
		out = append(out, substitute(d, subject))
	}
	return out
}

func substitute(argv []string, subject string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, SubjectPlaceholder, subject)
	}
	return out
}

// SpecsFromConfig converts the configured action table, filling in the
// default timeout.
func SpecsFromConfig(actions []config.ActionConfig, defaultTimeout time.Duration) map[string]ActionSpec {
	specs := make(map[string]ActionSpec, len(actions))
	for _, a := range actions {
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		diags := make([][]string, 0, len(a.Diagnostics))
		for _, d := range a.Diagnostics {
			diags = append(diags, slices.Clone(d))
		}
		specs[a.Name] = ActionSpec{
			Name:        a.Name,
			Command:     slices.Clone(a.Command),
			Diagnostics: diags,
			Timeout:     timeout,
			Destructive: a.Destructive,
			Cooldown:    a.Cooldown,
			Enabled:     !a.Disabled,
		}
	}
	return specs
}

// ActionRecorder persists action records.
type ActionRecorder interface {
	AppendAction(health.Action) error
}

// Remediator executes at most one corrective action per condition per
// cycle. Failures are recorded, never raised.
type Remediator struct {
	runner      command.Runner
	guard       *safety.SubjectGuard
	recorder    ActionRecorder
	logger      zerolog.Logger
	ruleActions map[string]string
	unitRules   map[string]bool
	overrides   []config.UnitOverride
	specs       map[string]ActionSpec
	now         func() time.Time

	mu       sync.Mutex
	cycleID  string
	handled  map[string]bool
	lastRuns map[string]time.Time
}

// New returns a Remediator for cfg. recorder may be nil.
func New(cfg *config.Config, runner command.Runner, recorder ActionRecorder, logger zerolog.Logger) *Remediator {
	ruleActions := make(map[string]string, len(cfg.Thresholds))
	unitRules := make(map[string]bool)
	for _, r := range cfg.Thresholds {
		if r.Action != "" {
			ruleActions[r.Name] = r.Action
		}
		if r.Kind == config.KindUnitState {
			unitRules[r.Name] = true
		}
	}
	return &Remediator{
		runner:      runner,
		guard:       safety.NewSubjectGuard(cfg.Safety),
		recorder:    recorder,
		logger:      logger.With().Str("component", "remediator").Logger(),
		ruleActions: ruleActions,
		unitRules:   unitRules,
		overrides:   slices.Clone(cfg.Overrides),
		specs:       SpecsFromConfig(cfg.Actions, cfg.Cycle.ActionTimeout),
		now:         time.Now,
		handled:     make(map[string]bool),
		lastRuns:    make(map[string]time.Time),
	}
}

// Spec returns the action mapped to the named rule.
func (r *Remediator) Spec(rule string) (ActionSpec, bool) {
	name, ok := r.ruleActions[rule]
	if !ok {
		return ActionSpec{}, false
	}
	spec, ok := r.specs[name]
	return spec, ok
}

// Resolve returns the action for cond: the rule's mapped action, or for a
// unit_state rule the first unit override whose pattern matches the subject.
func (r *Remediator) Resolve(cond health.Condition) (ActionSpec, bool) {
	spec, ok := r.Spec(cond.Name)
	if !ok || !r.unitRules[cond.Name] || cond.Subject == "" {
		return spec, ok
	}
	for _, o := range r.overrides {
		if matched, _ := filepath.Match(o.Unit, cond.Subject); !matched {
			continue
		}
		if override, ok := r.specs[o.Action]; ok {
			r.logger.Debug().Str("unit", cond.Subject).Str("action", o.Action).Str("reason", o.Reason).Msg("unit override applies")
			return override, true
		}
	}
	return spec, ok
}

// Seed restores cooldowns from earlier action records, such as the action
// log of previous processes.
func (r *Remediator) Seed(actions []health.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range actions {
		id := health.UnitID(a.Name, a.Subject)
		if a.Timestamp.After(r.lastRuns[id]) {
			r.lastRuns[id] = a.Timestamp
		}
	}
}

// claim marks id handled for cycleID and reports whether it was unhandled.
func (r *Remediator) claim(cycleID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cycleID != r.cycleID {
		r.cycleID = cycleID
		r.handled = make(map[string]bool)
	}
	if r.handled[id] {
		return false
	}
	r.handled[id] = true
	return true
}

func (r *Remediator) coolingDown(spec ActionSpec, subject string, now time.Time) (time.Duration, bool) {
	if spec.Cooldown <= 0 {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastRuns[health.UnitID(spec.Name, subject)]
	if !ok {
		return 0, false
	}
	remaining := spec.Cooldown - now.Sub(last)
	return remaining, remaining > 0
}

func (r *Remediator) markRun(spec ActionSpec, subject string, at time.Time) {
	r.mu.Lock()
	r.lastRuns[health.UnitID(spec.Name, subject)] = at
	r.mu.Unlock()
}

// Remediate runs the mapped action for each condition. Calling it again with
// the same cycleID skips conditions already handled in that cycle.
func (r *Remediator) Remediate(ctx context.Context, cycleID string, conditions []health.Condition) []health.Action {
	var actions []health.Action
	for _, cond := range conditions {
		id := cond.ID()
		if !r.claim(cycleID, id) {
			r.logger.Debug().Str("cycle_id", cycleID).Str("condition", id).Msg("condition already handled this cycle")
			continue
		}

		log := r.logger.With().Str("cycle_id", cycleID).Str("condition", id).Logger()
		spec, ok := r.Resolve(cond)
		if !ok {
			log.Debug().Msg("no corrective action mapped")
			continue
		}
		if !spec.Enabled {
			log.Info().Str("action", spec.Name).Msg("action disabled, skipping")
			continue
		}
		if remaining, cooling := r.coolingDown(spec, cond.Subject, r.now()); cooling {
			log.Info().Str("action", spec.Name).Dur("remaining", remaining).Msg("action cooling down, skipping")
			continue
		}
		if spec.NeedsSubject() {
			if err := r.guard.Check(cond.Subject); err != nil {
				log.Warn().Err(err).Str("action", spec.Name).Msg("subject rejected, skipping")
				continue
			}
		}
		argv, err := spec.Argv(cond.Subject)
		if err != nil {
			log.Warn().Err(err).Str("action", spec.Name).Msg("cannot build command, skipping")
			continue
		}

		act := r.execute(ctx, cycleID, cond, spec, argv, log)
		if r.recorder != nil {
			if err := r.recorder.AppendAction(act); err != nil {
				log.Error().Err(err).Msg("failed to record action")
			}
		}
		actions = append(actions, act)
	}
	return actions
}

// Trigger runs the named action outside the rule table, for an operator's
// manual request. The subject guard and timeout still apply; cooldown and
// per-cycle dedupe do not.
func (r *Remediator) Trigger(ctx context.Context, cycleID, name, subject string) (health.Action, error) {
	spec, ok := r.specs[name]
	if !ok {
		return health.Action{}, fmt.Errorf("%w: %q", ErrNoSuchAction, name)
	}
	if !spec.Enabled {
		return health.Action{}, fmt.Errorf("%w: %q", ErrActionDisabled, name)
	}
	if spec.NeedsSubject() {
		if err := r.guard.Check(subject); err != nil {
			return health.Action{}, err
		}
	}
	argv, err := spec.Argv(subject)
	if err != nil {
		return health.Action{}, err
	}

	cond := health.Condition{Name: "manual", Subject: subject, Detail: "operator request"}
	log := r.logger.With().Str("cycle_id", cycleID).Str("condition", cond.ID()).Logger()
	act := r.execute(ctx, cycleID, cond, spec, argv, log)
	if r.recorder != nil {
		if err := r.recorder.AppendAction(act); err != nil {
			log.Error().Err(err).Msg("failed to record action")
		}
	}
	return act, nil
}

func (r *Remediator) execute(ctx context.Context, cycleID string, cond health.Condition, spec ActionSpec, argv []string, log zerolog.Logger) health.Action {
	start := r.now()
	act := health.Action{
		CycleID:     cycleID,
		Timestamp:   start,
		Condition:   cond.Name,
		ConditionID: cond.ID(),
		Subject:     cond.Subject,
		Name:        spec.Name,
		Command:     argv,
		Destructive: spec.Destructive,
	}

	if spec.Destructive {
		log.Warn().Str("action", spec.Name).Strs("argv", argv).Msg("executing destructive action")
	} else {
		log.Info().Str("action", spec.Name).Strs("argv", argv).Msg("executing action")
	}

	act.Diagnostics = r.diagnose(ctx, spec, cond.Subject, log)

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()
	res, err := r.runner.Run(runCtx, argv[0], argv[1:]...)
	r.markRun(spec, cond.Subject, start)

	act.ExitCode = res.ExitCode
	act.Duration = res.Duration
	act.Output = clip(strings.TrimSpace(res.Stdout + "\n" + res.Stderr))
	if err != nil {
		act.Outcome = health.OutcomeFailure
		act.Error = err.Error()
		log.Error().Err(err).Str("action", spec.Name).Int("exit_code", res.ExitCode).Msg("corrective action failed")
		return act
	}
	act.Outcome = health.OutcomeSuccess
	log.Info().Str("action", spec.Name).Dur("duration", res.Duration).Msg("corrective action succeeded")
	return act
}

// diagnose runs the spec's diagnostic commands and returns their combined
// output. A failing diagnostic is recorded and never stops the action.
func (r *Remediator) diagnose(ctx context.Context, spec ActionSpec, subject string, log zerolog.Logger) string {
	var b strings.Builder
	for _, argv := range spec.DiagnosticArgv(subject) {
		dctx, cancel := context.WithTimeout(ctx, min(spec.Timeout, maxDiagnosticTime))
		res, err := r.runner.Run(dctx, argv[0], argv[1:]...)
		cancel()
		fmt.Fprintf(&b, "$ %s\n", strings.Join(argv, " "))
		if out := strings.TrimSpace(res.Stdout + "\n" + res.Stderr); out != "" {
			b.WriteString(out)
			b.WriteByte('\n')
		}
		if err != nil {
			fmt.Fprintf(&b, "(%v)\n", err)
			log.Debug().Err(err).Strs("argv", argv).Msg("diagnostic command failed")
		}
	}
	return clip(strings.TrimSpace(b.String()))
}

// clip keeps the tail of s, where errors usually are.
func clip(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return "..." + s[len(s)-maxOutput:]
}
