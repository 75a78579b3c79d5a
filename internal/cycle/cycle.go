// Package cycle drives one monitoring cycle end to end: sample, evaluate,
// remediate, then persist and publish the results.
package cycle

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/evaluate"
	"github.com/jamesprial/raspi-doctor/internal/health"
	"github.com/jamesprial/raspi-doctor/internal/remediate"
	"github.com/jamesprial/raspi-doctor/internal/sampler"
)

// LockFile is the name of the cross-process lock inside the log directory.
const LockFile = "cycle.lock"

// pruneEvery bounds how often the knowledge store is pruned.
const pruneEvery = 24 * time.Hour

// ErrCycleInProgress means another cycle, in this process or another, holds
// the lock.
var ErrCycleInProgress = errors.New("cycle already in progress")

// HistorySource loads earlier readings for window rules.
type HistorySource interface {
	ProbeHistory(cat health.Category, probe string, n int) ([]health.Reading, error)
}

// KnowledgeRecorder keeps long-term metrics and outcomes.
type KnowledgeRecorder interface {
	RecordReadings(ctx context.Context, readings []health.Reading) error
	RecordActions(ctx context.Context, actions []health.Action) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher announces cycle results.
type Publisher interface {
	PublishCycle(cycleID string, at time.Time, conditions []health.Condition, actions []health.Action) error
}

// Report is everything one cycle produced.
type Report struct {
	CycleID     string                 `json:"cycle_id"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	Readings    []health.Reading       `json:"readings"`
	Conditions  []health.Condition     `json:"conditions"`
	Actions     []health.Action        `json:"actions"`
	Transitions []remediate.Transition `json:"transitions"`
}

// Failed counts readings that did not succeed.
func (r *Report) Failed() int {
	n := 0
	for _, rd := range r.Readings {
		if !rd.Success {
			n++
		}
	}
	return n
}

// Deps are the collaborators of a Runner. Knowledge and Publisher are
// optional.
type Deps struct {
	Config     *config.Config
	Sampler    *sampler.Sampler
	Evaluator  *evaluate.Evaluator
	Remediator *remediate.Remediator
	Tracker    *remediate.UnitTracker
	History    HistorySource
	Knowledge  KnowledgeRecorder
	Publisher  Publisher
	Logger     zerolog.Logger
}

// Runner executes cycles, and manual actions, one at a time.
type Runner struct {
	deps      Deps
	lock      *FileLock
	unitsPath string
	window    int
	logger    zerolog.Logger
	newID     func() string
	now       func() time.Time

	running sync.Mutex

	mu        sync.Mutex
	listeners []func(*Report)
	last      *Report
	lastPrune time.Time
}

// New returns a Runner. The lock file lives in the configured log directory.
func New(deps Deps) *Runner {
	return &Runner{
		deps:      deps,
		lock:      NewFileLock(filepath.Join(deps.Config.Paths.LogDir, LockFile)),
		unitsPath: filepath.Join(deps.Config.Paths.LogDir, remediate.UnitsFile),
		window:    historyWindow(deps.Config),
		logger:    deps.Logger.With().Str("component", "cycle").Logger(),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// historyWindow is the deepest history any rule can ask for.
func historyWindow(cfg *config.Config) int {
	n := cfg.Cycle.HistoryWindow
	for _, r := range cfg.Thresholds {
		n = max(n, r.Window)
	}
	return n
}

// Tracker returns the unit state machine.
func (r *Runner) Tracker() *remediate.UnitTracker { return r.deps.Tracker }

// Subscribe registers fn to receive every completed report.
func (r *Runner) Subscribe(fn func(*Report)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Last returns the most recent report, or nil before the first cycle.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// acquire takes the in-process and cross-process locks.
func (r *Runner) acquire(ctx context.Context) (release func(), err error) {
	if !r.running.TryLock() {
		return nil, ErrCycleInProgress
	}
	unlock, err := r.lock.TryLock()
	if err != nil {
		r.running.Unlock()
		return nil, err
	}
	release = func() {
		unlock()
		r.running.Unlock()
	}
	if err := ctx.Err(); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

// RunOnce executes a single cycle. Probe and action failures are part of
// the report, not errors; the only errors are lock contention and a
// cancelled context.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rep := &Report{CycleID: r.newID(), StartedAt: r.now()}
	log := r.logger.With().Str("cycle_id", rep.CycleID).Logger()
	log.Info().Msg("cycle started")

	history := r.loadHistory(log)
	rep.Readings = r.deps.Sampler.RunCycle(ctx, rep.CycleID, rep.StartedAt)

	res := r.deps.Evaluator.Evaluate(rep.Readings, history)
	rep.Conditions = res.Conditions
	rep.Transitions = r.deps.Tracker.Observe(rep.CycleID, res)
	for _, c := range res.Conditions {
		log.Warn().Str("condition", c.ID()).Str("detail", c.Detail).Msg("condition fired")
	}

	rep.Actions = r.deps.Remediator.Remediate(ctx, rep.CycleID, res.Conditions)
	rep.Transitions = append(rep.Transitions, r.deps.Tracker.Apply(rep.Actions)...)
	for _, t := range rep.Transitions {
		log.Info().Str("unit", t.ID).Str("from", string(t.From)).Str("to", string(t.To)).Msg("unit state changed")
	}
	if err := r.deps.Tracker.Save(r.unitsPath); err != nil {
		log.Error().Err(err).Msg("failed to save unit states")
	}

	r.persist(ctx, rep, log)
	rep.FinishedAt = r.now()

	log.Info().
		Int("readings", len(rep.Readings)).
		Int("failed", rep.Failed()).
		Int("conditions", len(rep.Conditions)).
		Int("actions", len(rep.Actions)).
		Dur("duration", rep.FinishedAt.Sub(rep.StartedAt)).
		Msg("cycle finished")

	r.mu.Lock()
	r.last = rep
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(rep)
	}
	return rep, nil
}

// Trigger runs the named action on an operator's request. It holds the
// same locks as a cycle, so the action log stays in time order.
func (r *Runner) Trigger(ctx context.Context, name, subject string) (health.Action, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return health.Action{}, err
	}
	defer release()

	act, err := r.deps.Remediator.Trigger(ctx, "manual-"+r.newID(), name, subject)
	if err != nil {
		return health.Action{}, err
	}
	if k := r.deps.Knowledge; k != nil {
		if err := k.RecordActions(ctx, []health.Action{act}); err != nil {
			r.logger.Error().Err(err).Msg("failed to record action outcome")
		}
	}
	return act, nil
}

// loadHistory reads prior readings of every enabled probe. A journal that
// cannot be read leaves window rules with only the current sample.
func (r *Runner) loadHistory(log zerolog.Logger) []health.Reading {
	if r.deps.History == nil || r.window <= 0 {
		return nil
	}
	var history []health.Reading
	for _, p := range r.deps.Sampler.Probes() {
		rs, err := r.deps.History.ProbeHistory(p.Category(), p.Name(), r.window)
		if err != nil {
			log.Warn().Err(err).Str("probe", p.Name()).Msg("failed to load history")
			continue
		}
		history = append(history, rs...)
	}
	return history
}

func (r *Runner) persist(ctx context.Context, rep *Report, log zerolog.Logger) {
	if k := r.deps.Knowledge; k != nil {
		if err := k.RecordReadings(ctx, rep.Readings); err != nil {
			log.Error().Err(err).Msg("failed to record metrics")
		}
		if err := k.RecordActions(ctx, rep.Actions); err != nil {
			log.Error().Err(err).Msg("failed to record action outcomes")
		}
		r.maybePrune(ctx, rep.StartedAt, log)
	}
	if p := r.deps.Publisher; p != nil {
		if err := p.PublishCycle(rep.CycleID, rep.StartedAt, rep.Conditions, rep.Actions); err != nil {
			log.Error().Err(err).Msg("failed to publish cycle")
		}
	}
}

func (r *Runner) maybePrune(ctx context.Context, now time.Time, log zerolog.Logger) {
	days := r.deps.Config.Knowledge.RetentionDays
	if days <= 0 {
		return
	}
	r.mu.Lock()
	due := now.Sub(r.lastPrune) >= pruneEvery
	if due {
		r.lastPrune = now
	}
	r.mu.Unlock()
	if !due {
		return
	}
	n, err := r.deps.Knowledge.Prune(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		log.Error().Err(err).Msg("failed to prune knowledge store")
		return
	}
	if n > 0 {
		log.Info().Int64("rows", n).Msg("pruned knowledge store")
	}
}

// Run executes a cycle immediately and then every interval until ctx is
// done. A tick that finds a cycle still running is skipped.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			switch {
			case errors.Is(err, ErrCycleInProgress):
				r.logger.Warn().Msg("previous cycle still running, skipping tick")
			case ctx.Err() != nil:
			default:
				r.logger.Error().Err(err).Msg("cycle failed")
			}
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("cycle loop stopped")
			return
		case <-ticker.C:
		}
	}
}
