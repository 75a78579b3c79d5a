// Package report answers read-only questions about the monitored host from
// the journal, the unit tracker and the knowledge store, and exposes them as
// MCP tools.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jamesprial/raspi-doctor/internal/cycle"
	"github.com/jamesprial/raspi-doctor/internal/health"
	"github.com/jamesprial/raspi-doctor/internal/journal"
	"github.com/jamesprial/raspi-doctor/internal/knowledge"
	"github.com/jamesprial/raspi-doctor/internal/remediate"
)

// Query bounds.
const (
	DefaultHistoryWindow = 12
	MaxHistoryWindow     = 1000
	DefaultActionLimit   = 20
	MaxActionLimit       = 500
	DefaultTrendHours    = 72
	MaxTrendHours        = 24 * 90
)

var (
	// ErrNotFound means the category has no readings yet.
	ErrNotFound = errors.New("no readings recorded")

	// ErrUnavailable means the backing component is not running in this
	// process, such as the knowledge store when disabled or cycles in
	// serve mode.
	ErrUnavailable = errors.New("not available")
)

// Journal is the read side of the append-only logs.
type Journal interface {
	Latest(cat health.Category) (health.Reading, bool, error)
	History(cat health.Category, n int) ([]health.Reading, error)
	RecentActions(limit int) ([]health.Action, error)
}

var _ Journal = (*journal.Store)(nil)

// Knowledge is the read side of the long-term store.
type Knowledge interface {
	SuccessRate(ctx context.Context, action string) (float64, int, error)
	Trend(ctx context.Context, metric string, since time.Time) (knowledge.Trend, error)
}

var _ Knowledge = (*knowledge.Store)(nil)

// CycleRunner runs an on-demand cycle.
type CycleRunner interface {
	RunOnce(ctx context.Context) (*cycle.Report, error)
}

var _ CycleRunner = (*cycle.Runner)(nil)

// ActionTrigger runs a single named action on request.
type ActionTrigger interface {
	Trigger(ctx context.Context, name, subject string) (health.Action, error)
}

var _ ActionTrigger = (*cycle.Runner)(nil)

// UnitSource lists tracked units.
type UnitSource interface {
	Snapshot() []remediate.UnitStatus
}

var (
	_ UnitSource = (*remediate.UnitTracker)(nil)
	_ UnitSource = (*remediate.UnitFile)(nil)
)

// SuccessRate is the recorded success share of one action.
type SuccessRate struct {
	Action string  `json:"action"`
	Rate   float64 `json:"rate"`
	Total  int     `json:"total"`
}

// Options wires optional collaborators into a Service.
type Options struct {
	Tracker   UnitSource
	Knowledge Knowledge
	Cycles    CycleRunner
	Actions   ActionTrigger
}

// Service is the query layer shared by the HTTP API and MCP tools.
type Service struct {
	journal Journal
	opts    Options
	now     func() time.Time
}

// NewService returns a Service over j.
func NewService(j Journal, opts Options) *Service {
	return &Service{journal: j, opts: opts, now: time.Now}
}

// ParseCategory validates a category name from a request.
func ParseCategory(name string) (health.Category, error) {
	cat, err := health.ParseCategory(name)
	if err != nil {
		return "", fmt.Errorf("%w %q", journal.ErrUnknownCategory, name)
	}
	return cat, nil
}

// Latest returns the most recent reading in category.
func (s *Service) Latest(category string) (health.Reading, error) {
	cat, err := ParseCategory(category)
	if err != nil {
		return health.Reading{}, err
	}
	r, ok, err := s.journal.Latest(cat)
	if err != nil {
		return health.Reading{}, fmt.Errorf("read %s journal: %w", cat, err)
	}
	if !ok {
		return health.Reading{}, fmt.Errorf("%w in %s", ErrNotFound, cat)
	}
	return r, nil
}

// History returns up to window readings of category, oldest first.
func (s *Service) History(category string, window int) ([]health.Reading, error) {
	cat, err := ParseCategory(category)
	if err != nil {
		return nil, err
	}
	window = clamp(window, DefaultHistoryWindow, MaxHistoryWindow)
	rs, err := s.journal.History(cat, window)
	if err != nil {
		return nil, fmt.Errorf("read %s journal: %w", cat, err)
	}
	if rs == nil {
		rs = []health.Reading{}
	}
	return rs, nil
}

// RecentActions returns up to limit actions, oldest first.
func (s *Service) RecentActions(limit int) ([]health.Action, error) {
	limit = clamp(limit, DefaultActionLimit, MaxActionLimit)
	acts, err := s.journal.RecentActions(limit)
	if err != nil {
		return nil, fmt.Errorf("read action journal: %w", err)
	}
	if acts == nil {
		acts = []health.Action{}
	}
	return acts, nil
}

// Units returns the lifecycle state of every tracked unit.
func (s *Service) Units() []remediate.UnitStatus {
	if s.opts.Tracker == nil {
		return []remediate.UnitStatus{}
	}
	return s.opts.Tracker.Snapshot()
}

// SuccessRate reports how often action has succeeded.
func (s *Service) SuccessRate(ctx context.Context, action string) (SuccessRate, error) {
	if s.opts.Knowledge == nil {
		return SuccessRate{}, fmt.Errorf("knowledge store %w", ErrUnavailable)
	}
	rate, total, err := s.opts.Knowledge.SuccessRate(ctx, action)
	if err != nil {
		return SuccessRate{}, err
	}
	return SuccessRate{Action: action, Rate: rate, Total: total}, nil
}

// Trend summarises metric over the last hours.
func (s *Service) Trend(ctx context.Context, metric string, hours int) (knowledge.Trend, error) {
	if s.opts.Knowledge == nil {
		return knowledge.Trend{}, fmt.Errorf("knowledge store %w", ErrUnavailable)
	}
	hours = clamp(hours, DefaultTrendHours, MaxTrendHours)
	since := s.now().Add(-time.Duration(hours) * time.Hour)
	return s.opts.Knowledge.Trend(ctx, metric, since)
}

// RunCycle runs one cycle now.
func (s *Service) RunCycle(ctx context.Context) (*cycle.Report, error) {
	if s.opts.Cycles == nil {
		return nil, fmt.Errorf("cycle runner %w", ErrUnavailable)
	}
	return s.opts.Cycles.RunOnce(ctx)
}

// TriggerAction runs the named action against subject on request.
func (s *Service) TriggerAction(ctx context.Context, name, subject string) (health.Action, error) {
	if s.opts.Actions == nil {
		return health.Action{}, fmt.Errorf("remediator %w", ErrUnavailable)
	}
	return s.opts.Actions.Trigger(ctx, name, subject)
}

// clamp applies def to non-positive n and caps it at hi.
func clamp(n, def, hi int) int {
	if n <= 0 {
		return def
	}
	return min(n, hi)
}
