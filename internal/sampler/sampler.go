// Package sampler runs every enabled probe once per cycle and turns their
// results into timestamped readings.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jamesprial/raspi-doctor/internal/health"
	"github.com/jamesprial/raspi-doctor/internal/probe"
)

// ReadingWriter persists readings.
type ReadingWriter interface {
	AppendReading(health.Reading) error
}

// Sampler fans out to its probes and waits for all of them.
type Sampler struct {
	probes  []probe.Probe
	timeout time.Duration
	writer  ReadingWriter
	logger  zerolog.Logger
}

// New returns a Sampler. writer may be nil, in which case readings are only
// returned.
func New(probes []probe.Probe, timeout time.Duration, writer ReadingWriter, logger zerolog.Logger) *Sampler {
	return &Sampler{
		probes:  probes,
		timeout: timeout,
		writer:  writer,
		logger:  logger.With().Str("component", "sampler").Logger(),
	}
}

// Probes returns the probes in sampling order.
func (s *Sampler) Probes() []probe.Probe {
	return s.probes
}

// RunCycle samples every probe concurrently and returns one reading per
// probe in configured order. Every reading carries now as its timestamp,
// whichever probe finished first. A probe that errors, panics or overruns
// its timeout yields a failed reading; RunCycle itself never fails.
func (s *Sampler) RunCycle(ctx context.Context, cycleID string, now time.Time) []health.Reading {
	readings := make([]health.Reading, len(s.probes))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range s.probes {
		g.Go(func() error {
			readings[i] = s.sample(gctx, p, cycleID, now)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range readings {
		s.logReading(r)
		if s.writer == nil {
			continue
		}
		if err := s.writer.AppendReading(r); err != nil {
			s.logger.Error().Err(err).
				Str("cycle_id", cycleID).
				Str("probe", r.Probe).
				Msg("failed to append reading")
		}
	}
	return readings
}

type outcome struct {
	obs health.Observation
	err error
}

func (s *Sampler) sample(ctx context.Context, p probe.Probe, cycleID string, now time.Time) health.Reading {
	r := health.Reading{
		CycleID:   cycleID,
		Probe:     p.Name(),
		Category:  p.Category(),
		Timestamp: now,
	}

	pctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// Buffered so a probe that ignores ctx can still finish and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error().
					Str("probe", p.Name()).
					Interface("panic", v).
					Str("stack", string(debug.Stack())).
					Msg("probe panicked")
				done <- outcome{err: &probe.Failure{Probe: p.Name(), Reason: "panic", Err: fmt.Errorf("%v", v)}}
			}
		}()
		obs, err := p.Sample(pctx)
		done <- outcome{obs: obs, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-pctx.Done():
		out.err = &probe.Failure{Probe: p.Name(), Reason: "timed out", Err: pctx.Err()}
	}

	if out.err != nil {
		r.Error = failureMessage(p.Name(), out.err)
		return r
	}
	r.Success = true
	r.Metrics = out.obs.Metrics
	r.Fields = out.obs.Fields
	r.Tallies = out.obs.Tallies
	return r
}

// failureMessage normalises any probe error into a *probe.Failure message.
func failureMessage(name string, err error) string {
	var f *probe.Failure
	if errors.As(err, &f) {
		return f.Error()
	}
	return (&probe.Failure{Probe: name, Reason: "error", Err: err}).Error()
}

func (s *Sampler) logReading(r health.Reading) {
	if r.Success {
		s.logger.Debug().
			Str("cycle_id", r.CycleID).
			Str("probe", r.Probe).
			Str("category", string(r.Category)).
			Int("metrics", len(r.Metrics)).
			Msg("probe sampled")
		return
	}
	s.logger.Warn().
		Str("cycle_id", r.CycleID).
		Str("probe", r.Probe).
		Str("category", string(r.Category)).
		Str("error", r.Error).
		Msg("probe failed")
}
