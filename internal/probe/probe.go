// Package probe wraps external health data sources (commands, log files and
// kernel counters) behind a uniform, failure-safe sampling interface.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/jamesprial/raspi-doctor/internal/health"
)

var (
	// ErrCommandNotFound means the probe's binary is not installed.
	ErrCommandNotFound = errors.New("command not found")

	// ErrSourceMissing means a log file or sysfs node does not exist.
	ErrSourceMissing = errors.New("source missing")

	// ErrUnparsable means the source answered but not in the expected format.
	ErrUnparsable = errors.New("unparsable output")
)

// Failure is the only error type a Probe returns. It names the probe and
// says why no reading could be produced.
type Failure struct {
	Probe  string
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", f.Probe, f.Reason, f.Err)
	}
	return fmt.Sprintf("probe %s: %s", f.Probe, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Probe samples exactly one external data source. Sample must not change the
// monitored system and must report problems as *Failure, never by panicking.
type Probe interface {
	Name() string
	Category() health.Category
	Sample(ctx context.Context) (health.Observation, error)
}

// fail builds a *Failure, classifying well-known causes so callers can use
// errors.Is against the package sentinels.
func fail(probe, reason string, err error) *Failure {
	switch {
	case err == nil:
	case errors.Is(err, exec.ErrNotFound):
		err = fmt.Errorf("%w: %w", ErrCommandNotFound, err)
	case errors.Is(err, os.ErrNotExist):
		err = fmt.Errorf("%w: %w", ErrSourceMissing, err)
	}
	return &Failure{Probe: probe, Reason: reason, Err: err}
}

// unparsable builds a *Failure wrapping ErrUnparsable.
func unparsable(probe, format string, args ...any) *Failure {
	return &Failure{
		Probe:  probe,
		Reason: "unexpected output",
		Err:    fmt.Errorf("%w: %s", ErrUnparsable, fmt.Sprintf(format, args...)),
	}
}

// base carries the identity every probe shares.
type base struct {
	name     string
	category health.Category
}

func (b base) Name() string              { return b.name }
func (b base) Category() health.Category { return b.category }
