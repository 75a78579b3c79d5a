// Package command runs external programs with a bounded execution time and
// captures their output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// maxOutput caps captured stdout/stderr per stream.
const maxOutput = 256 * 1024

// Result holds what an invocation produced.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
}

// Runner executes a program. Implementations must honour ctx cancellation
// and deadline.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs programs as local child processes.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed on timeout.
	WaitDelay time.Duration
}

// NewExecRunner returns an ExecRunner with a short pipe wait delay.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 2 * time.Second}
}

var _ Runner = (*ExecRunner)(nil)

// Run executes name with args. A missing binary yields an error wrapping
// exec.ErrNotFound, a deadline yields one wrapping context.DeadlineExceeded
// and a non-zero exit yields *ExitError alongside the populated Result.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if _, err := exec.LookPath(name); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}

	var stdout, stderr cappedBuffer
	stdout.limit, stderr.limit = maxOutput, maxOutput

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.WaitDelay

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", name, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Name: name, ExitCode: res.ExitCode, Stderr: trimOutput(res.Stderr)}
		}
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", name, err)
	}

	return res, nil
}

// cappedBuffer keeps the last limit bytes written while still reporting
// success so the child process is never blocked on a full pipe. The end of
// the output is where failures are reported.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return len(p), nil
	}
	if len(p) >= b.limit {
		b.buf.Reset()
		b.buf.Write(p[len(p)-b.limit:])
		return len(p), nil
	}
	if over := b.buf.Len() + len(p) - b.limit; over > 0 {
		b.buf.Next(over)
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// trimOutput keeps the first line-ish portion of output for error messages.
func trimOutput(s string) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
