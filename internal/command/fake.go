package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Response is a canned answer for FakeRunner.
type Response struct {
	Result Result
	Err    error
	// Delay simulates a slow command; ctx cancellation cuts it short.
	Delay time.Duration
}

// FakeRunner replays canned responses keyed by the full command line, or by
// the program name alone. Unknown programs behave like a missing binary.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     [][]string
}

// NewFakeRunner returns an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string]Response)}
}

var _ Runner = (*FakeRunner)(nil)

// On registers resp for a command line such as "systemctl is-active ssh" or
// a bare program name.
func (f *FakeRunner) On(cmdline string, resp Response) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = resp
	return f
}

// OnStdout is shorthand for a successful command printing out.
func (f *FakeRunner) OnStdout(cmdline, out string) *FakeRunner {
	return f.On(cmdline, Response{Result: Result{Stdout: out}})
}

// Calls returns a copy of every argv seen so far.
func (f *FakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount counts invocations whose joined argv equals cmdline.
func (f *FakeRunner) CallCount(cmdline string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Join(c, " ") == cmdline {
			n++
		}
	}
	return n
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	argv := append([]string{name}, args...)
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	resp, ok := f.responses[strings.Join(argv, " ")]
	if !ok {
		resp, ok = f.responses[name]
	}
	f.mu.Unlock()

	if !ok {
		return Result{ExitCode: -1}, fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return Result{ExitCode: -1}, fmt.Errorf("%s: %w", name, ctx.Err())
		}
	}
	return resp.Result, resp.Err
}
