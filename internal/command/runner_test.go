package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ExecRunner_Run_Cases(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		args     []string
		timeout  time.Duration
		wantCode int
		check    func(t *testing.T, res Result, err error)
	}{
		{
			name:     "successful command captures stdout",
			cmd:      "sh",
			args:     []string{"-c", "echo hello"},
			timeout:  5 * time.Second,
			wantCode: 0,
			check: func(t *testing.T, res Result, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.Equal(t, "hello\n", res.Stdout)
			},
		},
		{
			name:     "non-zero exit returns ExitError",
			cmd:      "sh",
			args:     []string{"-c", "echo boom >&2; exit 3"},
			timeout:  5 * time.Second,
			wantCode: 3,
			check: func(t *testing.T, res Result, err error) {
				t.Helper()
				var exitErr *ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, 3, exitErr.ExitCode)
				assert.Contains(t, exitErr.Error(), "boom")
				assert.Equal(t, "boom\n", res.Stderr)
			},
		},
		{
			name:     "missing binary wraps exec.ErrNotFound",
			cmd:      "definitely-not-a-real-binary-xyz",
			timeout:  5 * time.Second,
			wantCode: -1,
			check: func(t *testing.T, _ Result, err error) {
				t.Helper()
				assert.True(t, errors.Is(err, exec.ErrNotFound), "got %v", err)
			},
		},
		{
			name:     "timeout wraps DeadlineExceeded",
			cmd:      "sleep",
			args:     []string{"5"},
			timeout:  100 * time.Millisecond,
			wantCode: -1,
			check: func(t *testing.T, res Result, err error) {
				t.Helper()
				assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
				assert.Less(t, res.Duration, 4*time.Second)
			},
		},
	}

	r := NewExecRunner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			res, err := r.Run(ctx, tt.cmd, tt.args...)
			assert.Equal(t, tt.wantCode, res.ExitCode)
			tt.check(t, res, err)
		})
	}
}

func Test_cappedBuffer_KeepsTail(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
		want   string
	}{
		{name: "under limit", writes: []string{"ab", "c"}, want: "abc"},
		{name: "single oversized write", writes: []string{"abcdef"}, want: "cdef"},
		{name: "overflow across writes", writes: []string{"abc", "de", "f"}, want: "cdef"},
		{name: "oversized after buffered", writes: []string{"ab", "cdefgh"}, want: "efgh"},
		{name: "exact limit", writes: []string{"ab", "cd"}, want: "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := cappedBuffer{limit: 4}
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				require.NoError(t, err)
				assert.Equal(t, len(w), n)
			}
			assert.Equal(t, tt.want, b.String())
		})
	}
}

func Test_ExecRunner_Run_KeepsEndOfLongOutput(t *testing.T) {
	r := NewExecRunner()
	res, err := r.Run(context.Background(), "sh", "-c", fmt.Sprintf("head -c %d /dev/zero | tr '\\0' x; echo; echo failed: disk full", maxOutput))
	require.NoError(t, err)
	assert.Len(t, res.Stdout, maxOutput)
	assert.True(t, strings.HasSuffix(res.Stdout, "failed: disk full\n"))
}

func Test_trimOutput_Truncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := trimOutput("  " + long + "\n")
	assert.Len(t, got, 203)
	assert.True(t, strings.HasSuffix(got, "..."))
}
