package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

// maxReadPerSample bounds how much of a fast-growing log one sample reads.
const maxReadPerSample = 8 << 20

// tailReader returns lines appended to a log file since the previous call,
// resuming from the position kept in its TailState. Without a saved
// position it starts tailBytes before the end of the file; with a saved
// position it cannot read, it starts at the end. Rotation (a different
// inode at the path) and truncation restart from the beginning. Only
// complete lines are consumed; a partially written last line is left for
// the next call.
type tailReader struct {
	path      string
	tailBytes int64
	state     TailState

	mu sync.Mutex
}

func newTailReader(path string, tailBytes int64, state TailState) *tailReader {
	if tailBytes <= 0 {
		tailBytes = 64 * 1024
	}
	if state == nil {
		state = newMemoryTailState()
	}
	return &tailReader{path: path, tailBytes: tailBytes, state: state}
}

func (t *tailReader) readNew(ctx context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", t.path, err)
	}
	size := fi.Size()
	dev, ino := fileID(fi)

	pos, known, loadErr := t.state.Load(t.path)
	start := pos.Offset
	resync := false
	switch {
	case loadErr != nil:
		start = size
	case !known:
		start, resync = max(0, size-t.tailBytes), true
	case pos.Dev != dev || pos.Inode != ino, size < pos.Offset:
		start = 0
	}
	if size-start > maxReadPerSample {
		start, resync = size-maxReadPerSample, true
	}
	// Begin one byte early so a start that lands exactly after a newline
	// does not drop a whole line during resync.
	if resync && start > 0 {
		start--
	} else {
		resync = false
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, size-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s: %w", t.path, err)
	}
	buf = buf[:n]

	consumed := int64(0)
	if resync {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			buf = nil
		} else {
			buf = buf[i+1:]
			consumed = int64(i + 1)
		}
	}
	last := bytes.LastIndexByte(buf, '\n')
	var lines []string
	if last >= 0 {
		for _, line := range bytes.Split(buf[:last], []byte{'\n'}) {
			if len(line) > 0 {
				lines = append(lines, string(line))
			}
		}
		consumed += int64(last + 1)
	}

	next := TailPosition{Dev: dev, Inode: ino, Offset: start + consumed}
	if err := t.state.Save(t.path, next); err != nil {
		return nil, fmt.Errorf("save position of %s: %w", t.path, err)
	}
	return lines, nil
}

// ---------------------------------------------------------------------------
// auth.log
// ---------------------------------------------------------------------------

// AuthLogProbe counts SSH authentication failures appended to auth.log since
// the previous sample, tallied per source address.
type AuthLogProbe struct {
	base
	tail *tailReader
}

// NewAuthLogProbe returns a probe following path. A nil state keeps
// positions in memory only.
func NewAuthLogProbe(path string, tailBytes int64, state TailState) *AuthLogProbe {
	return &AuthLogProbe{
		base: base{name: config.ProbeAuthLog, category: health.CategorySecurity},
		tail: newTailReader(path, tailBytes, state),
	}
}

// Sample implements Probe.
func (p *AuthLogProbe) Sample(ctx context.Context) (health.Observation, error) {
	lines, err := p.tail.readNew(ctx)
	if err != nil {
		return health.Observation{}, fail(p.name, "read "+p.tail.path, err)
	}
	s := SummarizeAuthLog(lines)
	return health.Observation{
		Metrics: map[string]float64{
			"auth.failed_logins": float64(s.FailedLogins),
			"auth.invalid_users": float64(s.InvalidUsers),
			"auth.lines_read":    float64(len(lines)),
		},
		Tallies: s.Sources,
	}, nil
}

// ---------------------------------------------------------------------------
// ufw.log
// ---------------------------------------------------------------------------

// FirewallLogProbe counts packets blocked by ufw since the previous sample.
type FirewallLogProbe struct {
	base
	tail *tailReader
}

// NewFirewallLogProbe returns a probe following path. A nil state keeps
// positions in memory only.
func NewFirewallLogProbe(path string, tailBytes int64, state TailState) *FirewallLogProbe {
	return &FirewallLogProbe{
		base: base{name: config.ProbeFirewallLog, category: health.CategorySecurity},
		tail: newTailReader(path, tailBytes, state),
	}
}

// Sample implements Probe.
func (p *FirewallLogProbe) Sample(ctx context.Context) (health.Observation, error) {
	lines, err := p.tail.readNew(ctx)
	if err != nil {
		return health.Observation{}, fail(p.name, "read "+p.tail.path, err)
	}
	s := SummarizeFirewallLog(lines)
	return health.Observation{
		Metrics: map[string]float64{
			"firewall.blocked_packets": float64(s.Blocked),
			"firewall.lines_read":      float64(len(lines)),
		},
		Tallies: s.Sources,
	}, nil
}
