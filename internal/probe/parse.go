package probe

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jamesprial/raspi-doctor/internal/health"
)

// ---------------------------------------------------------------------------
// ping
// ---------------------------------------------------------------------------

// PingStats is the summary printed by ping(8).
type PingStats struct {
	Transmitted int
	Received    int
	LossPercent float64
	// AvgRTTms is zero and HasRTT false when no reply arrived.
	AvgRTTms float64
	HasRTT   bool
}

var (
	pingSummaryRe = regexp.MustCompile(`(\d+) packets transmitted, (\d+) (?:packets )?received,.*?([\d.]+)% packet loss`)
	pingRTTRe     = regexp.MustCompile(`(?:rtt|round-trip) min/avg/max(?:/mdev|/stddev)? = [\d.]+/([\d.]+)/`)
)

// ParsePing extracts the transmit/receive summary and average round trip from
// ping output (iputils and busybox formats).
func ParsePing(out string) (PingStats, error) {
	m := pingSummaryRe.FindStringSubmatch(out)
	if m == nil {
		return PingStats{}, fmt.Errorf("no packet summary line")
	}
	var st PingStats
	var err error
	if st.Transmitted, err = strconv.Atoi(m[1]); err != nil {
		return PingStats{}, fmt.Errorf("transmitted %q: %w", m[1], err)
	}
	if st.Received, err = strconv.Atoi(m[2]); err != nil {
		return PingStats{}, fmt.Errorf("received %q: %w", m[2], err)
	}
	if st.LossPercent, err = strconv.ParseFloat(m[3], 64); err != nil {
		return PingStats{}, fmt.Errorf("loss %q: %w", m[3], err)
	}
	if rtt := pingRTTRe.FindStringSubmatch(out); rtt != nil {
		avg, err := strconv.ParseFloat(rtt[1], 64)
		if err != nil {
			return PingStats{}, fmt.Errorf("rtt avg %q: %w", rtt[1], err)
		}
		st.AvgRTTms = avg
		st.HasRTT = true
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// vcgencmd
// ---------------------------------------------------------------------------

var tempRe = regexp.MustCompile(`^temp=(-?[\d.]+)'C$`)

// ParseVcgencmdTemp parses "temp=48.3'C".
func ParseVcgencmdTemp(out string) (float64, error) {
	m := tempRe.FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return 0, fmt.Errorf("want temp=N'C, got %q", strings.TrimSpace(out))
	}
	return strconv.ParseFloat(m[1], 64)
}

// ParseMillidegrees parses a sysfs thermal_zone temp value.
func ParseMillidegrees(out string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, err
	}
	return v / 1000.0, nil
}

// Throttle bits reported by "vcgencmd get_throttled".
const (
	ThrottleUnderVoltageNow      = 1 << 0
	ThrottleFreqCappedNow        = 1 << 1
	ThrottleThrottledNow         = 1 << 2
	ThrottleSoftTempLimitNow     = 1 << 3
	ThrottleUnderVoltageOccurred = 1 << 16
	ThrottleFreqCappedOccurred   = 1 << 17
	ThrottleThrottledOccurred    = 1 << 18
)

// ParseThrottled parses "throttled=0x50005" into its bitmask.
func ParseThrottled(out string) (uint64, error) {
	s := strings.TrimSpace(out)
	v, ok := strings.CutPrefix(s, "throttled=")
	if !ok {
		return 0, fmt.Errorf("want throttled=0x..., got %q", s)
	}
	return strconv.ParseUint(v, 0, 64)
}

// ---------------------------------------------------------------------------
// systemctl
// ---------------------------------------------------------------------------

// ParseIsActive maps "systemctl is-active u1 u2 ..." output, one state per
// line in argument order, onto the unit names.
func ParseIsActive(units []string, out string) (map[string]string, error) {
	lines := nonEmptyLines(out)
	if len(lines) != len(units) {
		return nil, fmt.Errorf("got %d states for %d units", len(lines), len(units))
	}
	states := make(map[string]string, len(units))
	for i, u := range units {
		state := strings.TrimSpace(lines[i])
		if strings.ContainsAny(state, " \t") {
			return nil, fmt.Errorf("unexpected state line %q", state)
		}
		states[u] = state
	}
	return states, nil
}

// ParseFailedUnits reads "systemctl --failed --no-legend --plain" rows and
// returns unit name to active state, in listed order.
func ParseFailedUnits(out string) ([]string, map[string]string, error) {
	var order []string
	states := make(map[string]string)
	for _, line := range nonEmptyLines(out) {
		fields := strings.Fields(line)
		// Older systemd prefixes failed rows with a bullet.
		if len(fields) > 0 && (fields[0] == "●" || fields[0] == "*") {
			fields = fields[1:]
		}
		if len(fields) < 4 {
			return nil, nil, fmt.Errorf("short unit row %q", line)
		}
		unit, active := fields[0], fields[2]
		if _, dup := states[unit]; !dup {
			order = append(order, unit)
		}
		states[unit] = active
	}
	return order, states, nil
}

// ---------------------------------------------------------------------------
// apt
// ---------------------------------------------------------------------------

// CountUpgradable counts package rows in "apt list --upgradable" output.
func CountUpgradable(out string) int {
	n := 0
	for _, line := range nonEmptyLines(out) {
		if strings.Contains(line, "[upgradable from:") {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// dmesg
// ---------------------------------------------------------------------------

var (
	kernelThermalRe = regexp.MustCompile(`(?i)thermal|throttl`)
	kernelVoltageRe = regexp.MustCompile(`(?i)under-?voltage|voltage normali[sz]ed`)
)

// KernelEvents counts thermal/throttle and voltage lines in dmesg output.
type KernelEvents struct {
	Thermal int
	Voltage int
}

// CountKernelEvents scans dmesg output.
func CountKernelEvents(out string) KernelEvents {
	var ev KernelEvents
	for _, line := range nonEmptyLines(out) {
		if kernelThermalRe.MatchString(line) {
			ev.Thermal++
		}
		if kernelVoltageRe.MatchString(line) {
			ev.Voltage++
		}
	}
	return ev
}

// ---------------------------------------------------------------------------
// auth.log / ufw.log
// ---------------------------------------------------------------------------

var (
	failedPasswordRe = regexp.MustCompile(`Failed password for (?:invalid user )?\S+ from (\S+) port \d+`)
	invalidUserRe    = regexp.MustCompile(`\bInvalid user \S* ?from (\S+)`)
	ufwBlockSrcRe    = regexp.MustCompile(`\[UFW BLOCK\].*?\bSRC=(\S+)`)
)

// AuthSummary is what one batch of auth.log lines says about SSH attacks.
type AuthSummary struct {
	FailedLogins int
	InvalidUsers int
	// Sources tallies failed password attempts per source address, ordered
	// by first appearance.
	Sources []health.Tally
}

// SummarizeAuthLog counts failed password and invalid user lines.
func SummarizeAuthLog(lines []string) AuthSummary {
	var s AuthSummary
	t := newTallier()
	for _, line := range lines {
		if m := failedPasswordRe.FindStringSubmatch(line); m != nil {
			s.FailedLogins++
			t.add(m[1])
			continue
		}
		if invalidUserRe.MatchString(line) {
			s.InvalidUsers++
		}
	}
	s.Sources = t.tallies()
	return s
}

// FirewallSummary is what one batch of ufw.log lines says about blocks.
type FirewallSummary struct {
	Blocked int
	Sources []health.Tally
}

// SummarizeFirewallLog counts [UFW BLOCK] lines per source address.
func SummarizeFirewallLog(lines []string) FirewallSummary {
	var s FirewallSummary
	t := newTallier()
	for _, line := range lines {
		if m := ufwBlockSrcRe.FindStringSubmatch(line); m != nil {
			s.Blocked++
			t.add(m[1])
		}
	}
	s.Sources = t.tallies()
	return s
}

// tallier counts keys while remembering first-appearance order.
type tallier struct {
	index map[string]int
	out   []health.Tally
}

func newTallier() *tallier {
	return &tallier{index: make(map[string]int)}
}

func (t *tallier) add(key string) {
	if i, ok := t.index[key]; ok {
		t.out[i].Count++
		return
	}
	t.index[key] = len(t.out)
	t.out = append(t.out, health.Tally{Key: key, Count: 1})
}

func (t *tallier) tallies() []health.Tally {
	return t.out
}

func nonEmptyLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
