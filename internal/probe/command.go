package probe

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/jamesprial/raspi-doctor/internal/command"
	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

// run invokes name through r. Exit codes listed in tolerate are treated as
// answers rather than failures, since several tools report state via status.
func run(ctx context.Context, r command.Runner, probe string, tolerate []int, name string, args ...string) (command.Result, error) {
	res, err := r.Run(ctx, name, args...)
	if err == nil {
		return res, nil
	}
	var exitErr *command.ExitError
	if errors.As(err, &exitErr) && slices.Contains(tolerate, exitErr.ExitCode) {
		return res, nil
	}
	return res, fail(probe, name+" failed", err)
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// ping
// ---------------------------------------------------------------------------

// PingProbe measures reachability of one host with ping(8).
type PingProbe struct {
	base
	runner command.Runner
	host   string
	count  int
	wait   int
}

// NewPingProbe returns a ping probe for cfg.Host.
func NewPingProbe(runner command.Runner, cfg config.NetworkProbeConfig) *PingProbe {
	count, wait := cfg.Count, cfg.WaitSeconds
	if count < 1 {
		count = 1
	}
	if wait < 1 {
		wait = 1
	}
	return &PingProbe{
		base:   base{name: config.ProbePing, category: health.CategoryNetwork},
		runner: runner,
		host:   cfg.Host,
		count:  count,
		wait:   wait,
	}
}

// Sample implements Probe. Total packet loss (ping exit status 1) is a valid
// reading with reachable=0, not a failure.
func (p *PingProbe) Sample(ctx context.Context) (health.Observation, error) {
	res, err := run(ctx, p.runner, p.name, []int{1}, "ping",
		"-c", strconv.Itoa(p.count), "-W", strconv.Itoa(p.wait), p.host)
	if err != nil {
		return health.Observation{}, err
	}
	st, perr := ParsePing(res.Stdout)
	if perr != nil {
		return health.Observation{}, unparsable(p.name, "%v", perr)
	}

	obs := health.Observation{
		Metrics: map[string]float64{
			"network.reachable":       boolMetric(st.Received > 0),
			"network.packet_loss_pct": st.LossPercent,
		},
		Fields: map[string]string{"host": p.host},
	}
	if st.HasRTT {
		obs.Metrics["network.latency_ms"] = st.AvgRTTms
	}
	return obs, nil
}

// ---------------------------------------------------------------------------
// thermal
// ---------------------------------------------------------------------------

// ThermalProbe reads the SoC temperature from vcgencmd, falling back to the
// kernel thermal zone on boards without the VideoCore tools.
type ThermalProbe struct {
	base
	runner  command.Runner
	sysRoot string
}

// NewThermalProbe returns a thermal probe reading sysfs under sysRoot.
func NewThermalProbe(runner command.Runner, sysRoot string) *ThermalProbe {
	return &ThermalProbe{
		base:    base{name: config.ProbeThermal, category: health.CategoryHardware},
		runner:  runner,
		sysRoot: sysRoot,
	}
}

// Sample implements Probe.
func (p *ThermalProbe) Sample(ctx context.Context) (health.Observation, error) {
	res, err := run(ctx, p.runner, p.name, nil, "vcgencmd", "measure_temp")
	if err == nil {
		temp, perr := ParseVcgencmdTemp(res.Stdout)
		if perr == nil {
			return thermalObservation(temp, "vcgencmd"), nil
		}
		err = unparsable(p.name, "%v", perr)
	}
	if ctx.Err() != nil {
		return health.Observation{}, err
	}

	temp, serr := readThermalZone(p.sysRoot)
	if serr != nil {
		return health.Observation{}, fail(p.name, "no temperature source", errors.Join(err, serr))
	}
	return thermalObservation(temp, "sysfs"), nil
}

func thermalObservation(temp float64, source string) health.Observation {
	return health.Observation{
		Metrics: map[string]float64{"cpu.temp_c": temp},
		Fields:  map[string]string{"source": source},
	}
}

// ---------------------------------------------------------------------------
// throttle
// ---------------------------------------------------------------------------

// ThrottleProbe decodes the firmware throttling flags.
type ThrottleProbe struct {
	base
	runner command.Runner
}

// NewThrottleProbe returns a throttle probe.
func NewThrottleProbe(runner command.Runner) *ThrottleProbe {
	return &ThrottleProbe{
		base:   base{name: config.ProbeThrottle, category: health.CategoryHardware},
		runner: runner,
	}
}

// Sample implements Probe.
func (p *ThrottleProbe) Sample(ctx context.Context) (health.Observation, error) {
	res, err := run(ctx, p.runner, p.name, nil, "vcgencmd", "get_throttled")
	if err != nil {
		return health.Observation{}, err
	}
	mask, perr := ParseThrottled(res.Stdout)
	if perr != nil {
		return health.Observation{}, unparsable(p.name, "%v", perr)
	}
	return health.Observation{
		Metrics: map[string]float64{
			"power.throttled_mask":         float64(mask),
			"power.under_voltage_now":      boolMetric(mask&ThrottleUnderVoltageNow != 0),
			"power.freq_capped_now":        boolMetric(mask&ThrottleFreqCappedNow != 0),
			"power.throttled_now":          boolMetric(mask&ThrottleThrottledNow != 0),
			"power.soft_temp_limit_now":    boolMetric(mask&ThrottleSoftTempLimitNow != 0),
			"power.under_voltage_occurred": boolMetric(mask&ThrottleUnderVoltageOccurred != 0),
			"power.freq_capped_occurred":   boolMetric(mask&ThrottleFreqCappedOccurred != 0),
			"power.throttled_occurred":     boolMetric(mask&ThrottleThrottledOccurred != 0),
		},
		Fields: map[string]string{"throttled": fmt.Sprintf("0x%x", mask)},
	}, nil
}

// ---------------------------------------------------------------------------
// kernel
// ---------------------------------------------------------------------------

// KernelProbe counts thermal and voltage warnings in the kernel ring buffer.
type KernelProbe struct {
	base
	runner command.Runner
}

// NewKernelProbe returns a dmesg-backed probe.
func NewKernelProbe(runner command.Runner) *KernelProbe {
	return &KernelProbe{
		base:   base{name: config.ProbeKernel, category: health.CategoryHardware},
		runner: runner,
	}
}

// Sample implements Probe.
func (p *KernelProbe) Sample(ctx context.Context) (health.Observation, error) {
	res, err := run(ctx, p.runner, p.name, nil, "dmesg")
	if err != nil {
		return health.Observation{}, err
	}
	ev := CountKernelEvents(res.Stdout)
	return health.Observation{
		Metrics: map[string]float64{
			"kernel.thermal_events": float64(ev.Thermal),
			"kernel.voltage_events": float64(ev.Voltage),
		},
	}, nil
}

// ---------------------------------------------------------------------------
// systemd
// ---------------------------------------------------------------------------

// ServicesProbe reports the active state of a fixed list of units. Each unit
// state lands in the field "unit.<name>".
type ServicesProbe struct {
	base
	runner command.Runner
	units  []string
}

// NewServicesProbe returns a probe checking units.
func NewServicesProbe(runner command.Runner, units []string) *ServicesProbe {
	return &ServicesProbe{
		base:   base{name: config.ProbeServices, category: health.CategoryService},
		runner: runner,
		units:  slices.Clone(units),
	}
}

// Sample implements Probe.
func (p *ServicesProbe) Sample(ctx context.Context) (health.Observation, error) {
	args := append([]string{"is-active"}, p.units...)
	// is-active exits non-zero whenever any unit is not active.
	res, err := run(ctx, p.runner, p.name, []int{1, 2, 3, 4}, "systemctl", args...)
	if err != nil {
		return health.Observation{}, err
	}
	states, perr := ParseIsActive(p.units, res.Stdout)
	if perr != nil {
		return health.Observation{}, unparsable(p.name, "%v", perr)
	}

	obs := health.Observation{
		Metrics: map[string]float64{"services.total": float64(len(p.units))},
		Fields:  make(map[string]string, len(states)),
	}
	inactive := 0
	for _, u := range p.units {
		state := states[u]
		obs.Fields["unit."+u] = state
		if state != "active" {
			inactive++
		}
	}
	obs.Metrics["services.inactive"] = float64(inactive)
	return obs, nil
}

// FailedUnitsProbe lists every unit systemd considers failed.
type FailedUnitsProbe struct {
	base
	runner command.Runner
}

// NewFailedUnitsProbe returns a failed-units probe.
func NewFailedUnitsProbe(runner command.Runner) *FailedUnitsProbe {
	return &FailedUnitsProbe{
		base:   base{name: config.ProbeFailedUnits, category: health.CategoryService},
		runner: runner,
	}
}

// Sample implements Probe.
func (p *FailedUnitsProbe) Sample(ctx context.Context) (health.Observation, error) {
	res, err := run(ctx, p.runner, p.name, nil, "systemctl", "--failed", "--no-legend", "--plain")
	if err != nil {
		return health.Observation{}, err
	}
	order, states, perr := ParseFailedUnits(res.Stdout)
	if perr != nil {
		return health.Observation{}, unparsable(p.name, "%v", perr)
	}
	obs := health.Observation{
		Metrics: map[string]float64{"services.failed": float64(len(order))},
		Fields:  make(map[string]string, len(order)),
	}
	for _, u := range order {
		obs.Fields["failed."+u] = states[u]
	}
	return obs, nil
}

// ---------------------------------------------------------------------------
// apt
// ---------------------------------------------------------------------------

// UpdatesProbe counts pending package upgrades from the local apt cache. It
// does not refresh the cache.
type UpdatesProbe struct {
	base
	runner command.Runner
}

// NewUpdatesProbe returns an apt probe.
func NewUpdatesProbe(runner command.Runner) *UpdatesProbe {
	return &UpdatesProbe{
		base:   base{name: config.ProbeUpdates, category: health.CategorySecurity},
		runner: runner,
	}
}

// Sample implements Probe.
func (p *UpdatesProbe) Sample(ctx context.Context) (health.Observation, error) {
	res, err := run(ctx, p.runner, p.name, nil, "apt", "list", "--upgradable")
	if err != nil {
		return health.Observation{}, err
	}
	return health.Observation{
		Metrics: map[string]float64{"packages.upgradable": float64(CountUpgradable(res.Stdout))},
	}, nil
}
