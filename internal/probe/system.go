package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/health"
)

func ratio(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}

// ---------------------------------------------------------------------------
// memory
// ---------------------------------------------------------------------------

// MemoryProbe reports RAM and swap usage.
type MemoryProbe struct {
	base
	virtual func(context.Context) (*mem.VirtualMemoryStat, error)
	swap    func(context.Context) (*mem.SwapMemoryStat, error)
}

// NewMemoryProbe returns a memory probe backed by gopsutil.
func NewMemoryProbe() *MemoryProbe {
	return &MemoryProbe{
		base:    base{name: config.ProbeMemory, category: health.CategoryHardware},
		virtual: mem.VirtualMemoryWithContext,
		swap:    mem.SwapMemoryWithContext,
	}
}

// Sample implements Probe.
func (p *MemoryProbe) Sample(ctx context.Context) (health.Observation, error) {
	vm, err := p.virtual(ctx)
	if err != nil {
		return health.Observation{}, fail(p.name, "read virtual memory", err)
	}
	if vm.Total == 0 {
		return health.Observation{}, unparsable(p.name, "total memory reported as 0")
	}
	obs := health.Observation{
		Metrics: map[string]float64{
			"memory.used":       float64(vm.Used),
			"memory.total":      float64(vm.Total),
			"memory.available":  float64(vm.Available),
			"memory.used_ratio": ratio(vm.Used, vm.Total),
		},
	}
	// A board without swap still yields a valid memory reading.
	if sw, err := p.swap(ctx); err == nil {
		obs.Metrics["swap.used"] = float64(sw.Used)
		obs.Metrics["swap.total"] = float64(sw.Total)
		obs.Metrics["swap.used_ratio"] = ratio(sw.Used, sw.Total)
	}
	return obs, nil
}

// ---------------------------------------------------------------------------
// disk
// ---------------------------------------------------------------------------

// DiskProbe reports usage of the filesystem holding path.
type DiskProbe struct {
	base
	path  string
	usage func(context.Context, string) (*disk.UsageStat, error)
}

// NewDiskProbe returns a disk probe for path.
func NewDiskProbe(path string) *DiskProbe {
	if path == "" {
		path = "/"
	}
	return &DiskProbe{
		base:  base{name: config.ProbeDisk, category: health.CategoryHardware},
		path:  path,
		usage: disk.UsageWithContext,
	}
}

// Sample implements Probe.
func (p *DiskProbe) Sample(ctx context.Context) (health.Observation, error) {
	u, err := p.usage(ctx, p.path)
	if err != nil {
		return health.Observation{}, fail(p.name, "stat "+p.path, err)
	}
	if u.Total == 0 {
		return health.Observation{}, unparsable(p.name, "filesystem %s reports size 0", p.path)
	}
	return health.Observation{
		Metrics: map[string]float64{
			"disk.used":       float64(u.Used),
			"disk.total":      float64(u.Total),
			"disk.free":       float64(u.Free),
			"disk.used_ratio": ratio(u.Used, u.Total),
		},
		Fields: map[string]string{"path": p.path, "fstype": u.Fstype},
	}, nil
}

// ---------------------------------------------------------------------------
// load
// ---------------------------------------------------------------------------

// LoadProbe reports load averages and instantaneous CPU utilisation.
type LoadProbe struct {
	base
	avg     func(context.Context) (*load.AvgStat, error)
	percent func(context.Context) ([]float64, error)
}

// NewLoadProbe returns a load probe backed by gopsutil.
func NewLoadProbe() *LoadProbe {
	return &LoadProbe{
		base: base{name: config.ProbeLoad, category: health.CategoryHardware},
		avg:  load.AvgWithContext,
		percent: func(ctx context.Context) ([]float64, error) {
			// Zero interval compares against the previous call.
			return cpu.PercentWithContext(ctx, 0, false)
		},
	}
}

// Sample implements Probe.
func (p *LoadProbe) Sample(ctx context.Context) (health.Observation, error) {
	a, err := p.avg(ctx)
	if err != nil {
		return health.Observation{}, fail(p.name, "read load average", err)
	}
	obs := health.Observation{
		Metrics: map[string]float64{
			"load.1":  a.Load1,
			"load.5":  a.Load5,
			"load.15": a.Load15,
		},
	}
	if pct, err := p.percent(ctx); err == nil && len(pct) == 1 {
		obs.Metrics["cpu.percent"] = pct[0]
	}
	return obs, nil
}

// ---------------------------------------------------------------------------
// sysfs temperature
// ---------------------------------------------------------------------------

// readThermalZone reads {sysRoot}/class/thermal/thermal_zone0/temp, falling
// back to the hottest {sysRoot}/class/hwmon/*/temp*_input sensor.
func readThermalZone(sysRoot string) (float64, error) {
	zone := filepath.Join(sysRoot, "class", "thermal", "thermal_zone0", "temp")
	data, err := os.ReadFile(zone)
	if err == nil {
		return ParseMillidegrees(string(data))
	}

	pattern := filepath.Join(sysRoot, "class", "hwmon", "*", "temp*_input")
	matches, gerr := filepath.Glob(pattern)
	if gerr != nil {
		return 0, fmt.Errorf("glob %s: %w", pattern, gerr)
	}
	sort.Strings(matches)
	var temps []float64
	for _, path := range matches {
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			continue
		}
		c, perr := ParseMillidegrees(string(raw))
		if perr != nil {
			continue
		}
		temps = append(temps, c)
	}
	if len(temps) == 0 {
		return 0, fmt.Errorf("read %s: %w", zone, err)
	}
	hottest := temps[0]
	for _, c := range temps[1:] {
		hottest = max(hottest, c)
	}
	return hottest, nil
}
