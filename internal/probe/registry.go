package probe

import (
	"fmt"
	"path/filepath"

	"github.com/jamesprial/raspi-doctor/internal/command"
	"github.com/jamesprial/raspi-doctor/internal/config"
)

// Build constructs the enabled probes in configured order. Log probes keep
// their positions in the log directory, shared with later processes.
func Build(cfg *config.Config, runner command.Runner) ([]Probe, error) {
	tails := NewFileTailState(filepath.Join(cfg.Paths.LogDir, TailStateFile))
	probes := make([]Probe, 0, len(cfg.Probes.Enabled))
	for _, name := range cfg.Probes.Enabled {
		var p Probe
		switch name {
		case config.ProbePing:
			p = NewPingProbe(runner, cfg.Probes.Network)
		case config.ProbeAuthLog:
			p = NewAuthLogProbe(cfg.Paths.AuthLog, cfg.Probes.TailBytes, tails)
		case config.ProbeFirewallLog:
			p = NewFirewallLogProbe(cfg.Paths.FirewallLog, cfg.Probes.TailBytes, tails)
		case config.ProbeThermal:
			p = NewThermalProbe(runner, cfg.Paths.Sys)
		case config.ProbeThrottle:
			p = NewThrottleProbe(runner)
		case config.ProbeMemory:
			p = NewMemoryProbe()
		case config.ProbeDisk:
			p = NewDiskProbe(cfg.Probes.DiskPath)
		case config.ProbeLoad:
			p = NewLoadProbe()
		case config.ProbeKernel:
			p = NewKernelProbe(runner)
		case config.ProbeServices:
			p = NewServicesProbe(runner, cfg.Probes.Services)
		case config.ProbeFailedUnits:
			p = NewFailedUnitsProbe(runner)
		case config.ProbeUpdates:
			p = NewUpdatesProbe(runner)
		default:
			return nil, fmt.Errorf("unknown probe %q", name)
		}
		probes = append(probes, p)
	}
	return probes, nil
}
