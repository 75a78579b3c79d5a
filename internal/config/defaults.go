package config

import "time"

// Probe names accepted in probes.enabled and rule probe references.
const (
	ProbePing        = "ping"
	ProbeAuthLog     = "auth_log"
	ProbeFirewallLog = "firewall_log"
	ProbeThermal     = "thermal"
	ProbeThrottle    = "throttle"
	ProbeMemory      = "memory"
	ProbeDisk        = "disk"
	ProbeLoad        = "load"
	ProbeKernel      = "kernel"
	ProbeServices    = "services"
	ProbeFailedUnits = "failed_units"
	ProbeUpdates     = "updates"
)

// ProbeNames lists every probe the daemon knows how to build.
var ProbeNames = []string{
	ProbePing,
	ProbeAuthLog,
	ProbeFirewallLog,
	ProbeThermal,
	ProbeThrottle,
	ProbeMemory,
	ProbeDisk,
	ProbeLoad,
	ProbeKernel,
	ProbeServices,
	ProbeFailedUnits,
	ProbeUpdates,
}

// Rule kinds.
const (
	KindMetric    = "metric"
	KindWindow    = "window"
	KindTopSource = "top_source"
	KindUnitState = "unit_state"
)

// DefaultConfig returns a new Config populated with the stock Raspberry Pi
// thresholds and action table. Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8010",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Paths: PathsConfig{
			LogDir:      "/var/log/ai_health",
			AuthLog:     "/var/log/auth.log",
			FirewallLog: "/var/log/ufw.log",
			Sys:         "/sys",
		},
		Cycle: CycleConfig{
			Interval:      5 * time.Minute,
			ProbeTimeout:  20 * time.Second,
			ActionTimeout: 2 * time.Minute,
			HistoryWindow: 12,
		},
		Probes: ProbesConfig{
			Enabled: append([]string(nil), ProbeNames...),
			Network: NetworkProbeConfig{
				Host:        "8.8.8.8",
				Count:       3,
				WaitSeconds: 2,
			},
			Services:  []string{"ssh", "cron", "ufw"},
			DiskPath:  "/",
			TailBytes: 120000,
		},
		Thresholds: defaultRules(),
		Actions:    defaultActions(),
		Overrides:  defaultOverrides(),
		Safety: SafetyConfig{
			IPs: ResourceFilter{
				Denylist: []string{"127.*", "192.168.*", "10.*"},
			},
		},
		Knowledge: KnowledgeConfig{
			Enabled:       true,
			DBPath:        "/var/log/ai_health/knowledge.db",
			RetentionDays: 90,
		},
		Notify: NotifyConfig{
			SubjectPrefix: "raspi.doctor",
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/var/log/ai_health/mcp-audit.log",
		},
	}
}

func defaultRules() []Rule {
	return []Rule{
		{Name: "network_unreachable", Kind: KindMetric, Metric: "network.reachable", Op: "==", Limit: 0},
		{Name: "packet_loss_high", Kind: KindMetric, Metric: "network.packet_loss_pct", Op: ">", Limit: 5},
		{Name: "latency_high", Kind: KindMetric, Metric: "network.latency_ms", Op: ">", Limit: 100},
		{Name: "failed_login_burst", Kind: KindWindow, Metric: "auth.failed_logins", Aggregate: "sum", Window: 6, Op: ">=", Limit: 10},
		{Name: "suspicious_ip", Kind: KindTopSource, Probe: ProbeAuthLog, Window: 12, Op: ">=", Limit: 20, Action: "ban_ip"},
		{Name: "cpu_temp_high", Kind: KindMetric, Metric: "cpu.temp_c", Op: ">", Limit: 75, Action: "throttle_cpu"},
		{Name: "memory_high", Kind: KindMetric, Metric: "memory.used", Per: "memory.total", Op: ">=", Limit: 0.80, Action: "drop_caches"},
		{Name: "disk_high", Kind: KindMetric, Metric: "disk.used_ratio", Op: ">=", Limit: 0.90, Action: "clean_logs"},
		{Name: "load_high", Kind: KindMetric, Metric: "load.15", Op: ">", Limit: 3},
		{Name: "under_voltage", Kind: KindMetric, Metric: "power.under_voltage_now", Op: "==", Limit: 1},
		{Name: "service_down", Kind: KindUnitState, Probe: ProbeServices, FieldPrefix: "unit.", HealthyStates: []string{"active"}, Action: "restart_service"},
		{Name: "unit_failed", Kind: KindUnitState, Probe: ProbeFailedUnits, FieldPrefix: "failed.", HealthyStates: []string{"active"}, Action: "restart_service"},
		{Name: "packages_outdated", Kind: KindMetric, Metric: "packages.upgradable", Op: ">", Limit: 0, Action: "upgrade_packages"},
	}
}

// unitDiagnostics captures what systemd knows about a unit before it is
// touched.
func unitDiagnostics() [][]string {
	return [][]string{
		{"systemctl", "status", "--no-pager", "--lines=0", "{subject}"},
		{"journalctl", "-u", "{subject}", "--no-pager", "-n", "20"},
	}
}

func defaultActions() []ActionConfig {
	return []ActionConfig{
		{Name: "restart_service", Command: []string{"systemctl", "restart", "{subject}"}, Diagnostics: unitDiagnostics(), Timeout: time.Minute},
		{Name: "stop_service", Command: []string{"systemctl", "stop", "{subject}"}, Diagnostics: unitDiagnostics(), Timeout: time.Minute},
		{Name: "disable_service", Command: []string{"systemctl", "mask", "--now", "{subject}"}, Diagnostics: unitDiagnostics(), Timeout: time.Minute, Destructive: true},
		{Name: "drop_caches", Command: []string{"sh", "-c", "sync; echo 3 > /proc/sys/vm/drop_caches"}, Destructive: true},
		{Name: "upgrade_packages", Command: []string{"apt-get", "-y", "upgrade"}, Timeout: 30 * time.Minute, Destructive: true},
		{Name: "ban_ip", Command: []string{"ufw", "deny", "from", "{subject}"}, Destructive: true},
		{Name: "throttle_cpu", Command: []string{"sh", "-c", "echo powersave > /sys/devices/system/cpu/cpu0/cpufreq/scaling_governor"}},
		{Name: "clean_logs", Command: []string{"find", "/var/log", "-name", "*.log", "-mtime", "+7", "-delete"}, Destructive: true},
	}
}

// defaultOverrides lists units that misbehave on a Raspberry Pi and are
// better left off than restarted in a loop.
func defaultOverrides() []UnitOverride {
	return []UnitOverride{
		{Unit: "rng-tools*", Action: "disable_service", Reason: "no hardware RNG on this board"},
		{Unit: "avahi-daemon*", Action: "stop_service", Reason: "often conflicts with the Pi network stack"},
		{Unit: "bluetooth*", Action: "stop_service", Reason: "rarely needed and costly to keep retrying"},
	}
}
