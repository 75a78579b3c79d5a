package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/jamesprial/raspi-doctor/internal/api"
	"github.com/jamesprial/raspi-doctor/internal/command"
	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/cycle"
	"github.com/jamesprial/raspi-doctor/internal/evaluate"
	"github.com/jamesprial/raspi-doctor/internal/journal"
	"github.com/jamesprial/raspi-doctor/internal/knowledge"
	"github.com/jamesprial/raspi-doctor/internal/logging"
	"github.com/jamesprial/raspi-doctor/internal/notify"
	"github.com/jamesprial/raspi-doctor/internal/probe"
	"github.com/jamesprial/raspi-doctor/internal/remediate"
	"github.com/jamesprial/raspi-doctor/internal/report"
	"github.com/jamesprial/raspi-doctor/internal/safety"
	"github.com/jamesprial/raspi-doctor/internal/sampler"
	"github.com/jamesprial/raspi-doctor/internal/tools"
)

const defaultConfigPath = "/etc/raspi-doctor/config.yaml"

// seedActions is how many past actions are read to restore cooldowns.
const seedActions = 1000

// loadConfig resolves the config path, reads it on top of the defaults,
// applies environment overrides and validates the result. A missing file
// means defaults; anything else that goes wrong is fatal.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = os.Getenv("RASPI_DOCTOR_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	source := path
	cfg, err := config.LoadConfig(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.DefaultConfig()
		source = "defaults"
	case err != nil:
		return nil, path, err
	}

	config.ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, source, err
	}
	return cfg, source, nil
}

// daemon holds every long-lived component. runner and remediator are nil
// for the read-only server.
type daemon struct {
	cfg        *config.Config
	logger     zerolog.Logger
	journal    *journal.Store
	knowledge  *knowledge.Store
	publisher  *notify.Publisher
	remediator *remediate.Remediator
	runner     *cycle.Runner
	audit      *safety.AuditLogger
	closers    []io.Closer
}

func build(cfg *config.Config, withCycles bool) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logging.Logger}

	j, err := journal.Open(cfg.Paths.LogDir)
	if err != nil {
		return nil, err
	}
	d.journal = j
	d.closers = append(d.closers, j)

	if cfg.Knowledge.Enabled {
		k, err := knowledge.Open(cfg.Knowledge.DBPath)
		if err != nil {
			logging.Warn().Err(err).Str("path", cfg.Knowledge.DBPath).Msg("knowledge store unavailable, trends disabled")
		} else {
			d.knowledge = k
			d.closers = append(d.closers, k)
		}
	}

	if !withCycles {
		return d, nil
	}

	hostname, _ := os.Hostname()
	pub, err := notify.Connect(cfg.Notify, hostname, d.logger)
	if err != nil {
		logging.Warn().Err(err).Msg("notifications disabled")
		pub, _ = notify.Connect(config.NotifyConfig{}, hostname, d.logger)
	}
	d.publisher = pub
	d.closers = append(d.closers, pub)

	runner := command.NewExecRunner()
	probes, err := probe.Build(cfg, runner)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.remediator = remediate.New(cfg, runner, j, d.logger)
	if acts, err := j.RecentActions(seedActions); err != nil {
		logging.Warn().Err(err).Msg("could not read action log, cooldowns start empty")
	} else {
		d.remediator.Seed(acts)
	}
	tracker, err := remediate.LoadUnitTracker(d.unitsPath())
	if err != nil {
		logging.Warn().Err(err).Msg("could not restore unit states, starting from unknown")
	}

	deps := cycle.Deps{
		Config:     cfg,
		Sampler:    sampler.New(probes, cfg.Cycle.ProbeTimeout, j, d.logger),
		Evaluator:  evaluate.New(cfg.Thresholds),
		Remediator: d.remediator,
		Tracker:    tracker,
		History:    j,
		Publisher:  pub,
		Logger:     d.logger,
	}
	if d.knowledge != nil {
		deps.Knowledge = d.knowledge
	}
	d.runner = cycle.New(deps)
	return d, nil
}

func (d *daemon) unitsPath() string {
	return filepath.Join(d.cfg.Paths.LogDir, remediate.UnitsFile)
}

// openAudit starts the MCP audit log when enabled.
func (d *daemon) openAudit() {
	if !d.cfg.Audit.Enabled {
		return
	}
	audit, f, err := safety.OpenAuditLog(d.cfg.Audit.LogPath)
	if err != nil {
		logging.Warn().Err(err).Msg("audit logging disabled")
		return
	}
	d.audit = audit
	d.closers = append(d.closers, f)
}

func (d *daemon) service() *report.Service {
	opts := report.Options{Tracker: remediate.NewUnitFile(d.unitsPath())}
	if d.knowledge != nil {
		opts.Knowledge = d.knowledge
	}
	if d.runner != nil {
		opts.Tracker = d.runner.Tracker()
		opts.Cycles = d.runner
		opts.Actions = d.runner
	}
	return report.NewService(d.journal, opts)
}

// router builds the HTTP API with the MCP endpoint mounted. hub may be nil.
func (d *daemon) router(hub *api.Hub) *gin.Engine {
	svc := d.service()

	mcpServer := server.NewMCPServer("raspi-doctor", version, server.WithToolCapabilities(false))
	regs := report.Tools(svc, safety.NewConfirmationTracker(report.DestructiveTools), d.audit)
	tools.RegisterAll(mcpServer, regs)
	logging.Debug().Strs("tools", tools.Names(regs)).Msg("mcp tools registered")

	opts := api.Options{
		Service: svc,
		Token:   d.cfg.Server.AuthToken,
		Hub:     hub,
		MCP:     server.NewStreamableHTTPServer(mcpServer),
		Logger:  d.logger,
	}
	if d.runner != nil {
		opts.Last = d.runner.Last
	}
	return api.NewRouter(opts)
}

// Close releases components in reverse order of opening.
func (d *daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			logging.Warn().Err(err).Str("component", fmt.Sprintf("%T", d.closers[i])).Msg("close failed")
		}
	}
	d.closers = nil
}
