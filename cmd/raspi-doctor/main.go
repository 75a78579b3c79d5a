// Command raspi-doctor samples Raspberry Pi health on a schedule, evaluates
// thresholds, runs corrective actions and serves the results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jamesprial/raspi-doctor/internal/api"
	"github.com/jamesprial/raspi-doctor/internal/config"
	"github.com/jamesprial/raspi-doctor/internal/cycle"
	"github.com/jamesprial/raspi-doctor/internal/logging"
)

var version = "dev"

const (
	exitCycleBusy   = 2
	healthyWait     = 5 * time.Second
	shutdownTimeout = 15 * time.Second
)

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		logging.Error().Err(err).Msg("raspi-doctor failed")
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "raspi-doctor",
		Short:         "Raspberry Pi health sampling and auto-remediation daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $RASPI_DOCTOR_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		newRunCmd(&configPath),
		newCycleCmd(&configPath),
		newServeCmd(&configPath),
		newCheckConfigCmd(&configPath),
	)
	return root
}

// setup loads config and configures logging. Errors here stop the process
// before any cycle runs.
func setup(configPath string) (*config.Config, error) {
	cfg, source, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", source, err)
	}
	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	logging.Info().Str("config", source).Str("version", version).Msg("configuration loaded")
	return cfg, nil
}

func ensureToken(cfg *config.Config) {
	before := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	switch {
	case err != nil:
		logging.Warn().Err(err).Msg("could not generate auth token, API is unauthenticated")
	case before == "":
		logging.Warn().Str("token", token).Msg("generated auth token, set RASPI_DOCTOR_AUTH_TOKEN to persist it")
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the API and run cycles on the configured interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			ensureToken(cfg)

			d, err := build(cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()
			d.openAudit()

			hub := api.NewHub(d.logger)
			defer hub.Close()
			d.runner.Subscribe(hub.Publish)

			return serveUntilSignal(cmd.Context(), d, hub, func(ctx context.Context) {
				d.runner.Run(ctx, cfg.Cycle.Interval)
			})
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only API over the existing journals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			ensureToken(cfg)

			d, err := build(cfg, false)
			if err != nil {
				return err
			}
			defer d.Close()
			d.openAudit()

			return serveUntilSignal(cmd.Context(), d, nil, nil)
		},
	}
}

// serveUntilSignal starts the API, waits for it to answer /healthz, runs
// background alongside it and shuts both down on SIGINT or SIGTERM.
func serveUntilSignal(parent context.Context, d *daemon, hub *api.Hub, background func(context.Context)) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(d.cfg.Server.Addr, d.router(hub), d.logger)
	errc, err := srv.Start()
	if err != nil {
		return err
	}
	if err := srv.WaitHealthy(ctx, healthyWait); err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}
	logging.Info().Str("addr", srv.Addr()).Msg("api healthy")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if background != nil {
			background(ctx)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
	case err, ok := <-errc:
		if ok {
			serveErr = fmt.Errorf("http server: %w", err)
		}
		stop()
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logging.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	<-done
	logging.Info().Msg("stopped")
	return serveErr
}

func newCycleCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run a single cycle and exit",
		Long: "Run one sample, evaluate and remediate cycle, for use from an external timer.\n" +
			"Exits 0 even when probes or actions failed, and 2 when another cycle holds the lock.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			d, err := build(cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rep, err := d.runner.RunOnce(ctx)
			if errors.Is(err, cycle.ErrCycleInProgress) {
				return &exitError{code: exitCycleBusy, err: err}
			}
			if err != nil {
				return err
			}

			logging.Info().
				Str("cycle_id", rep.CycleID).
				Int("readings", len(rep.Readings)).
				Int("failed_probes", rep.Failed()).
				Int("conditions", len(rep.Conditions)).
				Int("actions", len(rep.Actions)).
				Msg("cycle complete")
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle report as JSON")
	return cmd
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	var printCfg bool
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, source, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", source, err)
			}
			out := cmd.OutOrStdout()
			if printCfg {
				if cfg.Server.AuthToken != "" {
					cfg.Server.AuthToken = "<redacted>"
				}
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg)
			}
			_, err = fmt.Fprintf(out, "%s: ok (%d probes, %d rules, %d actions)\n",
				source, len(cfg.Probes.Enabled), len(cfg.Thresholds), len(cfg.Actions))
			return err
		},
	}
	cmd.Flags().BoolVar(&printCfg, "print", false, "print the effective configuration as YAML")
	return cmd
}
