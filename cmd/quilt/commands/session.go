package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bendavis78/quilt/pkg/config"
	"github.com/bendavis78/quilt/pkg/engine"
	"github.com/bendavis78/quilt/pkg/telemetry"
)

// session is the loaded configuration and the components built from it.
type session struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	runner  *engine.Runner
	targets []config.Target
}

// openSession loads the configuration named by --config and applies the
// global flags to it.
func openSession(cmd *cobra.Command) (*session, error) {
	path := configPath
	if path == "" {
		path = config.DefaultFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.DryRun = true
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.New(cfg.Telemetry, "quilt", buildVersion)
	if err != nil {
		return nil, err
	}
	log.Logger = tel.Log

	selected, err := cfg.Select(targets)
	if err != nil {
		_ = tel.Shutdown(cmd.Context())
		return nil, err
	}

	runner, err := engine.New(cmd.Context(), cfg, engine.WithTelemetry(tel))
	if err != nil {
		_ = tel.Shutdown(cmd.Context())
		return nil, err
	}

	log.Debug().
		Str("config", path).
		Int("targets", len(selected)).
		Bool("dry_run", cfg.DryRun).
		Msg("Configuration loaded")

	return &session{cfg: cfg, tel: tel, runner: runner, targets: selected}, nil
}

// close flushes metrics and spans, even when ctx is already cancelled.
func (s *session) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// run executes mode against the selected targets and prints the reports.
func (s *session) run(cmd *cobra.Command, mode engine.Mode) error {
	reports, err := s.runner.ApplyTargets(cmd.Context(), mode, s.targets)
	if perr := printReports(cmd.OutOrStdout(), reports); perr != nil && err == nil {
		err = perr
	}
	return err
}
