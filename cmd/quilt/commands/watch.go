package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bendavis78/quilt/pkg/engine"
	"github.com/bendavis78/quilt/pkg/watch"
)

func newWatchCommand() *cobra.Command {
	var (
		apply bool
		delay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run plan (or apply) whenever local files change",
		Long: `Watch the quiltfile, every module it loads, the defaults files, the
templates directory and the policies, and re-run plan on every change.
With --apply the changes are applied instead.

Failed runs are reported and watching continues. When metrics are enabled
with a listen address, /metrics is served for the lifetime of the command.`,
		Example: `  # Plan on every save
  quilt watch

  # Keep a development VM converged
  quilt watch --apply --target devbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())
			if !apply {
				s.cfg.DryRun = true
			}

			if s.tel.Metrics.Enabled() && s.tel.Config.Metrics.Listen != "" {
				go func() {
					if err := s.tel.Metrics.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()
			}

			w, err := watch.New(log.Logger, delay)
			if err != nil {
				return err
			}
			defer w.Close()

			pass := func(ctx context.Context) error {
				reports, err := s.runner.ApplyTargets(ctx, engine.ModeEnsure, s.targets)
				if perr := printReports(cmd.OutOrStdout(), reports); perr != nil {
					return perr
				}
				if err != nil {
					log.Warn().Err(err).Msg("Run failed; waiting for changes")
				}
				if ferr := s.tel.Flush(); ferr != nil {
					log.Warn().Err(ferr).Msg("Failed to write metrics")
				}
				return w.Set(watchedFiles(s, reports))
			}

			if err := pass(cmd.Context()); err != nil {
				return err
			}
			log.Info().Bool("apply", apply).Msg("Watching for changes")

			err = w.Run(cmd.Context(), func(ctx context.Context, changed []string) error {
				log.Info().Strs("files", changed).Msg("Change detected")
				return pass(ctx)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "apply changes instead of planning")
	cmd.Flags().DurationVar(&delay, "delay", watch.DefaultDelay, "quiet period before re-running")

	return cmd
}

// watchedFiles lists the local inputs of the last runs.
func watchedFiles(s *session, reports []engine.Report) []string {
	files := append([]string{s.cfg.Manifest}, s.cfg.Files()...)
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f] = true
	}
	for _, r := range reports {
		for _, f := range r.Files {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	return files
}
