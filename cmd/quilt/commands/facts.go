package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bendavis78/quilt/pkg/config"
	"github.com/bendavis78/quilt/pkg/engine"
)

type targetFacts struct {
	Target string        `json:"target"`
	Facts  *engine.Facts `json:"facts,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show the facts gathered from targets",
		Long: `Connect to each selected target and print the facts a manifest sees
under setting("facts", ...): OS release, kernel, architecture, hostname and
CPU count.`,
		Example: `  # Facts for every target
  quilt facts

  # One target, as JSON
  quilt facts --target web1 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close(cmd.Context())

			var (
				results []targetFacts
				failed  int
			)
			for _, target := range s.targets {
				entry := targetFacts{Target: target.Name}
				facts, err := gather(cmd.Context(), target)
				if err != nil {
					log.Error().Err(err).Str("target", target.Name).Msg("Failed to gather facts")
					entry.Error = err.Error()
					failed++
				} else {
					entry.Facts = &facts
				}
				results = append(results, entry)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					writeFacts(out, r)
				}
			}
			if failed > 0 {
				return fmt.Errorf("failed to gather facts from %d of %d targets", failed, len(results))
			}
			return nil
		},
	}
	return cmd
}

func gather(ctx context.Context, target config.Target) (engine.Facts, error) {
	host, err := engine.DialTarget(ctx, target)
	if err != nil {
		return engine.Facts{}, err
	}
	defer host.Close()
	return engine.GatherFacts(ctx, host)
}

func writeFacts(w io.Writer, r targetFacts) {
	if r.Facts == nil {
		fmt.Fprintf(w, "%s: error: %s\n", r.Target, r.Error)
		return
	}
	f := r.Facts
	fmt.Fprintf(w, "%s:\n", r.Target)
	fmt.Fprintf(w, "  hostname: %s\n", f.Hostname)
	fmt.Fprintf(w, "  os:       %s %s (%s)\n", f.OS.ID, f.OS.Version, f.OS.Codename)
	fmt.Fprintf(w, "  kernel:   %s\n", f.Kernel)
	fmt.Fprintf(w, "  arch:     %s\n", f.Arch)
	fmt.Fprintf(w, "  cpus:     %d\n", f.CPUs)
}
