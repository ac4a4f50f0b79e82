package commands

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bendavis78/quilt/pkg/config"
)

const scaffoldConfig = `# Targets converged by quilt. SSH targets look like:
#
#   - name: web1
#     host: web1.example.com
#     user: deploy
#     auth: agent
#     sudo_password_env: WEB1_SUDO_PASSWORD
manifest: quiltfile.star
defaults: [defaults.cue]
policies: [policies]
parallelism: 4
timeout: 30s

targets:
  - name: local
    transport: local

telemetry:
  logging:
    level: info
    format: console
`

const scaffoldManifest = `# Resources are converged in declaration order.
root = setting("site", "root")

directory(root, mode=0o755)
file(root + "/motd", content="Welcome to %s (%s)\n" % (setting("facts", "hostname"), setting("facts", "os", "id")), mode=0o644)
`

const scaffoldDefaults = `// Settings read by the quiltfile with setting(...).
site: root: %q

// Files, directories and symlinks default to root ownership; the starter
// project manages files owned by whoever ran quilt init.
fs: file: {
	owner: %q
	group: %q
}
fs: directory: mode: 0o755
`

const scaffoldPolicy = `package quilt.site

import rego.v1

# Reject files managed as root-owned setuid binaries.
deny contains msg if {
	"fs.file" in input.resource.types
	input.resource.attributes.owner == "root"
	mode := input.resource.attributes.mode
	is_number(mode)
	bits.and(mode, 2048) != 0
	msg := sprintf("%s must not be setuid root", [input.resource.attributes.path])
}
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a starter quilt project",
		Long: `Create quilt.yaml, a quiltfile, a defaults file and a policies directory
in dir (the current directory by default).

The starter project converges a directory beside the project on the local
machine, so "quilt plan" works immediately.`,
		Example: `  # Scaffold in the current directory
  quilt init

  # Scaffold elsewhere, replacing existing files
  quilt init ./infra --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			owner, group, err := currentOwner()
			if err != nil {
				return err
			}

			log.Info().Str("dir", dir).Bool("force", force).Msg("Initializing project")

			if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

			files := []struct {
				name    string
				content string
			}{
				{config.DefaultFile, scaffoldConfig},
				{"quiltfile.star", scaffoldManifest},
				{"defaults.cue", fmt.Sprintf(scaffoldDefaults, filepath.Join(dir, "site"), owner, group)},
				{filepath.Join("policies", "site.rego"), scaffoldPolicy},
			}

			out := cmd.OutOrStdout()
			for _, f := range files {
				path := filepath.Join(dir, f.name)
				if err := writeScaffold(path, f.content, force); err != nil {
					return err
				}
				fmt.Fprintf(out, "created %s\n", path)
			}
			fmt.Fprintf(out, "\nRun \"quilt plan -c %s\" to see what would change.\n", filepath.Join(dir, config.DefaultFile))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

// currentOwner returns the names of the current user and its primary group.
func currentOwner() (string, string, error) {
	u, err := user.Current()
	if err != nil {
		return "", "", fmt.Errorf("failed to look up current user: %w", err)
	}
	g, err := user.LookupGroupId(u.Gid)
	if err != nil {
		return "", "", fmt.Errorf("failed to look up group %s: %w", u.Gid, err)
	}
	return u.Username, g.Name, nil
}

func writeScaffold(path, content string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
