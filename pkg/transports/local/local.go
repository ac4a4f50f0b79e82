// Package local implements transports.Host on the machine quilt runs on.
//
// Commands run through /bin/sh with os/exec; privileged commands go through
// sudo exactly like the SSH transport so that both behave the same for the
// resource types.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bendavis78/quilt/pkg/transports"
)

// Config holds the local transport settings.
type Config struct {
	// Name identifies the target in logs and reports.
	Name string

	// SudoPassword is sent to sudo -S when set.
	SudoPassword string

	// TempDir receives staged files for privileged Put.
	TempDir string

	// Shell runs commands; defaults to /bin/sh.
	Shell string
}

// Host is the local machine.
type Host struct {
	config Config
	user   string
}

var _ transports.Host = (*Host)(nil)

// New returns a Host for the current user.
func New(cfg Config) (*Host, error) {
	if cfg.Name == "" {
		cfg.Name = "localhost"
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	u, err := user.Current()
	if err != nil {
		return nil, &transports.Error{Op: "connect", Err: fmt.Errorf("current user: %w", err)}
	}
	return &Host{config: cfg, user: u.Username}, nil
}

// Name implements transports.Host.
func (h *Host) Name() string {
	return h.config.Name
}

// User implements transports.Host.
func (h *Host) User() string {
	return h.user
}

// Close implements transports.Host.
func (h *Host) Close() error {
	return nil
}

// Run implements transports.Runner.
func (h *Host) Run(ctx context.Context, cmd string, opts ...transports.ExecOption) (transports.Result, error) {
	return h.execute(ctx, cmd, []string{h.config.Shell, "-c", cmd}, "", transports.ApplyOptions(opts))
}

// Sudo implements transports.Runner.
func (h *Host) Sudo(ctx context.Context, cmd string, opts ...transports.ExecOption) (transports.Result, error) {
	o := transports.ApplyOptions(opts)
	argv, stdin := sudoArgs(h.config.Shell, cmd, o.User, h.config.SudoPassword)
	return h.execute(ctx, transports.Command(argv...), argv, stdin, o)
}

func sudoArgs(shell, cmd, user, password string) ([]string, string) {
	argv := []string{"sudo"}
	var stdin string
	if password != "" {
		argv = append(argv, "-S", "-p", "")
		stdin = password + "\n"
	} else {
		argv = append(argv, "-n")
	}
	if user != "" {
		argv = append(argv, "-u", user)
	}
	return append(argv, "--", shell, "-c", cmd), stdin
}

// execute runs argv; cmd is the command line reported in the result.
func (h *Host) execute(ctx context.Context, cmd string, argv []string, stdin string, o transports.ExecOptions) (transports.Result, error) {
	startTime := time.Now()
	result := transports.Result{Command: cmd}

	if !o.Quiet {
		log.Debug().Str("host", h.Name()).Str("command", cmd).Msg("executing command")
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if stdin != "" {
		c.Stdin = strings.NewReader(stdin)
	}

	err := c.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = time.Since(startTime)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, &transports.Error{Op: "exec", Err: ctxErr}
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, &transports.Error{Op: "exec", Err: fmt.Errorf("failed to execute command: %w", err)}
	}

	if !o.Quiet {
		log.Debug().
			Str("host", h.Name()).
			Str("command", cmd).
			Int("exit_code", result.ExitCode).
			Dur("duration", result.Duration).
			Msg("command completed")
	}
	return result, nil
}

// Getuid implements transports.Metadata.
func (h *Host) Getuid(ctx context.Context) (int, error) {
	return os.Getuid(), nil
}

// LookupUser implements transports.Metadata.
func (h *Host) LookupUser(ctx context.Context, name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return 0, fmt.Errorf("%s: %w", name, transports.ErrUnknownUser)
		}
		return 0, &transports.Error{Op: "lookup", Err: err}
	}
	return strconv.Atoi(u.Uid)
}

// LookupGroup implements transports.Metadata.
func (h *Host) LookupGroup(ctx context.Context, name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		var unknown user.UnknownGroupError
		if errors.As(err, &unknown) {
			return 0, fmt.Errorf("%s: %w", name, transports.ErrUnknownGroup)
		}
		return 0, &transports.Error{Op: "lookup", Err: err}
	}
	return strconv.Atoi(g.Gid)
}
