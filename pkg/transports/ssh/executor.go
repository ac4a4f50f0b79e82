package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/bendavis78/quilt/pkg/transports"
)

// Run implements transports.Runner.
func (h *Host) Run(ctx context.Context, cmd string, opts ...transports.ExecOption) (transports.Result, error) {
	return h.execute(ctx, cmd, "", transports.ApplyOptions(opts))
}

// Sudo implements transports.Runner.
func (h *Host) Sudo(ctx context.Context, cmd string, opts ...transports.ExecOption) (transports.Result, error) {
	o := transports.ApplyOptions(opts)
	wrapped, stdin := sudoCommand(cmd, o.User, h.config.SudoPassword)
	return h.execute(ctx, wrapped, stdin, o)
}

// sudoCommand wraps cmd in sudo. With a password sudo reads it from stdin
// without prompting; otherwise it must not ask for one.
func sudoCommand(cmd, user, password string) (string, string) {
	words := []string{"sudo"}
	var stdin string
	if password != "" {
		words = append(words, "-S", "-p", "")
		stdin = password + "\n"
	} else {
		words = append(words, "-n")
	}
	if user != "" {
		words = append(words, "-u", user)
	}
	words = append(words, "--", "sh", "-c", cmd)
	return transports.Command(words...), stdin
}

// execute runs cmd in a fresh session. A non-zero exit status is reported
// in the result; errors mean the command did not complete.
func (h *Host) execute(ctx context.Context, cmd, stdin string, o transports.ExecOptions) (transports.Result, error) {
	startTime := time.Now()
	result := transports.Result{Command: cmd}

	if !o.Quiet {
		log.Debug().Str("host", h.Name()).Str("command", cmd).Msg("executing command")
	}

	client, err := h.sshClient()
	if err != nil {
		return result, err
	}

	session, err := client.NewSession()
	if err != nil {
		return result, &transports.Error{
			Op:        "exec",
			Err:       fmt.Errorf("failed to create session: %w", err),
			Temporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		result.Duration = time.Since(startTime)
		return result, &transports.Error{Op: "exec", Err: ctx.Err()}
	case execErr = <-doneChan:
	}

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Duration = time.Since(startTime)

	var exitErr *ssh.ExitError
	switch {
	case execErr == nil:
	case errors.As(execErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return result, &transports.Error{Op: "exec", Err: execErr, Temporary: true}
	}

	if !o.Quiet {
		log.Debug().
			Str("host", h.Name()).
			Str("command", cmd).
			Int("exit_code", result.ExitCode).
			Int("stdout_len", len(result.Stdout)).
			Int("stderr_len", len(result.Stderr)).
			Dur("duration", result.Duration).
			Msg("command completed")
	}
	return result, nil
}
