package engine

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog"

	"github.com/bendavis78/quilt/pkg/config"
	"github.com/bendavis78/quilt/pkg/transports"
	"github.com/bendavis78/quilt/pkg/transports/local"
	"github.com/bendavis78/quilt/pkg/transports/ssh"
)

// Dialer opens a connection to a target.
type Dialer func(ctx context.Context, target config.Target) (transports.Host, error)

// DialTarget connects with the transport the target names. Passwords are
// read from the environment variables the target points at.
func DialTarget(ctx context.Context, target config.Target) (transports.Host, error) {
	sudoPassword, err := lookupSecret(target.SudoPasswordEnv)
	if err != nil {
		return nil, err
	}

	if target.Transport == config.TransportLocal {
		host, err := local.New(local.Config{Name: target.Name, SudoPassword: sudoPassword})
		if err != nil {
			return nil, err
		}
		return host, nil
	}

	cfg, err := sshConfig(target)
	if err != nil {
		return nil, err
	}
	cfg.SudoPassword = sudoPassword
	host, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return host, nil
}

func sshConfig(target config.Target) (*ssh.Config, error) {
	login := target.User
	if login == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("target %s: no user given: %w", target.Name, err)
		}
		login = u.Username
	}

	cfg := ssh.DefaultConfig(target.Host, login)
	cfg.Name = target.Name
	if target.Port != 0 {
		cfg.Port = target.Port
	}
	cfg.KnownHostsPath = target.KnownHosts
	cfg.StrictHostKeyChecking = !target.Insecure

	switch target.Auth {
	case config.AuthPassword:
		password, err := lookupSecret(target.PasswordEnv)
		if err != nil {
			return nil, err
		}
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = password
	case config.AuthKey:
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = target.KeyFile
	default:
		cfg.AuthMethod = ssh.AuthMethodAgent
	}
	return cfg, nil
}

func lookupSecret(env string) (string, error) {
	if env == "" {
		return "", nil
	}
	v, ok := os.LookupEnv(env)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", env)
	}
	return v, nil
}

// maxDialAttempts bounds connection attempts for temporary failures.
const maxDialAttempts = 3

// dialWithRetry retries temporary connection failures with exponential
// backoff.
func dialWithRetry(ctx context.Context, dial Dialer, target config.Target, log zerolog.Logger) (transports.Host, error) {
	for attempt := 0; ; attempt++ {
		host, err := dial(ctx, target)
		if err == nil || !transports.IsTemporary(err) || attempt+1 >= maxDialAttempts {
			return host, err
		}
		delay := backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Connection failed")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// backoffBase is the delay before the first retry.
var backoffBase = time.Second

// backoff returns base * 2^attempt plus an eighth, capped at a minute.
func backoff(attempt int) time.Duration {
	delay := backoffBase << attempt
	if delay > time.Minute || delay <= 0 {
		delay = time.Minute
	}
	return delay + delay/8
}
