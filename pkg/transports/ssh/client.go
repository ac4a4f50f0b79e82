// Package ssh implements transports.Host over an SSH connection: commands
// run in exec sessions, files and metadata go through SFTP.
package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/bendavis78/quilt/pkg/transports"
)

// Host is a connected SSH target.
type Host struct {
	config *Config

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	uid    *int

	done chan struct{}
}

var _ transports.Host = (*Host)(nil)

// Dial connects and authenticates to the host described by config.
func Dial(ctx context.Context, config *Config) (*Host, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig, closer, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &transports.Error{Op: "connect", Err: err}
	}
	if closer != nil {
		defer closer.Close()
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &transports.Error{Op: "connect", Err: err, Temporary: true}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &transports.Error{
			Op:        "connect",
			Err:       err,
			Temporary: !strings.Contains(err.Error(), "unable to authenticate"),
		}
	}
	_ = conn.SetDeadline(time.Time{})

	h := &Host{
		config: config,
		client: ssh.NewClient(ncc, chans, reqs),
		done:   make(chan struct{}),
	}
	if config.KeepAliveInterval > 0 {
		go h.keepAlive()
	}

	log.Info().Str("address", address).Str("user", config.User).Msg("SSH connection established")
	return h, nil
}

// Name implements transports.Host.
func (h *Host) Name() string {
	if h.config.Name != "" {
		return h.config.Name
	}
	return h.config.Host
}

// User implements transports.Host.
func (h *Host) User() string {
	return h.config.User
}

// Close implements transports.Host.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil
	}
	log.Debug().Str("host", h.Name()).Msg("closing SSH connection")

	close(h.done)
	if h.sftp != nil {
		_ = h.sftp.Close()
		h.sftp = nil
	}
	err := h.client.Close()
	h.client = nil
	if err != nil {
		return &transports.Error{Op: "disconnect", Err: err}
	}
	return nil
}

func (h *Host) sshClient() (*ssh.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil, &transports.Error{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return h.client, nil
}

// sftpClient returns the SFTP session, starting it on first use.
func (h *Host) sftpClient() (*sftp.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil, &transports.Error{Op: "sftp-init", Err: fmt.Errorf("not connected")}
	}
	if h.sftp == nil {
		client, err := sftp.NewClient(h.client)
		if err != nil {
			return nil, &transports.Error{
				Op:        "sftp-init",
				Err:       fmt.Errorf("failed to create SFTP client: %w", err),
				Temporary: true,
			}
		}
		h.sftp = client
	}
	return h.sftp, nil
}

// keepAlive sends periodic keep-alive messages to keep the connection alive.
func (h *Host) keepAlive() {
	ticker := time.NewTicker(h.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}

		client, err := h.sshClient()
		if err != nil {
			return
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Str("host", h.Name()).Msg("keep-alive failed")
			if retries >= h.config.MaxKeepAliveRetries {
				log.Error().Str("host", h.Name()).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
		} else {
			retries = 0
		}
	}
}
