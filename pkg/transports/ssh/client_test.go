package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/bendavis78/quilt/pkg/transports"
)

// fakeSudo drops sudo's options and runs the command as the current user.
const fakeSudo = `#!/bin/sh
while [ $# -gt 0 ]; do
	case "$1" in
		--) shift; break ;;
		-u|-p) shift 2 ;;
		*) shift ;;
	esac
done
exec "$@"
`

// testSSHServer provides a minimal SSH server for testing. Exec requests
// run through sh with a fake sudo first on PATH; the sftp subsystem is
// served from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	bin      string
	done     chan struct{}

	mu       sync.Mutex
	commands []string
	stdin    []string
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(privateKey)

	bin := t.TempDir()
	if err := os.WriteFile(filepath.Join(bin, "sudo"), []byte(fakeSudo), 0o755); err != nil {
		t.Fatal(err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		bin:      bin,
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			status := s.exec(payload.Command, channel)
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) exec(command string, channel ssh.Channel) int {
	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(os.Environ(), "PATH="+s.bin+":"+os.Getenv("PATH"))
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	var stdin strings.Builder
	if strings.Contains(command, "sudo -S") {
		// sudo would consume the password line; the fake does not.
		line := make([]byte, 0, 64)
		buf := make([]byte, 1)
		for {
			n, err := channel.Read(buf)
			if n == 0 || err != nil || buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		stdin.Write(line)
	}

	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.stdin = append(s.stdin, stdin.String())
	s.mu.Unlock()

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		return 127
	}
	return 0
}

func (s *testSSHServer) lastCommand() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return "", ""
	}
	return s.commands[len(s.commands)-1], s.stdin[len(s.stdin)-1]
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func testConfig(server *testSSHServer) *Config {
	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	return config
}

func dialTest(t *testing.T, config *Config) *Host {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := Dial(ctx, config)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestDial(t *testing.T) {
	server := newTestSSHServer(t)
	config := testConfig(server)
	config.Name = "web1"

	h := dialTest(t, config)
	if h.Name() != "web1" || h.User() != "testuser" {
		t.Errorf("Name() = %s, User() = %s", h.Name(), h.User())
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := h.Run(context.Background(), "true"); err == nil {
		t.Error("Run after Close succeeded")
	}
}

func TestDialWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := testConfig(server)
	config.Password = "wrong"

	_, err := Dial(context.Background(), config)
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if transports.IsTemporary(err) {
		t.Errorf("authentication failure reported as temporary: %v", err)
	}
}

func TestDialKeyAuth(t *testing.T) {
	server := newTestSSHServer(t)
	config := testConfig(server)
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = writeTestKey(t)

	h := dialTest(t, config)
	res, err := h.Run(context.Background(), "echo ok")
	if err != nil || res.Stdout != "ok\n" {
		t.Errorf("Run = %+v, %v", res, err)
	}
}
