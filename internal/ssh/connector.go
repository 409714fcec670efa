package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/3cpo-dev/fleetrun/internal/core"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Connector opens SSH command sessions and SFTP transfers to inventory hosts.
type Connector struct {
	User          string
	Port          int
	KeyPath       string
	KnownHosts    xssh.HostKeyCallback
	Timeout       time.Duration
	Retries       int
	Backoff       time.Duration
	VerifyUploads bool
	Dialer        Dialer

	// Agent is shared by every host; agentConn is closed by Close.
	Agent     agent.Agent
	agentConn io.Closer
}

var _ core.Connector = (*Connector)(nil)

// NewConnector builds a connector from the run config.
func NewConnector(cfg *core.Config) (*Connector, error) {
	c := &Connector{
		User:          cfg.SSH.User,
		Port:          cfg.SSH.Port,
		KeyPath:       cfg.SSH.KeyPath,
		Timeout:       cfg.ConnectTimeout,
		Retries:       cfg.SSH.Retries,
		Backoff:       500 * time.Millisecond,
		VerifyUploads: true,
	}
	if c.User == "" {
		if u, err := user.Current(); err == nil {
			c.User = u.Username
		}
	}
	khPath := cfg.SSH.KnownHosts
	if khPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("ssh: resolve known_hosts: %w", err)
		}
		khPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	kh, err := LoadKnownHostsCallback(khPath, cfg.SSH.AcceptNewHostKeys)
	if err != nil {
		return nil, err
	}
	c.KnownHosts = kh
	c.Agent, c.agentConn = DialAgent()
	return c, nil
}

func (c *Connector) Connect(ctx context.Context, host *core.Host) (core.Executor, error) {
	keyPath := host.KeyPath
	if keyPath == "" {
		keyPath = c.KeyPath
	}
	auth, err := AuthMethods(keyPath, c.Agent)
	if err != nil {
		return nil, err
	}
	u := host.User
	if u == "" {
		u = c.User
	}
	cli, err := Dial(ctx, &Client{
		Addr:       host.Address(c.Port),
		User:       u,
		Auth:       auth,
		KnownHosts: c.KnownHosts,
		Timeout:    c.Timeout,
		Retries:    c.Retries,
		Backoff:    c.Backoff,
		Dialer:     c.Dialer,
	})
	if err != nil {
		return nil, err
	}
	ev := log.Debug().Str("host", host.Name).Str("user", u)
	if st, ok := core.StateFromContext(ctx); ok {
		ev = ev.Str("run_id", st.RunID())
	}
	ev.Msg("SSH connected")
	return &session{client: cli}, nil
}

func (c *Connector) OpenTransfer(ctx context.Context, host *core.Host, exec core.Executor) (core.Transferer, error) {
	s, ok := exec.(*session)
	if !ok {
		return nil, fmt.Errorf("ssh: %s: executor was not opened by this connector", host.Name)
	}
	sf, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &transfer{sftp: sf, ssh: s.client, verify: c.VerifyUploads}, nil
}

// Close releases the agent connection. Host connections are owned by the
// run state and closed there.
func (c *Connector) Close() error {
	if c.agentConn == nil {
		return nil
	}
	err := c.agentConn.Close()
	c.agentConn = nil
	return err
}

// session is the command channel of a host.
type session struct {
	client *xssh.Client
}

func (s *session) Run(ctx context.Context, cmd string, sudo core.Sudo) (core.CommandOutput, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return core.CommandOutput{}, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(makeCommand(cmd, sudo)) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(xssh.SIGKILL)
		return core.CommandOutput{}, ctx.Err()
	case err := <-done:
		out := core.CommandOutput{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return out, nil
		}
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		return out, fmt.Errorf("run command: %w", err)
	}
}

func (s *session) Close() error { return s.client.Close() }

// makeCommand wraps cmd in a shell, elevated through sudo when requested.
func makeCommand(cmd string, sudo core.Sudo) string {
	shell := "sh -c " + shellQuote(cmd)
	if !sudo.Enabled {
		return shell
	}
	parts := []string{"sudo", "-H", "-n"}
	if sudo.User != "" {
		parts = append(parts, "-u", sudo.User)
	}
	return strings.Join(parts, " ") + " " + shell
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
