package ssh

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/fleetrun/internal/core"
	"golang.org/x/crypto/ssh/agent"
)

func TestMakeCommand(t *testing.T) {
	cases := []struct {
		cmd  string
		sudo core.Sudo
		want string
	}{
		{"uptime", core.Sudo{}, "sh -c 'uptime'"},
		{"echo 'hi'", core.Sudo{}, `sh -c 'echo '"'"'hi'"'"''`},
		{"apt-get install -y nginx", core.Sudo{Enabled: true}, "sudo -H -n sh -c 'apt-get install -y nginx'"},
		{"whoami", core.Sudo{Enabled: true, User: "www"}, "sudo -H -n -u www sh -c 'whoami'"},
		// A sudo user without sudo enabled does not elevate.
		{"id", core.Sudo{User: "root"}, "sh -c 'id'"},
	}
	for _, tc := range cases {
		if got := makeCommand(tc.cmd, tc.sudo); got != tc.want {
			t.Errorf("makeCommand(%q, %+v) = %q, want %q", tc.cmd, tc.sudo, got, tc.want)
		}
	}
}

func TestNewConnector(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.SSH.User = "deploy"
	cfg.SSH.KnownHosts = filepath.Join(t.TempDir(), "known_hosts")
	cfg.SSH.Retries = 2

	c, err := NewConnector(cfg)
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	if c.User != "deploy" || c.Port != core.DefaultSSHPort || c.Retries != 2 {
		t.Fatalf("unexpected connector: %+v", c)
	}
	if c.KnownHosts == nil {
		t.Fatalf("expected host key callback")
	}
}

type foreignExecutor struct{}

func (foreignExecutor) Run(context.Context, string, core.Sudo) (core.CommandOutput, error) {
	return core.CommandOutput{}, nil
}
func (foreignExecutor) Close() error { return nil }

func TestOpenTransferRejectsForeignExecutor(t *testing.T) {
	c := &Connector{}
	if _, err := c.OpenTransfer(context.Background(), &core.Host{Name: "h1"}, foreignExecutor{}); err == nil {
		t.Fatalf("expected error for executor from another connector")
	}
}

type failingDialer struct{ calls atomic.Int64 }

func (d *failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.calls.Add(1)
	return nil, errors.New("unreachable")
}

func TestConnectorSharesAgent(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	sock := filepath.Join(dir, "agent.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	t.Setenv("SSH_AUTH_SOCK", sock)

	var accepted atomic.Int64
	served := make(chan struct{}, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func() {
				_ = agent.ServeAgent(agent.NewKeyring(), conn)
				served <- struct{}{}
			}()
		}
	}()

	cfg := core.DefaultConfig()
	cfg.SSH.KnownHosts = filepath.Join(dir, "known_hosts")
	c, err := NewConnector(cfg)
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	if c.Agent == nil {
		t.Fatalf("expected agent to be dialed")
	}
	dialer := &failingDialer{}
	c.Dialer = dialer
	for _, name := range []string{"h1", "h2", "h3"} {
		if _, err := c.Connect(context.Background(), &core.Host{Name: name}); err == nil {
			t.Fatalf("%s: expected dial failure", name)
		}
	}
	if dialer.calls.Load() != 3 {
		t.Fatalf("expected 3 dials, got %d", dialer.calls.Load())
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent connection not closed")
	}
	// Let any further dials reach the accept loop.
	time.Sleep(50 * time.Millisecond)
	if accepted.Load() != 1 {
		t.Fatalf("expected one agent connection, got %d", accepted.Load())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
