package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeConnector stands in for SSH. Commands on hosts listed in failOn exit 1.
type fakeConnector struct {
	mu         sync.Mutex
	failOn     map[string]bool
	connectErr map[string]error
	delay      time.Duration

	ran       map[string][]string
	uploads   map[string][]string
	transfers map[string]int
	closed    int
	inflight  int
	peak      int
	// seen records the run state found in the ctx passed to Connect.
	seen map[string]*State
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		failOn:     map[string]bool{},
		connectErr: map[string]error{},
		ran:        map[string][]string{},
		uploads:    map[string][]string{},
		transfers:  map[string]int{},
		seen:       map[string]*State{},
	}
}

func (f *fakeConnector) Connect(ctx context.Context, host *Host) (Executor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := StateFromContext(ctx); ok {
		f.seen[host.Name] = st
	}
	if err := f.connectErr[host.Name]; err != nil {
		return nil, err
	}
	return &fakeExecutor{f: f, host: host.Name}, nil
}

func (f *fakeConnector) OpenTransfer(_ context.Context, host *Host, exec Executor) (Transferer, error) {
	if _, ok := exec.(*fakeExecutor); !ok {
		return nil, errors.New("foreign executor")
	}
	f.mu.Lock()
	f.transfers[host.Name]++
	f.mu.Unlock()
	return &fakeTransfer{f: f, host: host.Name}, nil
}

func (f *fakeConnector) commands(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran[host]...)
}

type fakeExecutor struct {
	f    *fakeConnector
	host string
}

func (e *fakeExecutor) Run(ctx context.Context, cmd string, sudo Sudo) (CommandOutput, error) {
	f := e.f
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if sudo.Enabled {
		cmd = fmt.Sprintf("sudo[%s] %s", sudo.User, cmd)
	}
	f.ran[e.host] = append(f.ran[e.host], cmd)
	if f.failOn[e.host] {
		return CommandOutput{ExitCode: 1, Stderr: "boom"}, nil
	}
	return CommandOutput{Stdout: "ok"}, nil
}

func (e *fakeExecutor) Close() error {
	e.f.mu.Lock()
	e.f.closed++
	e.f.mu.Unlock()
	return nil
}

type fakeTransfer struct {
	f    *fakeConnector
	host string
}

func (t *fakeTransfer) Put(_ context.Context, data []byte, dest string) error {
	t.f.mu.Lock()
	t.f.uploads[t.host] = append(t.f.uploads[t.host], dest)
	t.f.mu.Unlock()
	return nil
}

func (t *fakeTransfer) Close() error { return nil }

func testHosts(names ...string) []*Host {
	out := make([]*Host, len(names))
	for i, n := range names {
		out[i] = &Host{Name: n}
	}
	return out
}

func newTestState(t interface{ Fatalf(string, ...any) }, cfg *Config, names ...string) *State {
	s, err := NewState(NewInventory(testHosts(names...)...), cfg)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return s
}

func shellOp(cmds ...string) OpFunc {
	return func(_ *State, _ *Host) ([]Command, error) {
		out := make([]Command, len(cmds))
		for i, c := range cmds {
			out[i] = Shell(c)
		}
		return out, nil
	}
}
